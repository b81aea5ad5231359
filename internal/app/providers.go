package app

import (
	"log/slog"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/pkg/provider"
	"github.com/MrWong99/voxbridge/pkg/provider/deepgram"
	"github.com/MrWong99/voxbridge/pkg/provider/openai"
)

// Provider names understood by [RegisterBuiltins].
const (
	ProviderOpenAI   = "openai"
	ProviderDeepgram = "deepgram"
)

// RegisterBuiltins wires the provider implementations that ship with
// voxbridge into reg.
//
// openai options:
//
//	audio_format         "mulaw" negotiates G.711 with the backend
//	input_per_mtok       rate card overrides, USD per million tokens
//	cached_input_per_mtok
//	output_per_mtok
//	audio_per_minute
//
// deepgram options:
//
//	listen_model, think_provider, think_model, speak_model
//	per_minute           USD per session minute
//	keepalive_interval, comfort_noise_after, comfort_noise_check,
//	handshake_timeout    durations ("5s") or milliseconds
func RegisterBuiltins(reg *config.Registry, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	reg.Register(ProviderOpenAI, config.ProviderSpec{
		Required: []string{config.FieldAPIKey},
		New: func(e config.ProviderEntry) (provider.Adapter, error) {
			opts := []openai.Option{
				openai.WithModel(e.Model),
				openai.WithBaseURL(e.BaseURL),
				openai.WithPricing(openAIPricing(e)),
				openai.WithLogger(log.With("provider", e.Key())),
			}
			if e.OptString("audio_format") == "mulaw" {
				opts = append(opts, openai.WithMulaw())
			}
			return openai.New(e.APIKey, opts...), nil
		},
	})

	reg.Register(ProviderDeepgram, config.ProviderSpec{
		Required: []string{config.FieldAPIKey},
		New: func(e config.ProviderEntry) (provider.Adapter, error) {
			opts := []deepgram.Option{
				deepgram.WithBaseURL(e.BaseURL),
				deepgram.WithListenModel(e.OptString("listen_model")),
				deepgram.WithThinkModel(e.OptString("think_provider"), firstNonEmpty(e.OptString("think_model"), e.Model)),
				deepgram.WithSpeakModel(e.OptString("speak_model")),
				deepgram.WithLogger(log.With("provider", e.Key())),
			}
			if v, ok := e.OptFloat("per_minute"); ok {
				opts = append(opts, deepgram.WithPerMinute(v))
			}
			if d, ok := e.OptDuration("keepalive_interval"); ok {
				opts = append(opts, deepgram.WithKeepaliveInterval(d))
			}
			after, _ := e.OptDuration("comfort_noise_after")
			check, _ := e.OptDuration("comfort_noise_check")
			opts = append(opts, deepgram.WithComfortNoise(after, check))
			if d, ok := e.OptDuration("handshake_timeout"); ok {
				opts = append(opts, deepgram.WithHandshakeTimeout(d))
			}
			return deepgram.New(e.APIKey, opts...), nil
		},
	})

	for _, name := range reg.Names() {
		log.Debug("registered provider", "name", name)
	}
}

func openAIPricing(e config.ProviderEntry) openai.Pricing {
	p := openai.DefaultPricing
	if v, ok := e.OptFloat("input_per_mtok"); ok {
		p.InputPerMTok = v
	}
	if v, ok := e.OptFloat("cached_input_per_mtok"); ok {
		p.CachedInputPerMTok = v
	}
	if v, ok := e.OptFloat("output_per_mtok"); ok {
		p.OutputPerMTok = v
	}
	if v, ok := e.OptFloat("audio_per_minute"); ok {
		p.AudioPerMinute = v
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
