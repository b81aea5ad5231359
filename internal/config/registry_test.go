package config_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider"
	"github.com/MrWong99/voxbridge/pkg/provider/mock"
)

func newTestRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.Register("strict", config.ProviderSpec{
		Required: []string{config.FieldAPIKey, config.FieldModel, config.FieldBaseURL, "options.region"},
		New: func(e config.ProviderEntry) (provider.Adapter, error) {
			m := mock.New(provider.Capabilities{Input: audio.Telephony, Output: audio.Telephony})
			m.ProviderName = e.Name
			return m, nil
		},
	})
	reg.Register("broken", config.ProviderSpec{
		New: func(config.ProviderEntry) (provider.Adapter, error) {
			return nil, errors.New("boom")
		},
	})
	return reg
}

func TestRegistry_CheckListsEveryMissingField(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	v := reg.Check(config.ProviderEntry{Name: "strict"})
	if v == nil {
		t.Fatal("expected validation error")
	}
	want := []string{"api_key", "model", "base_url", "options.region"}
	if !slices.Equal(v.Missing, want) {
		t.Errorf("missing = %v, want %v", v.Missing, want)
	}

	v = reg.Check(config.ProviderEntry{Name: "strict", APIKey: "k", Options: map[string]any{"region": ""}})
	if want := []string{"model", "base_url", "options.region"}; v == nil || !slices.Equal(v.Missing, want) {
		t.Errorf("missing = %v, want %v", v, want)
	}
}

func TestRegistry_CreateFailsFastBeforeConstructing(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	_, err := reg.Create(config.ProviderEntry{Name: "strict", APIKey: "k"})
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *config.ValidationError, got %v", err)
	}
	if len(verr.Missing) != 3 {
		t.Errorf("missing = %v", verr.Missing)
	}

	a, err := reg.Create(config.ProviderEntry{
		Name: "strict", APIKey: "k", Model: "m", BaseURL: "wss://x",
		Options: map[string]any{"region": "eu"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Name() != "strict" {
		t.Errorf("adapter name = %q", a.Name())
	}

	if _, err := reg.Create(config.ProviderEntry{Name: "broken"}); err == nil {
		t.Error("expected constructor error to propagate")
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()
	err := reg.Validate(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
	if got := reg.Names(); !slices.Equal(got, []string{"broken", "strict"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestCheckAgent(t *testing.T) {
	t.Parallel()
	if v := config.CheckAgent(config.AgentConfig{ID: "ok", VADThreshold: 0.5}); v != nil {
		t.Errorf("unexpected problems: %v", v)
	}
	v := config.CheckAgent(config.AgentConfig{
		ID:           "bad",
		VADThreshold: -0.1,
		Functions: []config.FunctionConfig{
			{Name: "f", Mode: "eventually"},
			{Name: "f"},
			{},
		},
	})
	if v == nil || len(v.Invalid) != 4 {
		t.Fatalf("expected 4 problems, got %v", v)
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()
	if config.Merge("call", nil, nil) != nil {
		t.Error("merging nothing should yield nil")
	}
	m := config.Merge("call",
		&config.ValidationError{Missing: []string{"api_key"}},
		nil,
		&config.ValidationError{Invalid: []string{"vad_threshold"}, Err: config.ErrProviderNotRegistered},
	)
	if m == nil || len(m.Missing) != 1 || len(m.Invalid) != 1 {
		t.Fatalf("merged = %+v", m)
	}
	if !errors.Is(m, config.ErrProviderNotRegistered) {
		t.Error("merged error should keep the sentinel")
	}
	if got, want := m.Error(), "config: invalid call: missing api_key; vad_threshold"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestProviderEntry_Options(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"s":    "x",
		"f":    0.5,
		"i":    3,
		"b":    true,
		"dur":  "250ms",
		"durn": 1500,
	}}
	if e.OptString("s") != "x" || e.OptString("f") != "" {
		t.Error("OptString")
	}
	if v, ok := e.OptFloat("i"); !ok || v != 3 {
		t.Errorf("OptFloat(i) = %v, %v", v, ok)
	}
	if !e.OptBool("b") || e.OptBool("s") {
		t.Error("OptBool")
	}
	if d, ok := e.OptDuration("dur"); !ok || d != 250*time.Millisecond {
		t.Errorf("OptDuration(dur) = %v", d)
	}
	if d, ok := e.OptDuration("durn"); !ok || d != 1500*time.Millisecond {
		t.Errorf("OptDuration(durn) = %v", d)
	}
	if e.Key() != "" {
		t.Errorf("Key() of unnamed entry = %q", e.Key())
	}
}
