package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider"
)

// ErrProviderNotRegistered is returned when no factory has been registered
// under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Required field names understood by [ProviderSpec.Required]. Provider
// options are named "options.<key>".
const (
	FieldAPIKey  = "api_key"
	FieldModel   = "model"
	FieldBaseURL = "base_url"
)

// ProviderSpec describes how to build one provider implementation.
type ProviderSpec struct {
	// Required lists the entry fields that must be non-empty.
	Required []string

	// New constructs an unconnected adapter from a validated entry.
	New func(ProviderEntry) (provider.Adapter, error)
}

// ValidationError reports every problem found with one configuration
// subject at once, so operators can fix them in a single pass.
type ValidationError struct {
	// Subject names what was validated, e.g. `provider "openai"`.
	Subject string

	// Missing lists required fields that were empty.
	Missing []string

	// Invalid lists other problems.
	Invalid []string

	// Err is an optional sentinel (e.g. [ErrProviderNotRegistered]).
	Err error
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.Invalid...)
	return fmt.Sprintf("config: invalid %s: %s", e.Subject, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0 && e.Err == nil
}

// Merge combines the problems of several validation results under subject.
// Nil inputs are skipped; the result is nil when nothing was reported.
func Merge(subject string, errs ...*ValidationError) *ValidationError {
	out := &ValidationError{Subject: subject}
	for _, e := range errs {
		if e == nil {
			continue
		}
		out.Missing = append(out.Missing, e.Missing...)
		out.Invalid = append(out.Invalid, e.Invalid...)
		if out.Err == nil {
			out.Err = e.Err
		}
	}
	if out.empty() {
		return nil
	}
	return out
}

// CheckAgent validates the call-level settings of an agent profile. It
// returns nil when a is usable.
func CheckAgent(a AgentConfig) *ValidationError {
	v := &ValidationError{Subject: fmt.Sprintf("agent %q", a.ID)}
	if a.VADThreshold < 0 || a.VADThreshold > 1 {
		v.Invalid = append(v.Invalid, fmt.Sprintf("vad_threshold %.2f is out of range [0, 1]", a.VADThreshold))
	}
	if a.SilenceDurationMs < 0 {
		v.Invalid = append(v.Invalid, "silence_duration_ms must not be negative")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		v.Invalid = append(v.Invalid, fmt.Sprintf("temperature %.2f is out of range [0, 2]", a.Temperature))
	}
	seen := make(map[string]bool, len(a.Functions))
	for i, fn := range a.Functions {
		if fn.Name == "" {
			v.Invalid = append(v.Invalid, fmt.Sprintf("functions[%d].name is required", i))
			continue
		}
		if seen[fn.Name] {
			v.Invalid = append(v.Invalid, fmt.Sprintf("function %q is declared twice", fn.Name))
		}
		seen[fn.Name] = true
		if !fn.Mode.IsValid() {
			v.Invalid = append(v.Invalid, fmt.Sprintf("function %q mode %q is invalid; valid values: sync, async", fn.Name, fn.Mode))
		}
	}
	if v.empty() {
		return nil
	}
	return v
}

// Registry maps provider names to their specs. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]ProviderSpec
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]ProviderSpec)}
}

// Register adds a provider under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, spec ProviderSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[name] = spec
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Check reports every problem with entry: an unregistered name or each
// required field that is empty. It returns nil when entry can be built.
func (r *Registry) Check(entry ProviderEntry) *ValidationError {
	r.mu.RLock()
	spec, ok := r.specs[entry.Name]
	r.mu.RUnlock()

	v := &ValidationError{Subject: fmt.Sprintf("provider %q", entry.Key())}
	if !ok {
		v.Invalid = append(v.Invalid, fmt.Sprintf("unknown provider name %q (registered: %s)", entry.Name, strings.Join(r.Names(), ", ")))
		v.Err = ErrProviderNotRegistered
		return v
	}
	for _, field := range spec.Required {
		if !entry.has(field) {
			v.Missing = append(v.Missing, field)
		}
	}
	if v.empty() {
		return nil
	}
	return v
}

// Validate is [Registry.Check] returning a plain error.
func (r *Registry) Validate(entry ProviderEntry) error {
	if v := r.Check(entry); v != nil {
		return v
	}
	return nil
}

// Create validates entry and instantiates the provider registered under
// entry.Name.
func (r *Registry) Create(entry ProviderEntry) (provider.Adapter, error) {
	if v := r.Check(entry); v != nil {
		return nil, v
	}
	r.mu.RLock()
	spec := r.specs[entry.Name]
	r.mu.RUnlock()
	a, err := spec.New(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", entry.Key(), err)
	}
	return a, nil
}

func (e ProviderEntry) has(field string) bool {
	switch field {
	case FieldAPIKey:
		return e.APIKey != ""
	case FieldModel:
		return e.Model != ""
	case FieldBaseURL:
		return e.BaseURL != ""
	}
	if key, ok := strings.CutPrefix(field, "options."); ok {
		v, ok := e.Options[key]
		if !ok || v == nil {
			return false
		}
		if s, isStr := v.(string); isStr {
			return s != ""
		}
		return true
	}
	return false
}

// ── Option helpers ────────────────────────────────────────────────────────────

// OptString extracts a string option. Returns "" if the key is absent or the
// value is not a string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptFloat extracts a numeric option. YAML integers are accepted.
func (e ProviderEntry) OptFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// OptBool extracts a boolean option.
func (e ProviderEntry) OptBool(key string) bool {
	b, _ := e.Options[key].(bool)
	return b
}

// OptDuration extracts a duration option written as a Go duration string
// ("5s") or a number of milliseconds.
func (e ProviderEntry) OptDuration(key string) (time.Duration, bool) {
	if s := e.OptString(key); s != "" {
		d, err := time.ParseDuration(s)
		return d, err == nil
	}
	if ms, ok := e.OptFloat(key); ok {
		return time.Duration(ms * float64(time.Millisecond)), true
	}
	return 0, false
}
