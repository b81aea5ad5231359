package config

import (
	"maps"
	"reflect"
	"slices"
)

// Diff describes what changed between two configs. Only settings the
// running bridge can pick up without a restart are tracked: agent profiles,
// provider entries, the profit margin and the log level. Calls already in
// progress keep the settings they started with.
type Diff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	ProvidersChanged []string

	MarginChanged bool
	NewMargin     float64

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d Diff) Empty() bool {
	return len(d.AgentsAdded) == 0 && len(d.AgentsRemoved) == 0 && len(d.AgentsChanged) == 0 &&
		len(d.ProvidersChanged) == 0 && !d.MarginChanged && !d.LogLevelChanged
}

// Compare returns the differences between old and new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Bridge.ProfitMargin != new.Bridge.ProfitMargin {
		d.MarginChanged = true
		d.NewMargin = new.Bridge.ProfitMargin
	}

	oldAgents := make(map[string]AgentConfig, len(old.Agents))
	for _, a := range old.Agents {
		oldAgents[a.ID] = a
	}
	newAgents := make(map[string]AgentConfig, len(new.Agents))
	for _, a := range new.Agents {
		newAgents[a.ID] = a
	}
	for id, oa := range oldAgents {
		na, ok := newAgents[id]
		switch {
		case !ok:
			d.AgentsRemoved = append(d.AgentsRemoved, id)
		case !reflect.DeepEqual(oa, na):
			d.AgentsChanged = append(d.AgentsChanged, id)
		}
	}
	for id := range newAgents {
		if _, ok := oldAgents[id]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, id)
		}
	}

	oldProviders := make(map[string]ProviderEntry, len(old.Providers))
	for _, p := range old.Providers {
		oldProviders[p.Key()] = p
	}
	newProviders := make(map[string]ProviderEntry, len(new.Providers))
	for _, p := range new.Providers {
		newProviders[p.Key()] = p
	}
	for _, key := range slices.Sorted(maps.Keys(union(oldProviders, newProviders))) {
		op, inOld := oldProviders[key]
		np, inNew := newProviders[key]
		if inOld != inNew || !reflect.DeepEqual(op, np) {
			d.ProvidersChanged = append(d.ProvidersChanged, key)
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TraceSampleRatio, new.Server.TraceSampleRatio) {
		d.RestartRequired = append(d.RestartRequired, "server.trace_sample_ratio")
	}
	if old.RTP != new.RTP {
		d.RestartRequired = append(d.RestartRequired, "rtp")
	}
	if !reflect.DeepEqual(old.Functions, new.Functions) {
		d.RestartRequired = append(d.RestartRequired, "functions")
	}
	if !reflect.DeepEqual(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}

	slices.Sort(d.AgentsAdded)
	slices.Sort(d.AgentsRemoved)
	slices.Sort(d.AgentsChanged)
	return d
}

func union[V any](a, b map[string]V) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
