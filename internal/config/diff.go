package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level and agent
// definitions can be applied to a running server; every other change lands in
// RestartNeeded.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel
	AgentsChanged   bool
	AgentChanges    []AgentDiff // per-agent diffs
	RestartNeeded   []string    // section names whose changes require a restart
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID      string
	Added   bool
	Removed bool
	Updated bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AgentsChanged || len(d.RestartNeeded) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build agent lookup maps keyed by ID.
	oldAgents := make(map[string]int, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = i
	}
	newAgents := make(map[string]int, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = i
	}

	// Detect updated and removed agents.
	for id, oi := range oldAgents {
		ni, exists := newAgents[id]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			d.AgentsChanged = true
			continue
		}
		if !reflect.DeepEqual(old.Agents[oi], new.Agents[ni]) {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Updated: true})
			d.AgentsChanged = true
		}
	}

	// Detect added agents.
	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
			d.AgentsChanged = true
		}
	}

	// Everything below cannot be applied to a running server.
	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	if !reflect.DeepEqual(oldSrv, newSrv) {
		d.RestartNeeded = append(d.RestartNeeded, "server")
	}
	if !reflect.DeepEqual(old.Gateway, new.Gateway) {
		d.RestartNeeded = append(d.RestartNeeded, "gateway")
	}
	if !reflect.DeepEqual(old.Session, new.Session) {
		d.RestartNeeded = append(d.RestartNeeded, "session")
	}
	if !reflect.DeepEqual(old.Resilience, new.Resilience) {
		d.RestartNeeded = append(d.RestartNeeded, "resilience")
	}
	if !reflect.DeepEqual(old.RateLimit, new.RateLimit) {
		d.RestartNeeded = append(d.RestartNeeded, "rate_limit")
	}
	if !reflect.DeepEqual(old.Cache, new.Cache) {
		d.RestartNeeded = append(d.RestartNeeded, "cache")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartNeeded = append(d.RestartNeeded, "providers")
	}
	if !reflect.DeepEqual(old.Telephony, new.Telephony) {
		d.RestartNeeded = append(d.RestartNeeded, "telephony")
	}
	if !reflect.DeepEqual(old.Store, new.Store) {
		d.RestartNeeded = append(d.RestartNeeded, "store")
	}

	return d
}
