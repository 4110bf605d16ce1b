// Package status derives the user facing installation phase and runtime
// status of a pup from the independent signals the backend reports.
package status

import (
	"strings"

	"github.com/go-go-golems/pupdash/pkg/protocol"
)

type Label struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func labelFor(id string) Label {
	return Label{ID: id, Label: strings.ReplaceAll(id, "_", " ")}
}

const (
	Installing   = "installing"
	Upgrading    = "upgrading"
	Ready        = "ready"
	Unready      = "unready"
	Broken       = "broken"
	Uninstalling = "uninstalling"
	Uninstalled  = "uninstalled"
	Purging      = "purging"
	NotInstalled = "not_installed"

	NeedsDeps   = "needs_deps"
	NeedsConfig = "needs_config"
	Rollback    = "rollback"
	Starting    = "starting"
	Running     = "running"
	Stopping    = "stopping"
	Stopped     = "stopped"
	Unknown     = "unknown"
)

// Action names that count as in-flight signals.
const (
	ActionEnable   = "enable"
	ActionDisable  = "disable"
	ActionRollback = "rollback"
)

var installationPhases = map[string]struct{}{
	Installing:   {},
	Upgrading:    {},
	Ready:        {},
	Unready:      {},
	Broken:       {},
	Uninstalling: {},
	Uninstalled:  {},
	Purging:      {},
}

// Installation maps an installation lifecycle value to its label. An empty
// value means there is no installation data at all.
func Installation(phase string) Label {
	if phase == "" {
		return labelFor(NotInstalled)
	}
	if _, ok := installationPhases[phase]; ok {
		return labelFor(phase)
	}
	return labelFor(Unknown)
}

// Input holds every signal the runtime status depends on.
type Input struct {
	Installation string
	NeedsDeps    bool
	NeedsConf    bool
	// InFlight lists action names of pending transactions and active jobs.
	InFlight []string
	Stats    protocol.RuntimeStatus
}

func (in Input) inFlight(action string) bool {
	for _, a := range in.InFlight {
		if a == action {
			return true
		}
	}
	return false
}

// Runtime evaluates the precedence rules top to bottom; the first match wins.
// Installation phases update at a different rate from stats, so transitional
// phases and in-flight actions take priority over the reported status.
func Runtime(in Input) Label {
	switch in.Installation {
	case Installing, Upgrading, Purging, Uninstalling, Uninstalled:
		return labelFor(in.Installation)
	}
	if in.NeedsDeps {
		return labelFor(NeedsDeps)
	}
	if in.NeedsConf {
		return labelFor(NeedsConfig)
	}
	if in.inFlight(ActionRollback) {
		return labelFor(Rollback)
	}
	if in.inFlight(ActionDisable) && (in.Stats == protocol.RuntimeStopped || in.Stats == protocol.RuntimeStopping) {
		return labelFor(Stopping)
	}
	if in.inFlight(ActionEnable) && (in.Stats == protocol.RuntimeStopped || in.Stats == protocol.RuntimeStarting) {
		return labelFor(Starting)
	}
	switch in.Stats {
	case protocol.RuntimeStarting, protocol.RuntimeRunning, protocol.RuntimeStopping, protocol.RuntimeStopped:
		return labelFor(string(in.Stats))
	}
	return labelFor(Unknown)
}
