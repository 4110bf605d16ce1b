package status

import (
	"testing"

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/stretchr/testify/require"
)

func TestInstallation(t *testing.T) {
	require.Equal(t, Label{ID: "not_installed", Label: "not installed"}, Installation(""))
	require.Equal(t, Label{ID: "ready", Label: "ready"}, Installation("ready"))
	require.Equal(t, Label{ID: "purging", Label: "purging"}, Installation("purging"))
	require.Equal(t, "unknown", Installation("melting").ID)
}

func TestRuntime_InstallingWinsOverStats(t *testing.T) {
	for _, st := range []protocol.RuntimeStatus{"", protocol.RuntimeRunning, protocol.RuntimeStopped, protocol.RuntimeStarting} {
		got := Runtime(Input{Installation: Installing, Stats: st, NeedsDeps: true, InFlight: []string{ActionEnable}})
		require.Equal(t, Installing, got.ID, "stats=%q", st)
	}
}

func TestRuntime_Precedence(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want string
	}{
		{"uninstalled mirrors phase", Input{Installation: Uninstalled, Stats: protocol.RuntimeRunning}, Uninstalled},
		{"needs deps before config", Input{Installation: Ready, NeedsDeps: true, NeedsConf: true}, NeedsDeps},
		{"needs config", Input{Installation: Ready, NeedsConf: true, Stats: protocol.RuntimeRunning}, NeedsConfig},
		{"rollback in flight", Input{Installation: Ready, InFlight: []string{ActionRollback}, Stats: protocol.RuntimeRunning}, Rollback},
		{"disable holds stopping", Input{Installation: Ready, InFlight: []string{ActionDisable}, Stats: protocol.RuntimeStopped}, Stopping},
		{"disable while still running", Input{Installation: Ready, InFlight: []string{ActionDisable}, Stats: protocol.RuntimeRunning}, Running},
		{"enable from stopped", Input{Installation: Ready, InFlight: []string{ActionEnable}, Stats: protocol.RuntimeStopped}, Starting},
		{"enable already running", Input{Installation: Ready, InFlight: []string{ActionEnable}, Stats: protocol.RuntimeRunning}, Running},
		{"mirror stats", Input{Installation: Ready, Stats: protocol.RuntimeStopping}, Stopping},
		{"broken still mirrors stats", Input{Installation: Broken, Stats: protocol.RuntimeStopped}, Stopped},
		{"fallback", Input{Installation: Ready}, Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Runtime(tc.in).ID)
		})
	}
}

func TestRuntime_EnableStarting(t *testing.T) {
	got := Runtime(Input{Installation: Ready, InFlight: []string{ActionEnable}, Stats: protocol.RuntimeStarting})
	require.Equal(t, Label{ID: "starting", Label: "starting"}, got)
}
