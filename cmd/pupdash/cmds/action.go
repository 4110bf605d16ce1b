package cmds

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/pupdash/pkg/dashboard"
	"github.com/go-go-golems/pupdash/pkg/patch"
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/go-go-golems/pupdash/pkg/store"
	"github.com/go-go-golems/pupdash/pkg/txn"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newActionCmd() *cobra.Command {
	var bodyJSON string

	cmd := &cobra.Command{
		Use:   "action <pup-id> <action>",
		Short: "Issue a pup action (enable, disable, ...) and wait for it to resolve",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pupID, action := args[0], args[1]
			var body any
			if bodyJSON != "" {
				var m map[string]any
				if err := json.Unmarshal([]byte(bodyJSON), &m); err != nil {
					return errors.Wrap(err, "parse --body")
				}
				body = m
			}
			return runTransaction(cmd, pupID, action, func(ctx context.Context, e *dashboard.Engine, cb txn.Callbacks) bool {
				return e.RequestPupAction(ctx, pupID, action, cb, body)
			})
		},
	}

	cmd.Flags().StringVar(&bodyJSON, "body", "", "JSON object sent with the action")
	return cmd
}

func newConfigureCmd() *cobra.Command {
	var set map[string]string
	var unset []string
	var cfgJSON string

	cmd := &cobra.Command{
		Use:   "configure <pup-id>",
		Short: "Submit pup configuration and wait for it to apply",
		Long: "Starts from the pup's current configuration, applies --json, --unset and --set " +
			"(dotted keys reach into nested objects), converts values to the types the manifest " +
			"declares and submits the result.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pupID := args[0]
			p := patch.Patch{Set: map[string]any{}, Unset: unset}
			if cfgJSON != "" {
				var fromJSON map[string]any
				if err := json.Unmarshal([]byte(cfgJSON), &fromJSON); err != nil {
					return errors.Wrap(err, "parse --json")
				}
				for k, v := range fromJSON {
					p.Set[k] = v
				}
			}
			for k, v := range set {
				p.Set[k] = v
			}
			if len(p.Set) == 0 && len(p.Unset) == 0 {
				return errors.New("nothing to configure (use --set, --unset or --json)")
			}

			return runTransaction(cmd, pupID, "config", func(ctx context.Context, e *dashboard.Engine, cb txn.Callbacks) bool {
				cfg, err := pupConfig(e, pupID, p)
				if err != nil {
					cb.OnError(&protocol.ActionResult{Error: err.Error()})
					return false
				}
				return e.RequestPupChanges(ctx, pupID, cfg, cb)
			})
		},
	}

	cmd.Flags().StringToStringVar(&set, "set", nil, "Config values as key=value")
	cmd.Flags().StringSliceVar(&unset, "unset", nil, "Config keys to remove")
	cmd.Flags().StringVar(&cfgJSON, "json", "", "Config values as a JSON object")
	return cmd
}

// pupConfig builds the full configuration to submit for a pup.
func pupConfig(e *dashboard.Engine, pupID string, p patch.Patch) (map[string]any, error) {
	pup, ok := e.Store.Pup(store.ByID(pupID))
	if !ok || pup.State == nil {
		return nil, errors.Errorf("pup %s is not installed", pupID)
	}
	cfg, err := patch.Apply(pup.State.Config, p)
	if err != nil {
		return nil, err
	}
	cfg, err = patch.Coerce(pup.State.Manifest.Config, cfg)
	if err != nil {
		return nil, err
	}
	if missing := patch.Missing(pup.State.Manifest.Config, cfg); len(missing) > 0 {
		return nil, errors.Errorf("required config fields missing: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func runTransaction(cmd *cobra.Command, pupID, action string, issue func(ctx context.Context, e *dashboard.Engine, cb txn.Callbacks) bool) error {
	opts, err := getRootOptions(cmd)
	if err != nil {
		return err
	}
	e, err := newEngine(opts, false)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if t := opts.File.Transactions.Timeout; t > 0 {
		var cancel context.CancelFunc
		// the registry timeout fires first; this only bounds connecting
		ctx, cancel = context.WithTimeout(ctx, t+opts.File.Transactions.SweepInterval*2)
		defer cancel()
	}

	stop, err := startEngine(ctx, e)
	if err != nil {
		return err
	}
	defer func() { _ = stop() }()

	if err := e.Refresh(ctx); err != nil {
		return err
	}
	if _, ok := e.Store.Pup(store.ByID(pupID)); !ok {
		return errors.Errorf("pup %s is not installed", pupID)
	}

	out, txErr := awaitTransaction(ctx, e, pupID, action, func(cb txn.Callbacks) bool {
		return issue(ctx, e, cb)
	})
	if err := writeJSON(cmd, out); err != nil {
		return err
	}
	if txErr != nil {
		return txErr
	}
	if p, ok := e.Store.Pup(store.ByID(pupID)); ok {
		return writeJSON(cmd, rowFor(p))
	}
	return nil
}
