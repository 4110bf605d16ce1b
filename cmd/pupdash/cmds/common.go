package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-go-golems/pupdash/pkg/api"
	"github.com/go-go-golems/pupdash/pkg/channel"
	"github.com/go-go-golems/pupdash/pkg/config"
	"github.com/go-go-golems/pupdash/pkg/dashboard"
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/go-go-golems/pupdash/pkg/txn"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	File       config.File
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("config", "", "Path to config file (defaults to .pupdash.yaml in the current directory)")
	root.PersistentFlags().String("server", "", "Backend base URL (overrides the config file)")
	root.PersistentFlags().String("stream", "", "State stream URL (defaults to <server>/ws/state/)")
	root.PersistentFlags().String("token", "", "API token (overrides the config file)")
	root.PersistentFlags().Duration("timeout", 0, "How long to wait for a transaction to resolve (overrides the config file)")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	flags := cmd.Root().PersistentFlags()

	cfgPath, err := flags.GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
		cfgPath = config.DefaultPath(cwd)
	}
	f, err := config.LoadOptional(cfgPath)
	if err != nil {
		return rootOptions{}, err
	}
	file := *f

	if flags.Changed("server") {
		if file.Server, err = flags.GetString("server"); err != nil {
			return rootOptions{}, err
		}
	}
	if flags.Changed("stream") {
		if file.Stream, err = flags.GetString("stream"); err != nil {
			return rootOptions{}, err
		}
	}
	if flags.Changed("token") {
		if file.Token, err = flags.GetString("token"); err != nil {
			return rootOptions{}, err
		}
	}
	if flags.Changed("timeout") {
		if file.Transactions.Timeout, err = flags.GetDuration("timeout"); err != nil {
			return rootOptions{}, err
		}
	}

	file = file.WithDefaults()
	if err := file.Validate(); err != nil {
		return rootOptions{}, err
	}
	return rootOptions{ConfigPath: cfgPath, File: file}, nil
}

func newEngine(opts rootOptions, refreshOnConnect bool) (*dashboard.Engine, error) {
	f := opts.File
	client := api.NewClient(f.Server, api.WithToken(f.Token))

	streamURL := f.Stream
	if streamURL == "" {
		u, err := client.StreamURL()
		if err != nil {
			return nil, err
		}
		streamURL = u
	}

	return dashboard.New(dashboard.Options{
		Backend:   client,
		StreamURL: streamURL,
		Dialer:    channel.WebsocketDialer{Header: channel.BearerHeader(f.Token)},
		Backoff: channel.Backoff{
			Floor:   f.Reconnect.Floor,
			Factor:  f.Reconnect.Factor,
			Ceiling: f.Reconnect.Ceiling,
		},
		SweepInterval:    f.Transactions.SweepInterval,
		RequestTimeout:   f.Transactions.Timeout,
		JobRetention:     f.Jobs.Retention,
		Bootstrap:        f.Bootstrap,
		RefreshOnConnect: refreshOnConnect,
	})
}

type outcome struct {
	ID       string          `json:"transaction,omitempty"`
	Pup      string          `json:"pup"`
	Action   string          `json:"action"`
	Ok       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	TimedOut bool            `json:"timed_out,omitempty"`
	Elapsed  string          `json:"elapsed"`
	Update   json.RawMessage `json:"update,omitempty"`
}

// awaitTransaction issues a request through issue and blocks until the stream
// resolves it, the transaction times out or ctx ends.
func awaitTransaction(ctx context.Context, e *dashboard.Engine, pupID, action string, issue func(cb txn.Callbacks) bool) (outcome, error) {
	started := time.Now()
	out := outcome{Pup: pupID, Action: action}
	done := make(chan struct{}, 1)
	finish := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	cb := txn.Callbacks{
		OnSuccess: func(res *protocol.ActionResult) {
			out.Ok = true
			out.ID = res.ID
			out.Update = res.Update
			finish()
		},
		OnError: func(res *protocol.ActionResult) {
			if res != nil {
				out.ID = res.ID
				out.Error = res.Error
			} else {
				out.Error = "empty result"
			}
			finish()
		},
		OnTimeout: func() {
			out.TimedOut = true
			out.Error = "timed out waiting for the transaction"
			finish()
		},
	}

	if !issue(cb) {
		out.Elapsed = time.Since(started).Round(time.Millisecond).String()
		return out, errors.Errorf("request not issued: %s", out.Error)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return out, ctx.Err()
	}
	out.Elapsed = time.Since(started).Round(time.Millisecond).String()
	if !out.Ok {
		return out, errors.New(out.Error)
	}
	return out, nil
}

// startEngine runs e in the background and waits until the stream is open so
// no resolution is missed. The returned stop function cancels and waits.
func startEngine(ctx context.Context, e *dashboard.Engine) (stop func() error, err error) {
	connected := make(chan struct{})
	var once sync.Once
	unsubscribe := e.Channel.Subscribe(channel.ObserverFunc(func(ev channel.Event) {
		if ev.Kind == "" && ev.State == channel.StateConnected {
			once.Do(func() { close(connected) })
		}
	}))
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()
	stop = func() error {
		cancel()
		return <-done
	}

	select {
	case <-connected:
		return stop, nil
	case err := <-done:
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, errors.Wrap(err, "stream")
	case <-ctx.Done():
		_ = stop()
		return nil, ctx.Err()
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal output")
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
