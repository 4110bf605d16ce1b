// Package dashboard wires the stream, the transaction registry, the job list
// and the store into one engine.
package dashboard

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/go-go-golems/pupdash/pkg/bus"
	"github.com/go-go-golems/pupdash/pkg/channel"
	"github.com/go-go-golems/pupdash/pkg/jobs"
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/go-go-golems/pupdash/pkg/store"
	"github.com/go-go-golems/pupdash/pkg/txn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	BootstrapIgnore = "ignore"
	BootstrapApply  = "apply"
)

// Backend is the HTTP side of the pup server.
type Backend interface {
	FetchSnapshot(ctx context.Context) (protocol.Snapshot, error)
	FetchSources(ctx context.Context) (map[string]protocol.SourceListing, error)
	PostPupConfig(ctx context.Context, pupID string, cfg map[string]any) (protocol.TransactionResponse, error)
	PostPupAction(ctx context.Context, pupID, action string, body any) (protocol.TransactionResponse, error)
}

type Options struct {
	Backend   Backend
	StreamURL string
	Dialer    channel.Dialer
	Backoff   channel.Backoff
	// After overrides the reconnect timer, for tests.
	After func(d time.Duration) <-chan time.Time

	SweepInterval time.Duration
	// RequestTimeout expires transactions that registered a timeout callback.
	RequestTimeout time.Duration
	JobRetention   time.Duration
	Bootstrap      string
	// RefreshOnConnect fetches a snapshot every time the stream opens.
	RefreshOnConnect bool
	Now              func() time.Time
}

type Engine struct {
	Store    *store.Store
	Registry *txn.Registry
	Jobs     *jobs.Tracker
	Channel  *channel.Manager
	Bus      *bus.Bus

	backend          Backend
	bootstrap        string
	requestTimeout   time.Duration
	refreshOnConnect bool

	runMu  sync.Mutex
	runCtx context.Context
}

func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing backend")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	switch opts.Bootstrap {
	case "":
		opts.Bootstrap = BootstrapIgnore
	case BootstrapIgnore, BootstrapApply:
	default:
		return nil, errors.Errorf("unknown bootstrap policy %q", opts.Bootstrap)
	}

	b, err := bus.NewInMemoryBus()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Bus:              b,
		backend:          opts.Backend,
		bootstrap:        opts.Bootstrap,
		requestTimeout:   opts.RequestTimeout,
		refreshOnConnect: opts.RefreshOnConnect,
	}
	e.Store = store.New(store.Options{InFlight: e.inFlight, Now: opts.Now})
	e.Registry = txn.New(txn.Options{
		SweepInterval: opts.SweepInterval,
		Now:           opts.Now,
		OnChange:      e.Store.Recompute,
	})
	e.Jobs = jobs.New(jobs.Options{
		Retention: opts.JobRetention,
		Now:       opts.Now,
		OnChange:  e.Store.Recompute,
	})
	e.Channel = channel.NewManager(channel.Options{
		URL:     opts.StreamURL,
		Dialer:  opts.Dialer,
		Backoff: opts.Backoff,
		After:   opts.After,
	})

	e.Registry.SetEffect(txn.KindUpdatePup, e.applyResultState)
	e.Registry.SetEffect(txn.KindPupAction, e.applyResultState)
	if err := e.registerHandlers(); err != nil {
		return nil, err
	}
	e.Bus.OnJob("pupdash-jobs-prune", e.pruneJobs)
	e.Channel.Subscribe(channel.ObserverFunc(e.channelChanged))
	return e, nil
}

// inFlight merges pending transactions and active jobs. It runs under the
// store lock; the registry and the tracker never call into the store while
// holding their own locks.
func (e *Engine) inFlight(pupID string) []string {
	out := e.Registry.InFlight(pupID)
	return append(out, e.Jobs.InFlight(pupID)...)
}

// Refresh fetches the catalog and a snapshot and merges both.
func (e *Engine) Refresh(ctx context.Context) error {
	sources, err := e.backend.FetchSources(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch sources")
	}
	e.Store.MergeSources(sources)

	snap, err := e.backend.FetchSnapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch snapshot")
	}
	e.Store.MergeSnapshot(snap)
	return nil
}

// Run keeps the stream, the transaction sweep and the event bus going until
// ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	e.runMu.Lock()
	e.runCtx = egCtx
	e.runMu.Unlock()

	eg.Go(func() error {
		err := e.Bus.Run(egCtx)
		if stderrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		return e.Registry.Run(egCtx)
	})
	eg.Go(func() error {
		select {
		case <-e.Bus.Running():
		case <-egCtx.Done():
			return nil
		}
		if err := e.Channel.Connect(egCtx); err != nil {
			return errors.Wrap(err, "connect stream")
		}
		<-egCtx.Done()
		e.Channel.Disconnect()
		return nil
	})

	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "engine")
	}
	return nil
}

func (e *Engine) channelChanged(ev channel.Event) {
	if ev.Kind != "" || ev.State != channel.StateConnected || !e.refreshOnConnect {
		return
	}
	e.runMu.Lock()
	ctx := e.runCtx
	e.runMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("refresh after connect failed")
		}
	}()
}

// RequestPupChanges submits a config update and tracks its transaction.
// Failures to issue the request are reported through OnError before it
// returns false.
func (e *Engine) RequestPupChanges(ctx context.Context, pupID string, cfg map[string]any, cb txn.Callbacks) bool {
	res, err := e.backend.PostPupConfig(ctx, pupID, cfg)
	if err != nil {
		return e.issueFailed(pupID, "config", cb, err)
	}
	return e.track(res, cb, txn.KindUpdatePup, pupID, "")
}

func (e *Engine) RequestPupAction(ctx context.Context, pupID, action string, cb txn.Callbacks, body any) bool {
	res, err := e.backend.PostPupAction(ctx, pupID, action, body)
	if err != nil {
		return e.issueFailed(pupID, action, cb, err)
	}
	return e.track(res, cb, txn.KindPupAction, pupID, action)
}

func (e *Engine) track(res protocol.TransactionResponse, cb txn.Callbacks, kind txn.Kind, pupID, action string) bool {
	opts := txn.RegisterOptions{Action: action, Timeout: e.requestTimeout}
	if err := e.Registry.Register(res.ID, cb, kind, pupID, opts); err != nil {
		return e.issueFailed(pupID, action, cb, err)
	}
	return true
}

func (e *Engine) issueFailed(pupID, action string, cb txn.Callbacks, err error) bool {
	log.Warn().Err(err).Str("pup", pupID).Str("action", action).Msg("request failed")
	if cb.OnError != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error().Interface("panic", p).Str("pup", pupID).Msg("error callback failed")
				}
			}()
			cb.OnError(&protocol.ActionResult{Error: err.Error()})
		}()
	}
	return false
}

// applyResultState forwards the pup state a transaction result carries.
func (e *Engine) applyResultState(tx txn.Transaction, res *protocol.ActionResult) error {
	if len(res.Update) == 0 || string(res.Update) == "null" {
		return nil
	}
	st, err := protocol.DecodePupState(res.Update)
	if err != nil {
		return errors.Wrapf(err, "transaction %s", tx.ID)
	}
	if err := e.Store.UpdatePupModel(st, res.TS); err != nil && !stderrors.Is(err, store.ErrStale) {
		return err
	}
	return nil
}
