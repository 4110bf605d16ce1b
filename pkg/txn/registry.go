package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindUpdatePup Kind = "UPDATE-PUP"
	KindPupAction Kind = "PUP-ACTION"
)

var ErrInvalidTransaction = errors.New("invalid transaction")

type Callbacks struct {
	OnSuccess func(*protocol.ActionResult)
	OnError   func(*protocol.ActionResult)
	// OnTimeout is optional. Without it the transaction never expires.
	OnTimeout func()
}

type RegisterOptions struct {
	Action  string
	Timeout time.Duration
}

type Transaction struct {
	ID        string
	Kind      Kind
	PupID     string
	Action    string
	IssuedAt  time.Time
	ExpiresAt time.Time

	callbacks Callbacks
	claimed   bool
}

// Effect runs the kind specific side effect of a successful resolution,
// before the success callback.
type Effect func(tx Transaction, res *protocol.ActionResult) error

type Options struct {
	SweepInterval time.Duration
	Now           func() time.Time
	// OnChange is told about pups whose set of pending transactions changed.
	OnChange func(pupID string)
}

type Registry struct {
	mu      sync.Mutex
	pending map[string]*Transaction
	effects map[Kind]Effect

	sweepInterval time.Duration
	now           func() time.Time
	onChange      func(pupID string)
}

func New(opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 1 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		pending:       map[string]*Transaction{},
		effects:       map[Kind]Effect{},
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		onChange:      opts.OnChange,
	}
}

func (r *Registry) SetEffect(kind Kind, effect Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects[kind] = effect
}

func (r *Registry) Register(id string, cb Callbacks, kind Kind, pupID string, opts RegisterOptions) error {
	var reason string
	switch {
	case id == "":
		reason = "missing transaction id"
	case kind != KindUpdatePup && kind != KindPupAction:
		reason = "unknown kind " + string(kind)
	case pupID == "":
		reason = "missing pup id"
	case cb.OnSuccess == nil || cb.OnError == nil:
		reason = "missing success or error callback"
	}
	if reason != "" {
		log.Warn().Str("txn", id).Str("kind", string(kind)).Str("pup", pupID).Msg("rejecting transaction: " + reason)
		return errors.Wrap(ErrInvalidTransaction, reason)
	}

	now := r.now()
	tx := &Transaction{
		ID:        id,
		Kind:      kind,
		PupID:     pupID,
		Action:    opts.Action,
		IssuedAt:  now,
		callbacks: cb,
	}
	if opts.Timeout > 0 && cb.OnTimeout != nil {
		tx.ExpiresAt = now.Add(opts.Timeout)
	}

	r.mu.Lock()
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		log.Warn().Str("txn", id).Msg("rejecting duplicate transaction")
		return errors.Wrapf(ErrInvalidTransaction, "duplicate id %s", id)
	}
	r.pending[id] = tx
	r.mu.Unlock()

	log.Debug().Str("txn", id).Str("kind", string(kind)).Str("pup", pupID).Str("action", opts.Action).Msg("transaction registered")
	r.changed(pupID)
	return nil
}

// Resolve settles a transaction with the payload delivered by the stream.
// Only the first resolution of an id has any effect.
func (r *Registry) Resolve(id string, res *protocol.ActionResult) {
	r.mu.Lock()
	tx, ok := r.pending[id]
	if !ok || tx.claimed {
		r.mu.Unlock()
		log.Debug().Str("txn", id).Msg("no pending transaction for resolution")
		return
	}
	tx.claimed = true
	effect := r.effects[tx.Kind]
	r.mu.Unlock()

	if res.Failed() {
		r.remove(id)
		safeCall(id, "error", func() { tx.callbacks.OnError(res) })
		r.changed(tx.PupID)
		return
	}

	if effect != nil {
		if err := effect(*tx, res); err != nil {
			log.Warn().Err(err).Str("txn", id).Str("kind", string(tx.Kind)).Msg("transaction side effect failed")
		}
	}
	r.remove(id)
	safeCall(id, "success", func() { tx.callbacks.OnSuccess(res) })
	r.changed(tx.PupID)
}

// Sweep expires every transaction whose deadline is before now.
func (r *Registry) Sweep(now time.Time) int {
	var expired []*Transaction
	r.mu.Lock()
	for id, tx := range r.pending {
		if tx.claimed || tx.ExpiresAt.IsZero() || tx.callbacks.OnTimeout == nil {
			continue
		}
		if tx.ExpiresAt.Before(now) {
			delete(r.pending, id)
			expired = append(expired, tx)
		}
	}
	r.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].IssuedAt.Before(expired[j].IssuedAt) })
	for _, tx := range expired {
		log.Info().Str("txn", tx.ID).Str("pup", tx.PupID).Msg("transaction timed out")
		cb := tx.callbacks.OnTimeout
		safeCall(tx.ID, "timeout", cb)
		r.changed(tx.PupID)
	}
	return len(expired)
}

func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep(r.now())
		}
	}
}

// InFlight returns the action names of pending transactions for a pup.
// Config updates are reported under their kind.
func (r *Registry) InFlight(pupID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, tx := range r.pending {
		if tx.PupID != pupID {
			continue
		}
		if tx.Action != "" {
			out = append(out, tx.Action)
		} else {
			out = append(out, string(tx.Kind))
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Pending(id string) (Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.pending[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Registry) changed(pupID string) {
	if r.onChange == nil {
		return
	}
	safeCall(pupID, "change", func() { r.onChange(pupID) })
}

func safeCall(id, which string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("txn", id).Str("callback", which).Interface("panic", p).Msg("transaction callback failed")
		}
	}()
	fn()
}
