package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Event is what observers see: a connection change (Kind empty) or a
// dispatched message.
type Event struct {
	State State
	Kind  protocol.Kind
}

type Observer interface {
	ChannelChanged(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) ChannelChanged(ev Event) { f(ev) }

type HandlerFunc func(msg protocol.Message) error

type Options struct {
	URL     string
	Dialer  Dialer
	Backoff Backoff
	// After schedules the reconnect delay; defaults to time.After.
	After func(d time.Duration) <-chan time.Time
}

// Manager owns one logical stream connection and reconnects it until
// Disconnect is called.
type Manager struct {
	url    string
	dialer Dialer
	after  func(d time.Duration) <-chan time.Time

	mu        sync.Mutex
	backoff   Backoff
	state     State
	conn      Conn
	cancel    context.CancelFunc
	done      chan struct{}
	handlers  map[protocol.Kind]HandlerFunc
	observers map[uint64]Observer
	nextSub   uint64
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Manager{
		url:       opts.URL,
		dialer:    opts.Dialer,
		after:     opts.After,
		backoff:   opts.Backoff,
		handlers:  map[protocol.Kind]HandlerFunc{},
		observers: map[uint64]Observer{},
	}
}

// Handle binds a message kind to its handler. Each kind has exactly one.
func (m *Manager) Handle(kind protocol.Kind, h HandlerFunc) error {
	if kind == "" || h == nil {
		return errors.New("missing kind or handler")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[kind]; ok {
		return errors.Errorf("handler for %q already registered", kind)
	}
	m.handlers[kind] = h
	return nil
}

func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.observers[id] = o
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connect loop. It is a no-op while the loop runs.
func (m *Manager) Connect(ctx context.Context) error {
	if m.url == "" {
		return errors.New("missing stream url")
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateConnecting
	done := m.done
	m.mu.Unlock()

	go m.run(runCtx, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It waits for the
// loop to exit, so observers must not call it.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the connect loop has stopped or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		// skip when a later Connect started another loop
		if m.done == done {
			m.state = StateDisconnected
			m.conn = nil
			m.cancel = nil
		}
		m.mu.Unlock()
	}()

	for {
		conn, err := m.dialer.Dial(ctx, m.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d := m.nextDelay()
			log.Warn().Err(err).Str("url", m.url).Dur("retry_in", d).Msg("stream connect failed")
			if !m.sleep(ctx, done, d) {
				return
			}
			continue
		}

		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		m.opened(done, conn)
		stop := make(chan struct{})
		go func() {
			// ReadMessage does not watch ctx, closing the conn unblocks it
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stop:
			}
		}()
		err = m.readLoop(ctx, conn)
		close(stop)
		_ = conn.Close()
		m.setState(done, StateDisconnected, nil)
		m.notify(Event{State: StateDisconnected})
		if ctx.Err() != nil {
			return
		}

		d := m.nextDelay()
		log.Info().Err(err).Str("url", m.url).Dur("retry_in", d).Msg("stream closed")
		if !m.sleep(ctx, done, d) {
			return
		}
	}
}

func (m *Manager) opened(done chan struct{}, conn Conn) {
	m.mu.Lock()
	m.backoff.Reset()
	if m.done == done {
		m.conn = conn
		m.state = StateConnected
	}
	m.mu.Unlock()
	log.Info().Str("url", m.url).Msg("stream connected")
	m.notify(Event{State: StateConnected})
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.OnMessage(frame)
	}
}

func (m *Manager) sleep(ctx context.Context, done chan struct{}, d time.Duration) bool {
	m.setState(done, StateConnecting, nil)
	select {
	case <-ctx.Done():
		return false
	case <-m.after(d):
		return true
	}
}

func (m *Manager) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Next()
}

// setState applies only while done belongs to the current loop.
func (m *Manager) setState(done chan struct{}, s State, conn Conn) {
	m.mu.Lock()
	if m.done == done {
		m.state = s
		m.conn = conn
	}
	m.mu.Unlock()
}

// OnMessage processes one inbound frame: parse, dispatch to the handler of
// its kind, then run one observer pass. Frames that fail anywhere along the
// way are logged and dropped.
func (m *Manager) OnMessage(frame []byte) {
	msg, err := protocol.ParseMessage(frame)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping malformed frame")
		return
	}

	m.mu.Lock()
	h := m.handlers[msg.Type]
	st := m.state
	m.mu.Unlock()
	if h == nil {
		log.Warn().Str("kind", string(msg.Type)).Msg("dropping message of unknown kind")
		return
	}

	if err := dispatch(h, msg); err != nil {
		log.Warn().Err(err).Str("kind", string(msg.Type)).Str("id", msg.ID).Msg("message handler failed")
		return
	}
	m.notify(Event{State: st, Kind: msg.Type})
}

func dispatch(h HandlerFunc, msg protocol.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("handler panic: %v", p)
		}
	}()
	return h(msg)
}

func (m *Manager) notify(ev Event) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, m.observers[id])
	}
	m.mu.Unlock()

	for _, o := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error().Interface("panic", p).Str("kind", string(ev.Kind)).Msg("channel observer failed")
				}
			}()
			o.ChannelChanged(ev)
		}()
	}
}
