package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/pupdash/pkg/bus"
	"github.com/go-go-golems/pupdash/pkg/channel"
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/go-go-golems/pupdash/pkg/store"
	"github.com/go-go-golems/pupdash/pkg/txn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	snap      protocol.Snapshot
	sources   map[string]protocol.SourceListing
	txnID     string
	postErr   error
	posted    []string
	snapshots int
}

func (b *fakeBackend) FetchSnapshot(ctx context.Context) (protocol.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots++
	return b.snap, nil
}

func (b *fakeBackend) FetchSources(ctx context.Context) (map[string]protocol.SourceListing, error) {
	return b.sources, nil
}

func (b *fakeBackend) PostPupConfig(ctx context.Context, pupID string, cfg map[string]any) (protocol.TransactionResponse, error) {
	return b.post(pupID + "/config")
}

func (b *fakeBackend) PostPupAction(ctx context.Context, pupID, action string, body any) (protocol.TransactionResponse, error) {
	return b.post(pupID + "/" + action)
}

func (b *fakeBackend) post(path string) (protocol.TransactionResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posted = append(b.posted, path)
	if b.postErr != nil {
		return protocol.TransactionResponse{}, b.postErr
	}
	return protocol.TransactionResponse{ID: b.txnID}, nil
}

func (b *fakeBackend) snapshotCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshots
}

func ts(v int64) *int64 { return &v }

func pupJSON(t *testing.T, id, installation string, enabled bool) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(protocol.PupState{
		ID:           id,
		Source:       protocol.SourceRef{ID: "local"},
		Manifest:     &protocol.Manifest{Meta: protocol.ManifestMeta{Name: "alpha"}},
		Installation: installation,
		Enabled:      enabled,
	})
	require.NoError(t, err)
	return b
}

func frame(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

func baseSnapshot() protocol.Snapshot {
	return protocol.Snapshot{
		States: map[string]protocol.PupState{
			"A": {
				ID:           "A",
				Source:       protocol.SourceRef{ID: "local"},
				Manifest:     &protocol.Manifest{Meta: protocol.ManifestMeta{Name: "alpha"}},
				Installation: "ready",
			},
		},
		Stats:  map[string]protocol.PupStats{"A": {ID: "A", Status: protocol.RuntimeStopped}},
		Assets: map[string]protocol.PupAssets{},
		TS:     ts(100),
	}
}

func newEngine(t *testing.T, b *fakeBackend, opts Options) *Engine {
	t.Helper()
	opts.Backend = b
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func TestEngine_PurgeThenStatsIsNoop(t *testing.T) {
	b := &fakeBackend{snap: baseSnapshot()}
	e := newEngine(t, b, Options{})
	require.NoError(t, e.Refresh(context.Background()))
	require.Len(t, e.Store.Pups(), 1)

	var events []channel.Event
	e.Channel.Subscribe(channel.ObserverFunc(func(ev channel.Event) { events = append(events, ev) }))

	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindPupPurged, Update: json.RawMessage(`{"id":"A"}`)}))
	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindStats, Update: json.RawMessage(`[{"id":"A","status":"running"}]`), TS: ts(200)}))

	require.Empty(t, e.Store.Pups())
	_, ok := e.Store.Pup(store.ByID("A"))
	require.False(t, ok)
	require.Len(t, events, 2)
}

func TestEngine_PurgedPupIsNotRestoredByOlderSnapshot(t *testing.T) {
	b := &fakeBackend{snap: baseSnapshot()}
	e := newEngine(t, b, Options{})
	require.NoError(t, e.Refresh(context.Background()))

	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindPup, Update: pupJSON(t, "A", "ready", true), TS: ts(160)}))
	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindPupPurged, Update: json.RawMessage(`{"id":"A"}`), TS: ts(170)}))
	require.Equal(t, int64(170), e.Store.Ledger("A"))

	// the backend still serves a snapshot from before the purge
	b.mu.Lock()
	b.snap.TS = ts(150)
	b.mu.Unlock()
	require.NoError(t, e.Refresh(context.Background()))

	_, ok := e.Store.Pup(store.ByID("A"))
	require.False(t, ok)
	require.Empty(t, e.Store.Pups())
}

func TestEngine_StreamedPupSurvivesOlderSnapshot(t *testing.T) {
	b := &fakeBackend{snap: baseSnapshot()}
	e := newEngine(t, b, Options{})

	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindPup, Update: pupJSON(t, "B", "installing", false), TS: ts(150)}))
	require.NoError(t, e.Refresh(context.Background()))

	p, ok := e.Store.Pup(store.ByID("B"))
	require.True(t, ok)
	require.Equal(t, "installing", p.Computed.Status.ID)
	_, ok = e.Store.Pup(store.ByID("A"))
	require.True(t, ok)

	// an update older than the ledger is rejected and not observed
	var events []channel.Event
	e.Channel.Subscribe(channel.ObserverFunc(func(ev channel.Event) { events = append(events, ev) }))
	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindPup, Update: pupJSON(t, "B", "ready", false), TS: ts(120)}))
	require.Empty(t, events)
	p, _ = e.Store.Pup(store.ByID("B"))
	require.Equal(t, "installing", p.State.Installation)
}

func TestEngine_ActionRoundTrip(t *testing.T) {
	b := &fakeBackend{snap: baseSnapshot(), txnID: "txn-1"}
	e := newEngine(t, b, Options{})
	require.NoError(t, e.Refresh(context.Background()))

	var got []*protocol.ActionResult
	cb := txn.Callbacks{
		OnSuccess: func(res *protocol.ActionResult) {
			p, _ := e.Store.Pup(store.ByID("A"))
			require.True(t, p.State.Enabled)
			got = append(got, res)
		},
		OnError: func(res *protocol.ActionResult) { t.Fatalf("unexpected error %v", res) },
	}
	require.True(t, e.RequestPupAction(context.Background(), "A", "enable", cb, nil))

	p, _ := e.Store.Pup(store.ByID("A"))
	require.Equal(t, "starting", p.Computed.Status.ID)
	require.Equal(t, []string{"enable"}, p.Computed.InFlight)

	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindAction, ID: "txn-1", Update: pupJSON(t, "A", "ready", true), TS: ts(300)}))
	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindAction, ID: "txn-1"}))

	require.Len(t, got, 1)
	require.Equal(t, 0, e.Registry.Len())
	p, _ = e.Store.Pup(store.ByID("A"))
	require.Equal(t, "stopped", p.Computed.Status.ID)
	require.Empty(t, p.Computed.InFlight)
	require.Equal(t, int64(300), e.Store.Ledger("A"))
}

func TestEngine_ActionErrorCallsOnError(t *testing.T) {
	b := &fakeBackend{snap: baseSnapshot(), txnID: "txn-2"}
	e := newEngine(t, b, Options{})
	require.NoError(t, e.Refresh(context.Background()))

	var failures []string
	cb := txn.Callbacks{
		OnSuccess: func(*protocol.ActionResult) { t.Fatal("unexpected success") },
		OnError:   func(res *protocol.ActionResult) { failures = append(failures, res.Error) },
	}
	require.True(t, e.RequestPupChanges(context.Background(), "A", map[string]any{"port": 1}, cb))
	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindAction, ID: "txn-2", Error: "bad config"}))
	require.Equal(t, []string{"bad config"}, failures)
}

func TestEngine_IssueFailuresReportSynchronously(t *testing.T) {
	b := &fakeBackend{postErr: errors.New("connection refused")}
	e := newEngine(t, b, Options{})

	var failures []string
	cb := txn.Callbacks{
		OnSuccess: func(*protocol.ActionResult) {},
		OnError:   func(res *protocol.ActionResult) { failures = append(failures, res.Error) },
	}
	require.False(t, e.RequestPupAction(context.Background(), "A", "disable", cb, nil))
	require.Len(t, failures, 1)
	require.Contains(t, failures[0], "connection refused")

	// an answer without transaction id cannot be tracked
	b.postErr = nil
	require.False(t, e.RequestPupChanges(context.Background(), "A", nil, cb))
	require.Len(t, failures, 2)
	require.Equal(t, 0, e.Registry.Len())
}

func TestEngine_TransactionTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	b := &fakeBackend{snap: baseSnapshot(), txnID: "txn-3"}
	e := newEngine(t, b, Options{RequestTimeout: 5 * time.Second, Now: func() time.Time { return now }})

	timeouts := 0
	cb := txn.Callbacks{
		OnSuccess: func(*protocol.ActionResult) {},
		OnError:   func(*protocol.ActionResult) {},
		OnTimeout: func() { timeouts++ },
	}
	require.True(t, e.RequestPupAction(context.Background(), "A", "enable", cb, nil))
	require.Equal(t, 0, e.Registry.Sweep(now.Add(time.Second)))
	require.Equal(t, 1, e.Registry.Sweep(now.Add(6*time.Second)))
	require.Equal(t, 1, timeouts)

	// a late resolution is ignored
	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindAction, ID: "txn-3"}))
	require.Equal(t, 1, timeouts)
}

func TestEngine_ProgressAndNoticesFeedActivity(t *testing.T) {
	e := newEngine(t, &fakeBackend{}, Options{})

	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindProgress, Update: json.RawMessage(`{"actionID":"x","pupId":"A","msg":"pulling","progress":40}`)}))
	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindHostReboot, Update: json.RawMessage(`{"message":"rebooting now"}`)}))
	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindSystemNotice, Update: json.RawMessage(`"disk almost full"`)}))

	a := e.Store.Activity("A")
	require.Len(t, a, 1)
	require.Equal(t, "pulling", a[0].Msg)
	require.Equal(t, 40, a[0].Progress)

	sys := e.Store.Activity(protocol.SystemActivityID)
	require.Len(t, sys, 2)
	require.Equal(t, "rebooting now", sys[0].Msg)
	require.Equal(t, string(protocol.KindHostReboot), sys[0].Step)
	require.Equal(t, "disk almost full", sys[1].Msg)
}

func TestEngine_BootstrapPolicy(t *testing.T) {
	snap, err := json.Marshal(baseSnapshot())
	require.NoError(t, err)

	ignoring := newEngine(t, &fakeBackend{}, Options{})
	ignoring.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindBootstrap, Update: snap}))
	require.Empty(t, ignoring.Store.Pups())

	applying := newEngine(t, &fakeBackend{}, Options{Bootstrap: BootstrapApply})
	applying.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindBootstrap, Update: snap}))
	require.Len(t, applying.Store.Pups(), 1)

	_, err = New(Options{Backend: &fakeBackend{}, Bootstrap: "sometimes"})
	require.Error(t, err)
}

func TestEngine_JobsFeedStatusAndBus(t *testing.T) {
	b := &fakeBackend{snap: baseSnapshot()}
	e := newEngine(t, b, Options{StreamURL: "ws://pup.local/ws/state/", Dialer: &blockingDialer{}})
	require.NoError(t, e.Refresh(context.Background()))

	var mu sync.Mutex
	var seen []bus.JobEvent
	e.Bus.OnJob("test-jobs", func(ev bus.JobEvent) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	<-e.Bus.Running()

	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindJobCreated, Update: json.RawMessage(`{"id":"j1","action":"disable","pupID":"A","status":"queued"}`)}))
	p, _ := e.Store.Pup(store.ByID("A"))
	require.Equal(t, "stopping", p.Computed.Status.ID)

	e.Channel.OnMessage(frame(t, protocol.Message{Type: protocol.KindJobCompleted, Update: json.RawMessage(`{"id":"j1"}`)}))
	p, _ = e.Store.Pup(store.ByID("A"))
	require.Equal(t, "stopped", p.Computed.Status.ID)

	j, ok := e.Jobs.Get("j1")
	require.True(t, ok)
	require.Equal(t, protocol.JobCompleted, j.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, protocol.KindJobCreated, seen[0].Kind)
	require.Equal(t, protocol.KindJobCompleted, seen[1].Kind)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestEngine_RunStreamsAndRefreshesOnConnect(t *testing.T) {
	conn := &chanConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
	b := &fakeBackend{snap: baseSnapshot()}
	e := newEngine(t, b, Options{
		StreamURL:        "ws://pup.local/ws/state/",
		Dialer:           &blockingDialer{conn: conn},
		RefreshOnConnect: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return b.snapshotCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(e.Store.Pups()) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.frames <- frame(t, protocol.Message{Type: protocol.KindStats, Update: json.RawMessage(`{"id":"A","status":"running"}`), TS: ts(150)})
	require.Eventually(t, func() bool {
		p, ok := e.Store.Pup(store.ByID("A"))
		return ok && p.Computed.Status.ID == "running"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, channel.StateDisconnected, e.Channel.State())
}

type chanConn struct {
	frames chan []byte
	once   sync.Once
	closed chan struct{}
}

func (c *chanConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return 1, f, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// blockingDialer hands out conn once; without one, dials block until ctx ends.
type blockingDialer struct {
	mu   sync.Mutex
	conn *chanConn
}

func (d *blockingDialer) Dial(ctx context.Context, url string) (channel.Conn, error) {
	d.mu.Lock()
	c := d.conn
	d.conn = nil
	d.mu.Unlock()
	if c != nil {
		return c, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
