package patches

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patches/store/memstore"
)

// fakeServerDoc is one document's server-side log of committed changes
// plus the state folding them, used by fakeTransport.
type fakeServerDoc struct {
	state   json.RawMessage
	changes []Change
	deleted bool
}

// fakeTransport is an in-memory Transport driving the sync engine in
// tests without a real JSON-RPC server, grounded on the same fake-conn
// shape the teacher's own in-process transport tests use.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	docs       map[string]*fakeServerDoc
	subscribed map[string]bool

	connListeners      map[int]func(bool)
	errorListeners     map[int]func(error)
	committedListeners map[int]func(string, []Change)
	deletedListeners   map[int]func(string)
	nextListenerID     int

	failNextCommit error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		docs:                map[string]*fakeServerDoc{},
		subscribed:          map[string]bool{},
		connListeners:       map[int]func(bool){},
		errorListeners:      map[int]func(error){},
		committedListeners:  map[int]func(string, []Change){},
		deletedListeners:    map[int]func(string){},
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = true
	listeners := f.snapshotConnListeners()
	f.mu.Unlock()
	for _, l := range listeners {
		l(true)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

// Disconnect simulates a dropped connection without tearing down the
// fake transport, so a test can later reconnect it.
func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.connected = false
	listeners := f.snapshotConnListeners()
	f.mu.Unlock()
	for _, l := range listeners {
		l(false)
	}
}

func (f *fakeTransport) snapshotConnListeners() []func(bool) {
	out := make([]func(bool), 0, len(f.connListeners))
	for _, l := range f.connListeners {
		out = append(out, l)
	}
	return out
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) OnConnectionChange(fn func(bool)) Unsubscribe {
	return f.addListener(&f.connListeners, fn)
}

func (f *fakeTransport) OnError(fn func(error)) Unsubscribe {
	return f.addListener(&f.errorListeners, fn)
}

func (f *fakeTransport) OnChangesCommitted(fn func(string, []Change)) Unsubscribe {
	return f.addListener(&f.committedListeners, fn)
}

func (f *fakeTransport) OnDocDeleted(fn func(string)) Unsubscribe {
	return f.addListener(&f.deletedListeners, fn)
}

// addListener is a tiny generic-free helper; each listener map is typed
// so three call sites pass distinct concrete types.
func (f *fakeTransport) addListener(target interface{}, fn interface{}) Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextListenerID
	f.nextListenerID++
	switch m := target.(type) {
	case *map[int]func(bool):
		(*m)[id] = fn.(func(bool))
		return func() { f.mu.Lock(); defer f.mu.Unlock(); delete(*m, id) }
	case *map[int]func(error):
		(*m)[id] = fn.(func(error))
		return func() { f.mu.Lock(); defer f.mu.Unlock(); delete(*m, id) }
	case *map[int]func(string, []Change):
		(*m)[id] = fn.(func(string, []Change))
		return func() { f.mu.Lock(); defer f.mu.Unlock(); delete(*m, id) }
	case *map[int]func(string):
		(*m)[id] = fn.(func(string))
		return func() { f.mu.Lock(); defer f.mu.Unlock(); delete(*m, id) }
	}
	panic("fakeTransport: unknown listener map type")
}

func (f *fakeTransport) docFor(id string) *fakeServerDoc {
	d, ok := f.docs[id]
	if !ok {
		d = &fakeServerDoc{state: json.RawMessage("{}")}
		f.docs[id] = d
	}
	return d
}

func (f *fakeTransport) Subscribe(ctx context.Context, endpoints []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrNotConnected
	}
	for _, ep := range endpoints {
		f.subscribed[ep] = true
	}
	return endpoints, nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, endpoints []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	for _, ep := range endpoints {
		delete(f.subscribed, ep)
	}
	return nil
}

func (f *fakeTransport) GetDoc(ctx context.Context, id string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return Snapshot{}, ErrNotConnected
	}
	d := f.docFor(id)
	return Snapshot{State: d.state, Rev: int64(len(d.changes))}, nil
}

func (f *fakeTransport) GetChangesSince(ctx context.Context, id string, rev int64) ([]Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrNotConnected
	}
	d := f.docFor(id)
	var out []Change
	for _, c := range d.changes {
		if c.Rev > rev {
			out = append(out, c)
		}
	}
	return CloneChanges(out), nil
}

func (f *fakeTransport) CommitChanges(ctx context.Context, id string, changes []Change) ([]Change, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, ErrNotConnected
	}
	if f.failNextCommit != nil {
		err := f.failNextCommit
		f.failNextCommit = nil
		f.mu.Unlock()
		return nil, err
	}
	d := f.docFor(id)
	committed := make([]Change, len(changes))
	for i, c := range changes {
		newState, err := ApplyChanges(d.state, []Change{c})
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		d.state = newState
		c.Rev = int64(len(d.changes)) + 1
		d.changes = append(d.changes, c)
		committed[i] = c
	}
	f.mu.Unlock()
	return CloneChanges(committed), nil
}

func (f *fakeTransport) DeleteDoc(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	d := f.docFor(id)
	d.deleted = true
	return nil
}

// simulateRemoteCommit appends a server-originated change directly (as
// if another client committed it) and pushes changesCommitted to every
// subscriber, driving the server push path (§4.4.6 receiveCommittedChanges).
func (f *fakeTransport) simulateRemoteCommit(id string, ops []Operation) Change {
	f.mu.Lock()
	d := f.docFor(id)
	newState, err := ApplyChanges(d.state, []Change{{Ops: ops}})
	if err != nil {
		f.mu.Unlock()
		panic(err)
	}
	d.state = newState
	change := Change{ID: "remote-" + time.Now().String(), Ops: ops, Rev: int64(len(d.changes)) + 1}
	d.changes = append(d.changes, change)
	listeners := make([]func(string, []Change), 0, len(f.committedListeners))
	for _, l := range f.committedListeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()
	for _, l := range listeners {
		l(id, []Change{change})
	}
	return change
}

func newTestEngine(t *testing.T, opts ...SyncOption) (*Patches, *PatchesSync, *fakeTransport) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	p, err := NewPatches(ctx, store)
	require.NoError(t, err)

	transport := newFakeTransport()
	engine, err := NewPatchesSync(ctx, p, transport, StaticOnlineState(true), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return p, engine, transport
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// TestSyncOfflineEditThenConnect is scenario 1 of §8: a change made
// before Connect is queued locally and flushed once connected.
func TestSyncOfflineEditThenConnect(t *testing.T) {
	p, engine, transport := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, p.TrackDocs(ctx, []string{"doc1"}, ""))
	r, err := p.OpenDoc(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"title"}, "offline edit"); return nil }))

	assert.False(t, transport.IsConnected())

	require.NoError(t, engine.Connect(ctx))

	waitFor(t, time.Second, func() bool {
		entry, ok := engine.Synced()["doc1"]
		return ok && entry.Status == StatusSynced && !entry.HasPending
	})

	snap, ok, err := p.Store().GetDoc(ctx, "doc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"offline edit"}`, string(snap.State))
	assert.EqualValues(t, 1, snap.Rev)
}

// TestSyncServerPushMergesWithLocalPending is scenario 2 of §8: a
// server-pushed change on one path merges with surviving local pending
// on a different path.
func TestSyncServerPushMergesWithLocalPending(t *testing.T) {
	p, engine, transport := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, p.TrackDocs(ctx, []string{"doc1"}, "ot"))
	r, err := p.OpenDoc(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, engine.Connect(ctx))

	waitFor(t, time.Second, func() bool { return transport.IsConnected() })

	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"title"}, "local"); return nil }))

	waitFor(t, time.Second, func() bool {
		entry, ok := engine.Synced()["doc1"]
		return ok && !entry.HasPending
	})

	transport.simulateRemoteCommit("doc1", []Operation{{Op: OpAdd, Path: Path{"body"}, Value: "remote"}})

	waitFor(t, time.Second, func() bool {
		var decoded map[string]interface{}
		_ = json.Unmarshal(r.State(), &decoded)
		return decoded["body"] == "remote" && decoded["title"] == "local"
	})
}

// TestSyncSubscriptionFilterReducesEndpoints is scenario 4 / P6: tracked
// ids sharing a hierarchical root subscribe as one endpoint.
func TestSyncSubscriptionFilterReducesEndpoints(t *testing.T) {
	filter := func(ids []string) []string {
		roots := map[string]bool{}
		for _, id := range ids {
			roots["room:1"] = true
			_ = id
		}
		out := make([]string, 0, len(roots))
		for r := range roots {
			out = append(out, r)
		}
		return out
	}
	p, engine, transport := newTestEngine(t, WithSubscribeFilter(filter))
	ctx := context.Background()

	require.NoError(t, engine.Connect(ctx))
	waitFor(t, time.Second, func() bool { return transport.IsConnected() })

	require.NoError(t, p.TrackDocs(ctx, []string{"room:1:doc-a", "room:1:doc-b"}, ""))

	waitFor(t, time.Second, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.subscribed["room:1"]
	})

	transport.mu.Lock()
	_, hasDocA := transport.subscribed["room:1:doc-a"]
	transport.mu.Unlock()
	assert.False(t, hasDocA, "individual doc ids must not appear as their own subscription endpoint once reduced to a root")
}

// TestSyncTombstoneRoundTrip is scenario 6 of §8: a local delete calls
// through to the transport and then confirms the tombstone, removing
// all local trace once the server has acknowledged it.
func TestSyncTombstoneRoundTrip(t *testing.T) {
	p, engine, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, p.TrackDocs(ctx, []string{"doc1"}, ""))
	require.NoError(t, engine.Connect(ctx))
	waitFor(t, time.Second, func() bool { return engine.ConnState().Connected })

	require.NoError(t, p.DeleteDoc(ctx, "doc1"))

	waitFor(t, time.Second, func() bool {
		docs, err := p.ListDocs(ctx, true)
		require.NoError(t, err)
		return len(docs) == 0
	})
}

// TestSyncFlushFailureKeepsPendingForRetry is P2: a failed flush leaves
// the change queued rather than dropping it, so a later successful sync
// still delivers it.
func TestSyncFlushFailureKeepsPendingForRetry(t *testing.T) {
	p, engine, transport := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, p.TrackDocs(ctx, []string{"doc1"}, ""))
	r, err := p.OpenDoc(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, engine.Connect(ctx))

	// Let the automatic post-connect resync settle before injecting a
	// failure, so it cannot race with and absorb the single-use error
	// meant for the change below.
	waitFor(t, time.Second, func() bool {
		entry, ok := engine.Synced()["doc1"]
		return ok && entry.Status != StatusSyncing
	})

	transport.mu.Lock()
	transport.failNextCommit = assert.AnError
	transport.mu.Unlock()

	require.NoError(t, r.Change(func(d *Draft) error { d.Set(Path{"a"}, 1); return nil }))

	waitFor(t, time.Second, func() bool {
		entry, ok := engine.Synced()["doc1"]
		return ok && entry.Status == StatusError
	})

	pending, err := p.Store().GetPendingChanges(ctx, "doc1")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "a failed flush must not drop the pending change")

	engine.spawnSyncDoc("doc1")

	waitFor(t, time.Second, func() bool {
		entry, ok := engine.Synced()["doc1"]
		return ok && entry.Status == StatusSynced && !entry.HasPending
	})
}

// TestSyncMonotonicRevisions is P3: committedRev only ever increases
// across a sequence of successful flushes.
func TestSyncMonotonicRevisions(t *testing.T) {
	p, engine, transport := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, p.TrackDocs(ctx, []string{"doc1"}, ""))
	r, err := p.OpenDoc(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, engine.Connect(ctx))
	waitFor(t, time.Second, func() bool { return transport.IsConnected() })

	var lastRev int64
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Change(func(d *Draft) error { d.Increment(Path{"count"}, 1); return nil }))
		waitFor(t, time.Second, func() bool {
			entry, ok := engine.Synced()["doc1"]
			return ok && !entry.HasPending
		})
		rev := engine.Synced()["doc1"].CommittedRev
		assert.GreaterOrEqual(t, rev, lastRev)
		lastRev = rev
	}
}

// TestSyncPerDocFlushSerialization is P8: concurrently triggered syncs
// of the same doc never interleave; the doc ends up fully, correctly
// synced with no lost updates.
func TestSyncPerDocFlushSerialization(t *testing.T) {
	p, engine, transport := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, p.TrackDocs(ctx, []string{"doc1"}, ""))
	r, err := p.OpenDoc(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, engine.Connect(ctx))
	waitFor(t, time.Second, func() bool { return transport.IsConnected() })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Change(func(d *Draft) error { d.Increment(Path{"count"}, 1); return nil })
		}(i)
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool {
		entry, ok := engine.Synced()["doc1"]
		return ok && !entry.HasPending && entry.Status == StatusSynced
	})

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(r.State(), &decoded))
	assert.EqualValues(t, 10, decoded["count"])
}
