package replication

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/tabby"
	"github.com/drpcorg/tabby/network"
	"github.com/drpcorg/tabby/protocol"
	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

func replica(src uint64) *tabby.MergeableStore {
	return tabby.NewMergeableStore(src, tabby.Options{Clock: &rdx.LogicalClock{Source: src}})
}

func locked(ms *tabby.MergeableStore, fn func()) {
	ms.Locker().Lock()
	defer ms.Locker().Unlock()
	fn()
}

func hashOf(ms *tabby.MergeableStore) (h uint64) {
	locked(ms, func() { h = ms.GetContentHash() })
	return
}

type node struct {
	store  *tabby.MergeableStore
	syncer *Syncer
	end    *network.LocalEndpoint
}

func join(t *testing.T, bus *network.LocalBus, name string, src uint64) *node {
	end, err := bus.Join(name)
	require.NoError(t, err)
	ms := replica(src)
	n := &node{store: ms, end: end, syncer: NewSyncer(ms, end, Options{RequestTimeout: wait})}
	t.Cleanup(func() {
		n.syncer.Destroy()
		n.end.Close()
	})
	return n
}

func TestSyncer_BootstrapEmptyReplica(t *testing.T) {
	bus := network.NewLocalBus()
	a := join(t, bus, "a", 1)
	b := join(t, bus, "b", 2)
	locked(a.store, func() {
		a.store.SetCell("pets", "fido", "species", rdx.Str("dog"))
		a.store.SetValue("open", rdx.Bool(true))
	})

	require.NoError(t, b.syncer.StartSync(context.Background()))
	assert.Eventually(t, func() bool { return hashOf(a.store) == hashOf(b.store) }, wait, time.Millisecond)
	locked(b.store, func() {
		assert.Equal(t, rdx.Str("dog"), b.store.GetCell("pets", "fido", "species"))
		assert.True(t, b.store.GetMergeableContent().Equal(a.store.GetMergeableContent()))
	})
	assert.Eventually(t, func() bool { return b.syncer.PeerState("a") == Idle }, wait, time.Millisecond)
	assert.NotZero(t, b.syncer.GetStats().Sends)
	assert.NotZero(t, b.syncer.GetStats().Receives)
}

func TestSyncer_HashDescentConvergesBothWays(t *testing.T) {
	bus := network.NewLocalBus()
	a := join(t, bus, "a", 1)
	b := join(t, bus, "b", 2)
	locked(a.store, func() {
		a.store.SetCell("pets", "fido", "legs", rdx.Num(4))
		a.store.SetCell("pets", "felix", "legs", rdx.Num(4))
		a.store.SetValue("owner", rdx.Str("ann"))
	})
	locked(b.store, func() {
		b.store.SetCell("pets", "fido", "legs", rdx.Num(3))
		b.store.SetCell("pets", "nemo", "fins", rdx.Num(2))
		b.store.SetValue("vet", rdx.Str("bob"))
	})

	// only a starts; b catches up from what a pushes while descending
	require.NoError(t, a.syncer.StartSync(context.Background()))
	assert.Eventually(t, func() bool { return hashOf(a.store) == hashOf(b.store) }, wait, time.Millisecond)
	for _, ms := range []*tabby.MergeableStore{a.store, b.store} {
		locked(ms, func() {
			// same revision, the higher replica id wins
			assert.Equal(t, rdx.Num(3), ms.GetCell("pets", "fido", "legs"))
			assert.Equal(t, []string{"felix", "fido", "nemo"}, sorted(ms.GetRowIDs("pets")))
			assert.Equal(t, rdx.Str("ann"), ms.GetValue("owner"))
			assert.Equal(t, rdx.Str("bob"), ms.GetValue("vet"))
		})
	}
}

func sorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

func TestSyncer_PushesTransactions(t *testing.T) {
	bus := network.NewLocalBus()
	a := join(t, bus, "a", 1)
	b := join(t, bus, "b", 2)
	require.NoError(t, a.syncer.StartSync(context.Background()))
	require.NoError(t, b.syncer.StartSync(context.Background()))
	assert.Eventually(t, func() bool {
		return a.syncer.PeerState("b") == Idle && b.syncer.PeerState("a") == Idle
	}, wait, time.Millisecond)

	var lock sync.Mutex
	var seen []rdx.Value
	locked(b.store, func() {
		b.store.AddValueListener("score", tabby.ListenerFunc(func(s *tabby.Store, _ tabby.Event) {
			lock.Lock()
			seen = append(seen, s.GetValue("score"))
			lock.Unlock()
		}))
	})
	locked(a.store, func() { a.store.SetValue("score", rdx.Num(1)) })
	locked(a.store, func() { a.store.SetValue("score", rdx.Num(2)) })
	assert.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(seen) == 2
	}, wait, time.Millisecond)
	assert.Equal(t, []rdx.Value{rdx.Num(1), rdx.Num(2)}, seen)

	// b applying a's push does not echo it back
	before := a.syncer.GetStats().Receives
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, a.syncer.GetStats().Receives)
	assert.Equal(t, hashOf(a.store), hashOf(b.store))

	a.syncer.StopSync()
	locked(a.store, func() { a.store.SetValue("score", rdx.Num(3)) })
	time.Sleep(20 * time.Millisecond)
	locked(b.store, func() { assert.Equal(t, rdx.Num(2), b.store.GetValue("score")) })
}

// mute is a transport that loses every message.
type mute struct {
	lock      sync.Mutex
	sent      []*protocol.Message
	onReceive func(peer string, msg []byte)
	onGone    func(peer string)
}

func (m *mute) Send(_ context.Context, _ string, msg []byte) error {
	parsed, err := protocol.ParseMessage(msg)
	if err != nil {
		return err
	}
	m.lock.Lock()
	m.sent = append(m.sent, parsed)
	m.lock.Unlock()
	return nil
}

func (m *mute) OnReceive(fn func(peer string, msg []byte)) { m.onReceive = fn }
func (m *mute) OnPeerGone(fn func(peer string))            { m.onGone = fn }
func (m *mute) Peers() []string                            { return []string{"ghost"} }
func (m *mute) Close() error                               { return nil }

func (m *mute) last() *protocol.Message {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func TestSyncer_RequestTimeout(t *testing.T) {
	tr := &mute{}
	ms := replica(1)
	errs := make(chan error, 4)
	s := NewSyncer(ms, tr, Options{
		RequestTimeout: 20 * time.Millisecond,
		OnIgnoredError: func(err error) { errs <- err },
	})
	defer s.Destroy()
	locked(ms, func() { ms.SetValue("v", rdx.Num(1)) })

	require.NoError(t, s.StartSync(context.Background()))
	require.NotNil(t, tr.last())
	assert.Equal(t, protocol.RequestHash, tr.last().Kind)
	assert.Equal(t, AwaitingHashResponse, s.PeerState("ghost"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, tabby_errors.ErrRequestTimeout)
	case <-time.After(wait):
		t.Fatal("no timeout")
	}
	assert.Equal(t, Idle, s.PeerState("ghost"))

	// a late answer finds no request and changes nothing
	hash := hashOf(ms)
	late := &protocol.Message{
		Kind:      protocol.ResponseContent,
		RequestID: tr.last().RequestID,
		Path:      []string{},
		Payload:   replica(2).GetMergeableContent().TLV(),
	}
	tr.onReceive("ghost", late.TLV())
	assert.Equal(t, hash, hashOf(ms))
}

func TestSyncer_PeerGoneAndStop(t *testing.T) {
	tr := &mute{}
	ms := replica(1)
	s := NewSyncer(ms, tr, Options{RequestTimeout: time.Minute})
	defer s.Destroy()

	require.NoError(t, s.StartSync(context.Background()))
	assert.Equal(t, protocol.RequestContent, tr.last().Kind)
	assert.Equal(t, AwaitingChangesResponse, s.PeerState("ghost"))
	tr.onGone("ghost")
	assert.Equal(t, Idle, s.PeerState("ghost"))

	require.NoError(t, s.StartSync(context.Background()))
	s.StopSync()
	assert.Equal(t, Idle, s.PeerState("ghost"))
	assert.False(t, s.IsSyncing())
}

func TestSyncer_DestroyStopsInbound(t *testing.T) {
	tr := &mute{}
	ms := replica(1)
	errs := make(chan error, 4)
	s := NewSyncer(ms, tr, Options{
		RequestTimeout: 20 * time.Millisecond,
		OnIgnoredError: func(err error) { errs <- err },
	})
	// a transport may still hold the callback it read before Destroy
	kept := tr.onReceive
	require.NoError(t, s.StartSync(context.Background()))
	s.Destroy()

	other := replica(2)
	locked(other, func() { other.SetCell("pets", "fido", "species", rdx.Str("dog")) })
	push := &protocol.Message{Kind: protocol.PushChanges, Path: []string{}, Payload: other.GetMergeableContent().TLV()}
	kept("ghost", push.TLV())
	locked(ms, func() { assert.False(t, ms.HasCell("pets", "fido", "species")) })
	assert.Equal(t, uint64(0), s.GetStats().Receives)

	select {
	case err := <-errs:
		t.Fatalf("error after Destroy: %v", err)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSyncer_DestroyWaitsForReceive(t *testing.T) {
	tr := &mute{}
	ms := replica(1)
	s := NewSyncer(ms, tr, Options{})
	kept := tr.onReceive

	other := replica(2)
	locked(other, func() { other.SetCell("pets", "fido", "species", rdx.Str("dog")) })
	push := &protocol.Message{Kind: protocol.PushChanges, Path: []string{}, Payload: other.GetMergeableContent().TLV()}

	ms.Locker().Lock()
	go kept("ghost", push.TLV())
	assert.Eventually(t, func() bool { return s.GetStats().Receives == 1 }, wait, time.Millisecond)
	destroyed := make(chan struct{})
	go func() {
		s.Destroy()
		close(destroyed)
	}()
	select {
	case <-destroyed:
		t.Fatal("Destroy returned while a receive was applying")
	case <-time.After(50 * time.Millisecond):
	}
	ms.Locker().Unlock()
	select {
	case <-destroyed:
	case <-time.After(wait):
		t.Fatal("Destroy did not return")
	}
	locked(ms, func() { assert.True(t, ms.HasCell("pets", "fido", "species")) })
}

func TestSyncer_AnswersAndCaches(t *testing.T) {
	tr := &mute{}
	ms := replica(1)
	s := NewSyncer(ms, tr, Options{})
	defer s.Destroy()
	locked(ms, func() { ms.SetCell("pets", "fido", "legs", rdx.Num(4)) })

	ask := func(m *protocol.Message) *protocol.Message {
		tr.onReceive("ghost", m.TLV())
		return tr.last()
	}
	row := []string{"t", "pets", "fido"}
	resp := ask(&protocol.Message{Kind: protocol.RequestHash, RequestID: "1", Path: []string{"t", "pets"}})
	assert.Equal(t, protocol.ResponseHash, resp.Kind)
	assert.Equal(t, "1", resp.RequestID)
	assert.Equal(t, ms.GetTableHash("pets"), resp.Hash)
	assert.Equal(t, map[string]uint64{"fido": ms.GetRowHash("pets", "fido")}, resp.Hashes)

	first := ask(&protocol.Message{Kind: protocol.RequestChanges, RequestID: "2", Path: row})
	second := ask(&protocol.Message{Kind: protocol.RequestChanges, RequestID: "3", Path: row})
	assert.Equal(t, first.Payload, second.Payload)
	tree, err := rdx.StampFromTLV(first.Payload)
	require.NoError(t, err)
	assert.True(t, tree.Equal(ms.GetMergeableSubtree(rdx.RowPath("pets", "fido"))))
	assert.Equal(t, 1, s.cache.Len())

	// the asker already has this row
	same := ask(&protocol.Message{Kind: protocol.RequestChanges, RequestID: "4", Path: row, Hash: ms.GetRowHash("pets", "fido")})
	assert.Nil(t, same.Payload)

	errs := 0
	s.opts.OnIgnoredError = func(error) { errs++ }
	tr.onReceive("ghost", []byte("garbage"))
	tr.onReceive("ghost", (&protocol.Message{Kind: protocol.RequestHash, Path: []string{"x"}}).TLV())
	assert.Equal(t, 2, errs)
}
