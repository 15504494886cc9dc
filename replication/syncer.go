// Package replication keeps mergeable stores of several replicas in sync
// over any message transport.
//
// A sync round compares hashes top down: the initiator asks for the hash
// of a node and its children, descends into every child that differs,
// and stops at rows and single values, whose stamped subtrees it fetches
// and merges. Every local transaction is also pushed to all peers as it
// finishes, so rounds are only needed to catch up.
package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/tabby"
	"github.com/drpcorg/tabby/protocol"
	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Transport moves opaque messages between named peers. Send must not
// wait for the peer; callbacks may run on any goroutine.
type Transport interface {
	Send(ctx context.Context, peer string, msg []byte) error
	OnReceive(fn func(peer string, msg []byte))
	OnPeerGone(fn func(peer string))
	Peers() []string
	Close() error
}

type PeerState int

const (
	Idle PeerState = iota
	AwaitingHashResponse
	AwaitingChangesResponse
)

func (s PeerState) String() string {
	switch s {
	case AwaitingHashResponse:
		return "AwaitingHashResponse"
	case AwaitingChangesResponse:
		return "AwaitingChangesResponse"
	}
	return "Idle"
}

type Options struct {
	Logger utils.Logger
	// RequestTimeout fails an unanswered request; it is not retried.
	RequestTimeout time.Duration
	// CacheSize bounds the cache of encoded changes responses.
	CacheSize      int
	OnIgnoredError func(err error)
}

func (o *Options) SetDefaults() {
	o.Logger = utils.OrDefault(o.Logger)
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.CacheSize == 0 {
		o.CacheSize = 1024
	}
	if o.OnIgnoredError == nil {
		o.OnIgnoredError = func(error) {}
	}
}

type Stats struct {
	Sends    uint64 `json:"sends"`
	Receives uint64 `json:"receives"`
}

type request struct {
	id    string
	peer  string
	kind  protocol.MessageKind
	path  rdx.Path
	timer *time.Timer
}

// Syncer serves and initiates sync for one store. Inbound messages touch
// the store under its Locker; hosts writing to the store from their own
// goroutines must hold the same lock.
type Syncer struct {
	opts      Options
	log       utils.Logger
	store     *tabby.MergeableStore
	transport Transport
	cache     *lru.Cache[string, []byte]
	listener  tabby.ListenerID

	// set while inbound changes are applied, under the store lock
	applying bool

	lock     sync.Mutex
	syncing  bool
	closed   bool
	requests map[string]*request
	// receives under way; Destroy waits for them
	inflight sync.WaitGroup

	sends    atomic.Uint64
	receives atomic.Uint64
}

func NewSyncer(store *tabby.MergeableStore, transport Transport, opts Options) *Syncer {
	opts.SetDefaults()
	cache, _ := lru.New[string, []byte](opts.CacheSize)
	s := &Syncer{
		opts:      opts,
		log:       opts.Logger,
		store:     store,
		transport: transport,
		cache:     cache,
		requests:  make(map[string]*request),
	}
	locker := store.Locker()
	locker.Lock()
	s.listener = store.AddDidFinishTransactionListener(tabby.ListenerFunc(s.push))
	locker.Unlock()
	transport.OnReceive(s.receive)
	transport.OnPeerGone(s.peerGone)
	return s
}

func (s *Syncer) ignored(err error) {
	s.opts.OnIgnoredError(err)
}

// StartSync begins pushing local transactions and runs a sync round with
// every known peer. An empty store asks for the whole content instead.
func (s *Syncer) StartSync(ctx context.Context) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return tabby_errors.ErrClosed
	}
	s.syncing = true
	s.lock.Unlock()

	locker := s.store.Locker()
	locker.Lock()
	empty := s.store.GetContentHash() == rdx.EmptyRoot().Hash
	locker.Unlock()

	for _, peer := range s.transport.Peers() {
		if empty {
			s.request(ctx, peer, &protocol.Message{Kind: protocol.RequestContent, Path: []string{}})
		} else {
			s.request(ctx, peer, &protocol.Message{Kind: protocol.RequestHash, Path: []string{}})
		}
	}
	return nil
}

// SyncPeer runs a sync round with one peer, e.g. one that just joined.
func (s *Syncer) SyncPeer(ctx context.Context, peer string) {
	s.request(ctx, peer, &protocol.Message{Kind: protocol.RequestHash, Path: []string{}})
}

// StopSync stops pushing and forgets outstanding requests; peers are
// Idle afterwards. Requests from peers are still answered.
func (s *Syncer) StopSync() {
	s.lock.Lock()
	s.syncing = false
	s.dropAll()
	s.lock.Unlock()
}

func (s *Syncer) IsSyncing() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.syncing
}

// Destroy stops syncing and detaches from the store and the transport.
// It returns once no inbound message can touch the store any more, so it
// must not be called with the store lock held or from a transport
// callback. The transport itself is left open.
func (s *Syncer) Destroy() {
	s.lock.Lock()
	s.closed = true
	s.syncing = false
	s.dropAll()
	s.lock.Unlock()
	s.transport.OnReceive(nil)
	s.transport.OnPeerGone(nil)
	s.inflight.Wait()
	locker := s.store.Locker()
	locker.Lock()
	s.store.DelListener(s.listener)
	locker.Unlock()
}

func (s *Syncer) dropAll() {
	for id, r := range s.requests {
		r.timer.Stop()
		delete(s.requests, id)
	}
}

func (s *Syncer) GetStats() Stats {
	return Stats{Sends: s.sends.Load(), Receives: s.receives.Load()}
}

// PeerState tells what the syncer waits for from peer. Content requests
// count as changes.
func (s *Syncer) PeerState(peer string) PeerState {
	s.lock.Lock()
	defer s.lock.Unlock()
	state := Idle
	for _, r := range s.requests {
		if r.peer != peer {
			continue
		}
		if r.kind != protocol.RequestHash {
			return AwaitingChangesResponse
		}
		state = AwaitingHashResponse
	}
	return state
}

func (s *Syncer) send(ctx context.Context, peer string, msg *protocol.Message) error {
	err := s.transport.Send(ctx, peer, msg.TLV())
	if err != nil {
		s.log.Warn("sync: couldn't send", "peer", peer, "kind", msg.Kind, "err", err)
		s.ignored(err)
		return err
	}
	s.sends.Add(1)
	SyncMessages.WithLabelValues("out", msg.Kind.String()).Inc()
	return nil
}

func (s *Syncer) request(ctx context.Context, peer string, msg *protocol.Message) {
	msg.RequestID = uuid.Must(uuid.NewV7()).String()
	r := &request{id: msg.RequestID, peer: peer, kind: msg.Kind, path: rdx.Path(msg.Path)}
	s.lock.Lock()
	if s.closed || !s.syncing {
		s.lock.Unlock()
		return
	}
	s.requests[r.id] = r
	r.timer = time.AfterFunc(s.opts.RequestTimeout, func() { s.expire(r.id) })
	s.lock.Unlock()
	if s.send(ctx, peer, msg) != nil {
		s.take(r.id, peer)
		SyncRequests.WithLabelValues("unsent").Inc()
	}
}

func (s *Syncer) expire(id string) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	r, ok := s.requests[id]
	delete(s.requests, id)
	s.lock.Unlock()
	if !ok {
		return
	}
	SyncRequests.WithLabelValues("timeout").Inc()
	s.log.Warn("sync: request timed out", "peer", r.peer, "kind", r.kind, "path", r.path)
	s.ignored(fmt.Errorf("%w: %s %s from %s", tabby_errors.ErrRequestTimeout, r.kind, r.path, r.peer))
}

// take claims the outstanding request id sent to peer.
func (s *Syncer) take(id, peer string) *request {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.requests[id]
	if !ok || r.peer != peer {
		return nil
	}
	delete(s.requests, id)
	r.timer.Stop()
	return r
}

func (s *Syncer) peerGone(peer string) {
	s.lock.Lock()
	for id, r := range s.requests {
		if r.peer == peer {
			r.timer.Stop()
			delete(s.requests, id)
		}
	}
	s.lock.Unlock()
	s.log.Info("sync: peer gone", "peer", peer)
}

// push sends the changes of every local transaction to all peers.
func (s *Syncer) push(_ *tabby.Store, _ tabby.Event) {
	if s.applying || !s.IsSyncing() {
		return
	}
	changes := s.store.GetTransactionMergeableChanges()
	if changes == nil {
		return
	}
	msg := &protocol.Message{Kind: protocol.PushChanges, Path: []string{}, Payload: changes.TLV()}
	for _, peer := range s.transport.Peers() {
		s.send(context.Background(), peer, msg)
	}
}

func (s *Syncer) receive(peer string, data []byte) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.inflight.Add(1)
	s.lock.Unlock()
	defer s.inflight.Done()

	s.receives.Add(1)
	msg, err := protocol.ParseMessage(data)
	if err == nil && !rdx.Path(msg.Path).Valid() {
		err = fmt.Errorf("%w: path %v", protocol.ErrBadMessage, msg.Path)
	}
	if err != nil {
		SyncMessages.WithLabelValues("in", "bad").Inc()
		s.log.Warn("sync: bad message", "peer", peer, "err", err)
		s.ignored(fmt.Errorf("%w: %w", tabby_errors.ErrBadMessage, err))
		return
	}
	SyncMessages.WithLabelValues("in", msg.Kind.String()).Inc()
	ctx := context.Background()
	path := rdx.Path(msg.Path)

	switch msg.Kind {
	case protocol.RequestHash:
		s.answerHash(ctx, peer, msg.RequestID, path)
	case protocol.RequestChanges:
		s.answerChanges(ctx, peer, msg.RequestID, path, msg.Hash)
	case protocol.RequestContent:
		s.answerContent(ctx, peer, msg.RequestID)
	case protocol.PushChanges:
		s.apply(peer, msg.Payload, false)
	default:
		r := s.take(msg.RequestID, peer)
		if r == nil || !answers(r.kind, msg.Kind) {
			SyncRequests.WithLabelValues("unmatched").Inc()
			s.log.Debug("sync: unexpected response", "peer", peer, "kind", msg.Kind, "id", msg.RequestID)
			return
		}
		SyncRequests.WithLabelValues("answered").Inc()
		switch msg.Kind {
		case protocol.ResponseHash:
			s.descend(ctx, peer, r.path, msg)
		case protocol.ResponseChanges:
			s.apply(peer, msg.Payload, false)
		case protocol.ResponseContent:
			s.apply(peer, msg.Payload, true)
		}
	}
}

func answers(req, resp protocol.MessageKind) bool {
	switch req {
	case protocol.RequestHash:
		return resp == protocol.ResponseHash
	case protocol.RequestChanges:
		return resp == protocol.ResponseChanges
	case protocol.RequestContent:
		return resp == protocol.ResponseContent
	}
	return false
}

func (s *Syncer) answerHash(ctx context.Context, peer, id string, path rdx.Path) {
	locker := s.store.Locker()
	locker.Lock()
	resp := &protocol.Message{
		Kind:      protocol.ResponseHash,
		RequestID: id,
		Path:      path,
		Hash:      s.store.GetHash(path),
		Hashes:    s.store.GetChildHashes(path),
	}
	locker.Unlock()
	s.send(ctx, peer, resp)
}

func cacheKey(path rdx.Path, hash uint64) string {
	return fmt.Sprintf("%s#%016x", path.Key(), hash)
}

// answerChanges sends the stamped subtree at path, nothing when the
// asker already has the same hash there.
func (s *Syncer) answerChanges(ctx context.Context, peer, id string, path rdx.Path, since uint64) {
	resp := &protocol.Message{Kind: protocol.ResponseChanges, RequestID: id, Path: path}
	locker := s.store.Locker()
	locker.Lock()
	hash := s.store.GetHash(path)
	if hash != since {
		key := cacheKey(path, hash)
		if payload, ok := s.cache.Get(key); ok {
			SyncCache.WithLabelValues("hit").Inc()
			resp.Payload = payload
		} else if subtree := s.store.GetMergeableSubtree(path); subtree != nil {
			SyncCache.WithLabelValues("miss").Inc()
			resp.Payload = subtree.TLV()
			s.cache.Add(key, resp.Payload)
		}
	}
	locker.Unlock()
	s.send(ctx, peer, resp)
}

func (s *Syncer) answerContent(ctx context.Context, peer, id string) {
	locker := s.store.Locker()
	locker.Lock()
	payload := s.store.GetMergeableContent().TLV()
	locker.Unlock()
	s.send(ctx, peer, &protocol.Message{Kind: protocol.ResponseContent, RequestID: id, Path: []string{}, Payload: payload})
}

// stopsAt tells the paths whose subtrees are fetched whole: rows and
// single values.
func stopsAt(path rdx.Path) bool {
	return path.Depth() >= min(3, rdx.LeafDepth(path[0]))
}

// descend compares a peer's hashes with ours at path. Children the peer
// lacks are pushed to it, differing ones are fetched or descended into.
func (s *Syncer) descend(ctx context.Context, peer string, path rdx.Path, theirs *protocol.Message) {
	locker := s.store.Locker()
	locker.Lock()
	hash := s.store.GetHash(path)
	ours := s.store.GetChildHashes(path)
	locker.Unlock()
	if hash == theirs.Hash {
		return
	}
	for _, id := range utils.UnionKeys(ours, theirs.Hashes) {
		oh, inOurs := ours[id]
		th, inTheirs := theirs.Hashes[id]
		if inOurs && inTheirs && oh == th {
			continue
		}
		child := path.Child(id)
		switch {
		case !inTheirs:
			s.pushSubtree(ctx, peer, child)
		case !inOurs || stopsAt(child):
			s.request(ctx, peer, &protocol.Message{Kind: protocol.RequestChanges, Path: child, Hash: oh})
			if inOurs {
				s.pushSubtree(ctx, peer, child)
			}
		default:
			s.request(ctx, peer, &protocol.Message{Kind: protocol.RequestHash, Path: child})
		}
	}
}

func (s *Syncer) pushSubtree(ctx context.Context, peer string, path rdx.Path) {
	locker := s.store.Locker()
	locker.Lock()
	subtree := s.store.GetMergeableSubtree(path)
	locker.Unlock()
	if subtree == nil {
		return
	}
	s.send(ctx, peer, &protocol.Message{Kind: protocol.PushChanges, Path: []string{}, Payload: subtree.TLV()})
}

// apply merges a stamped tree from peer. A whole-content answer to an
// empty store bootstraps it instead.
func (s *Syncer) apply(peer string, payload []byte, content bool) {
	if payload == nil {
		return
	}
	tree, err := rdx.StampFromTLV(payload)
	if err != nil {
		s.log.Warn("sync: bad changes", "peer", peer, "err", err)
		s.ignored(fmt.Errorf("%w: %w", tabby_errors.ErrBadMessage, err))
		return
	}
	locker := s.store.Locker()
	locker.Lock()
	defer locker.Unlock()
	s.applying = true
	defer func() { s.applying = false }()
	if content && s.store.GetContentHash() == rdx.EmptyRoot().Hash {
		s.store.SetMergeableContent(tree)
	} else {
		s.store.ApplyMergeableChanges(tree)
	}
}
