package network

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/drpcorg/tabby/protocol"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	outboxFeedWait  = 100 * time.Millisecond
	outboxBatchSize = 1 << 16
)

// TCPTransport carries sync messages over Net connections. A peer is
// named after its connection: the dialed address for outbound links,
// "listen:<uuid>:<remote>" for accepted ones.
type TCPTransport struct {
	*Net

	links *xsync.MapOf[string, *link]

	lock      sync.RWMutex
	onReceive func(peer string, msg []byte)
	onGone    func(peer string)
}

// link is the FeedDrainCloser of one connection: inbound records go to
// the receive callback, outbound ones wait in a bounded outbox.
type link struct {
	name string
	t    *TCPTransport
	out  *utils.Outbox[protocol.Records]
}

func (l *link) Feed(ctx context.Context) (protocol.Records, error) {
	return l.out.Feed(ctx)
}

func (l *link) Drain(_ context.Context, recs protocol.Records) error {
	l.t.lock.RLock()
	fn := l.t.onReceive
	l.t.lock.RUnlock()
	if fn == nil {
		return nil
	}
	for _, rec := range recs {
		fn(l.name, rec)
	}
	return nil
}

func (l *link) Close() error {
	return l.out.Close()
}

func NewTCPTransport(log utils.Logger, opts ...NetOpt) *TCPTransport {
	t := &TCPTransport{links: xsync.NewMapOf[string, *link]()}
	t.Net = NewNet(log, t.install, t.destroy, opts...)
	return t
}

func (t *TCPTransport) install(name string) protocol.FeedDrainCloser {
	l := &link{
		name: name,
		t:    t,
		out:  utils.NewOutbox[protocol.Records](MAX_OUT_QUEUE_LEN, outboxFeedWait, outboxBatchSize),
	}
	t.links.Store(name, l)
	return l
}

func (t *TCPTransport) destroy(name string) {
	t.links.Delete(name)
	t.lock.RLock()
	fn := t.onGone
	t.lock.RUnlock()
	if fn != nil {
		fn(name)
	}
}

// Send queues msg for the peer; it fails rather than waits when the
// peer is unknown or its outbox is full.
func (t *TCPTransport) Send(ctx context.Context, peer string, msg []byte) error {
	l, ok := t.links.Load(peer)
	if !ok {
		return tabby_errors.ErrPeerUnknown
	}
	return l.out.Drain(ctx, protocol.Records{msg})
}

func (t *TCPTransport) OnReceive(fn func(peer string, msg []byte)) {
	t.lock.Lock()
	t.onReceive = fn
	t.lock.Unlock()
}

func (t *TCPTransport) OnPeerGone(fn func(peer string)) {
	t.lock.Lock()
	t.onGone = fn
	t.lock.Unlock()
}

func (t *TCPTransport) Peers() []string {
	var peers []string
	t.links.Range(func(name string, _ *link) bool {
		peers = append(peers, name)
		return true
	})
	slices.Sort(peers)
	return peers
}
