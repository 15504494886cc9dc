package network

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/drpcorg/tabby/protocol"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// WsClient joins a WsServer path and talks to the other clients there.
// It redials with backoff; a lost connection reports every peer gone,
// a new one learns them again from the server.
type WsClient struct {
	url    string
	log    utils.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock      sync.Mutex
	conn      *websocket.Conn
	out       *utils.Outbox[protocol.Records]
	peers     map[string]struct{}
	onReceive func(peer string, msg []byte)
	onGone    func(peer string)
}

// DialWs starts connecting to url, e.g. ws://host:8043/room, and
// returns at once.
func DialWs(url string, log utils.Logger) *WsClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WsClient{
		url:    url,
		log:    utils.OrDefault(log),
		dialer: websocket.DefaultDialer,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]struct{}),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.keepConnecting()
	}()
	return c
}

func (c *WsClient) keepConnecting() {
	b := &backoff.Backoff{
		Min:    MIN_RETRY_PERIOD / 5,
		Max:    MAX_RETRY_PERIOD,
		Factor: 2,
		Jitter: true,
	}
	ctx := utils.WithDefaultArgs(context.Background(), "url", c.url)
	for c.ctx.Err() == nil {
		conn, res, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			c.log.WarnCtx(ctx, "ws: couldn't connect", "err", err)
			select {
			case <-time.After(b.Duration()):
			case <-c.ctx.Done():
			}
			continue
		}
		res.Body.Close()
		b.Reset()
		c.log.InfoCtx(ctx, "ws: connected")
		c.serve(ctx, conn)
	}
}

func (c *WsClient) serve(ctx context.Context, conn *websocket.Conn) {
	out := utils.NewOutbox[protocol.Records](MAX_OUT_QUEUE_LEN, outboxFeedWait, outboxBatchSize)
	c.lock.Lock()
	c.conn, c.out = conn, out
	c.lock.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := writeFrames(c.ctx, conn, out); err != nil {
			c.log.DebugCtx(ctx, "ws: write failed", "err", err)
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.WarnCtx(ctx, "ws: disconnected", "err", err)
			}
			break
		}
		lit, peer, msg, err := parseFrame(data)
		if err != nil {
			c.log.WarnCtx(ctx, "ws: bad frame", "err", err)
			continue
		}
		c.handle(lit, peer, msg)
	}

	out.Close()
	conn.Close()
	<-done
	c.lock.Lock()
	c.conn, c.out = nil, nil
	var gone []string
	for peer := range c.peers {
		gone = append(gone, peer)
	}
	clear(c.peers)
	onGone := c.onGone
	c.lock.Unlock()
	slices.Sort(gone)
	for _, peer := range gone {
		if onGone != nil {
			onGone(peer)
		}
	}
}

func (c *WsClient) handle(lit byte, peer string, msg []byte) {
	c.lock.Lock()
	onReceive, onGone := c.onReceive, c.onGone
	switch lit {
	case frameJoined:
		c.peers[peer] = struct{}{}
		c.lock.Unlock()
	case frameLeft:
		_, known := c.peers[peer]
		delete(c.peers, peer)
		c.lock.Unlock()
		if known && onGone != nil {
			onGone(peer)
		}
	case frameMessage:
		c.peers[peer] = struct{}{}
		c.lock.Unlock()
		if onReceive != nil {
			onReceive(peer, msg)
		}
	default:
		c.lock.Unlock()
	}
}

// Send addresses msg to one peer; an empty peer means everyone on the
// path. It fails rather than waits while disconnected.
func (c *WsClient) Send(ctx context.Context, peer string, msg []byte) error {
	c.lock.Lock()
	out := c.out
	_, known := c.peers[peer]
	c.lock.Unlock()
	if out == nil {
		return tabby_errors.ErrClosed
	}
	if peer != "" && !known {
		return tabby_errors.ErrPeerUnknown
	}
	return out.Drain(ctx, protocol.Records{messageFrame(peer, msg)})
}

func (c *WsClient) OnReceive(fn func(peer string, msg []byte)) {
	c.lock.Lock()
	c.onReceive = fn
	c.lock.Unlock()
}

func (c *WsClient) OnPeerGone(fn func(peer string)) {
	c.lock.Lock()
	c.onGone = fn
	c.lock.Unlock()
}

func (c *WsClient) Peers() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	peers := make([]string, 0, len(c.peers))
	for peer := range c.peers {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

func (c *WsClient) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.conn != nil
}

func (c *WsClient) Close() error {
	c.cancel()
	c.lock.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.lock.Unlock()
	c.wg.Wait()
	return nil
}
