package network

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/drpcorg/tabby/protocol"
	"github.com/drpcorg/tabby/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// WsServer relays frames between the clients of one URL path. It keeps
// no store of its own: a client learns the others from join and leave
// frames and addresses its messages to them by id.
type WsServer struct {
	log      utils.Logger
	upgrader websocket.Upgrader
	stats    *ServerStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock  sync.Mutex
	rooms map[string]map[string]*wsConn
	conns *xsync.MapOf[string, *wsConn]
}

type wsConn struct {
	id   string
	path string
	conn *websocket.Conn
	out  *utils.Outbox[protocol.Records]
}

func NewWsServer(log utils.Logger) *WsServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &WsServer{
		log: utils.OrDefault(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stats:  NewServerStats(),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]map[string]*wsConn),
		conns:  xsync.NewMapOf[string, *wsConn](),
	}
}

func (s *WsServer) Stats() *ServerStats {
	return s.stats
}

func (s *WsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws: upgrade failed", "path", path, "err", err)
		return
	}
	c := &wsConn{
		id:   uuid.Must(uuid.NewV7()).String(),
		path: path,
		conn: conn,
		out:  utils.NewOutbox[protocol.Records](MAX_OUT_QUEUE_LEN, outboxFeedWait, outboxBatchSize),
	}
	ctx := utils.WithDefaultArgs(context.Background(), "path", path, "client", c.id)
	s.log.InfoCtx(ctx, "ws: client joined")

	s.wg.Add(1)
	defer s.wg.Done()
	s.join(c)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := writeFrames(s.ctx, conn, c.out); err != nil {
			s.log.DebugCtx(ctx, "ws: write failed", "err", err)
		}
		conn.Close()
	}()
	s.relay(ctx, c)
	s.leave(c)
	c.out.Close()
	conn.Close()
	<-done
	s.log.InfoCtx(ctx, "ws: client left")
}

func (s *WsServer) join(c *wsConn) {
	s.lock.Lock()
	room, ok := s.rooms[c.path]
	if !ok {
		room = make(map[string]*wsConn)
		s.rooms[c.path] = room
	}
	for id, other := range room {
		other.out.Drain(s.ctx, protocol.Records{protocol.Record(frameJoined, []byte(c.id))})
		c.out.Drain(s.ctx, protocol.Records{protocol.Record(frameJoined, []byte(id))})
	}
	room[c.id] = c
	s.conns.Store(c.id, c)
	s.lock.Unlock()
	s.stats.join(c.path, c.id)
}

func (s *WsServer) leave(c *wsConn) {
	s.lock.Lock()
	room := s.rooms[c.path]
	delete(room, c.id)
	if len(room) == 0 {
		delete(s.rooms, c.path)
	}
	for _, other := range room {
		other.out.Drain(s.ctx, protocol.Records{protocol.Record(frameLeft, []byte(c.id))})
	}
	s.conns.Delete(c.id)
	s.lock.Unlock()
	s.stats.leave(c.path, c.id)
}

func (s *WsServer) relay(ctx context.Context, c *wsConn) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.DebugCtx(ctx, "ws: read failed", "err", err)
			}
			return
		}
		lit, to, msg, err := parseFrame(data)
		if err != nil || lit != frameMessage {
			WsFrames.WithLabelValues("bad").Inc()
			s.log.WarnCtx(ctx, "ws: bad frame", "err", err)
			continue
		}
		frame := protocol.Records{messageFrame(c.id, msg)}
		s.lock.Lock()
		room := s.rooms[c.path]
		var targets []*wsConn
		if to == "" {
			for id, other := range room {
				if id != c.id {
					targets = append(targets, other)
				}
			}
		} else if other, ok := room[to]; ok && to != c.id {
			targets = append(targets, other)
		}
		s.lock.Unlock()
		if len(targets) == 0 {
			WsFrames.WithLabelValues("dropped").Inc()
			continue
		}
		for _, other := range targets {
			if err := other.out.Drain(s.ctx, frame); err != nil {
				WsFrames.WithLabelValues("overflow").Inc()
				s.log.WarnCtx(ctx, "ws: client lags behind", "to", other.id, "err", err)
				continue
			}
			WsFrames.WithLabelValues("relayed").Inc()
		}
	}
}

// Close disconnects every client and waits for their handlers.
func (s *WsServer) Close() error {
	s.cancel()
	s.conns.Range(func(_ string, c *wsConn) bool {
		c.conn.Close()
		return true
	})
	s.wg.Wait()
	return nil
}

// writeFrames sends queued records, one binary message each, until the
// outbox closes or ctx ends.
func writeFrames(ctx context.Context, conn *websocket.Conn, out *utils.Outbox[protocol.Records]) error {
	for ctx.Err() == nil {
		recs, err := out.Feed(ctx)
		if err != nil {
			if errors.Is(err, utils.ErrClosed) {
				return nil
			}
			return err
		}
		for _, rec := range recs {
			if err := conn.WriteMessage(websocket.BinaryMessage, rec); err != nil {
				return err
			}
		}
	}
	return nil
}
