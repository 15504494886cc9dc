package network

import (
	"context"
	"slices"
	"sync"

	"github.com/drpcorg/tabby/tabby_errors"
)

// LocalBus connects endpoints of one process. Delivery is asynchronous
// and in order per endpoint: each endpoint runs its callbacks on its own
// goroutine, so a receiver may send while handling a message.
type LocalBus struct {
	lock sync.Mutex
	ends map[string]*LocalEndpoint
}

func NewLocalBus() *LocalBus {
	return &LocalBus{ends: make(map[string]*LocalEndpoint)}
}

type delivery struct {
	from string
	msg  []byte
	gone bool
}

type LocalEndpoint struct {
	bus  *LocalBus
	name string

	lock      sync.Mutex
	inbox     []delivery
	closed    bool
	onReceive func(peer string, msg []byte)
	onGone    func(peer string)

	signal chan struct{}
	done   chan struct{}
}

// Join adds an endpoint; a taken name is an error.
func (b *LocalBus) Join(name string) (*LocalEndpoint, error) {
	if name == "" {
		panic(tabby_errors.ErrEmptyID)
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.ends[name]; ok {
		return nil, ErrAddressDuplicated
	}
	e := &LocalEndpoint{
		bus:    b,
		name:   name,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.ends[name] = e
	go e.loop()
	return e, nil
}

func (e *LocalEndpoint) Name() string {
	return e.name
}

func (e *LocalEndpoint) post(d delivery) bool {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return false
	}
	e.inbox = append(e.inbox, d)
	select {
	case e.signal <- struct{}{}:
	default:
	}
	e.lock.Unlock()
	return true
}

func (e *LocalEndpoint) loop() {
	defer close(e.done)
	for range e.signal {
		for {
			e.lock.Lock()
			if e.closed || len(e.inbox) == 0 {
				closed := e.closed
				e.lock.Unlock()
				if closed {
					return
				}
				break
			}
			d := e.inbox[0]
			e.inbox = e.inbox[1:]
			onReceive, onGone := e.onReceive, e.onGone
			e.lock.Unlock()
			switch {
			case d.gone && onGone != nil:
				onGone(d.from)
			case !d.gone && onReceive != nil:
				onReceive(d.from, d.msg)
			}
		}
	}
}

func (e *LocalEndpoint) Send(_ context.Context, peer string, msg []byte) error {
	e.bus.lock.Lock()
	to, ok := e.bus.ends[peer]
	self := e.bus.ends[e.name] == e
	e.bus.lock.Unlock()
	if !self {
		return tabby_errors.ErrClosed
	}
	if !ok || !to.post(delivery{from: e.name, msg: slices.Clone(msg)}) {
		return tabby_errors.ErrPeerUnknown
	}
	return nil
}

func (e *LocalEndpoint) OnReceive(fn func(peer string, msg []byte)) {
	e.lock.Lock()
	e.onReceive = fn
	e.lock.Unlock()
}

func (e *LocalEndpoint) OnPeerGone(fn func(peer string)) {
	e.lock.Lock()
	e.onGone = fn
	e.lock.Unlock()
}

func (e *LocalEndpoint) Peers() []string {
	e.bus.lock.Lock()
	defer e.bus.lock.Unlock()
	peers := make([]string, 0, len(e.bus.ends))
	for name := range e.bus.ends {
		if name != e.name {
			peers = append(peers, name)
		}
	}
	slices.Sort(peers)
	return peers
}

// Close leaves the bus; the others learn the peer is gone. Messages
// still queued for this endpoint are dropped. Close waits for the
// running callback, so it must not be called from one.
func (e *LocalEndpoint) Close() error {
	e.bus.lock.Lock()
	if e.bus.ends[e.name] != e {
		e.bus.lock.Unlock()
		return nil
	}
	delete(e.bus.ends, e.name)
	others := make([]*LocalEndpoint, 0, len(e.bus.ends))
	for _, o := range e.bus.ends {
		others = append(others, o)
	}
	e.bus.lock.Unlock()

	for _, o := range others {
		o.post(delivery{from: e.name, gone: true})
	}
	e.lock.Lock()
	e.closed = true
	e.inbox = nil
	close(e.signal)
	e.lock.Unlock()
	<-e.done
	return nil
}
