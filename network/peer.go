package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/tabby/protocol"
	"github.com/drpcorg/tabby/utils"
)

// Peer pumps one connection: the read side splits the byte stream into
// TLV records and drains them into inout, the write side feeds batches
// from inout into the socket with one writev each.
//
// Reads accumulate until bufferMinToProcess bytes or readAccumtTimeLimit,
// whichever comes first; parsing runs on its own goroutine so the next
// buffer fills while the previous one is processed.
type Peer struct {
	name           string
	closed         atomic.Bool
	wg             sync.WaitGroup
	writeBatchSize *utils.AvgVal

	conn                net.Conn
	inout               protocol.FeedDrainCloser
	incomingBuffer      atomic.Int32
	readAccumtTimeLimit time.Duration
	bufferMaxSize       int
	bufferMinToProcess  int
	writeTimeout        time.Duration
}

func (p *Peer) getReadTimeLimit() time.Duration {
	if p.readAccumtTimeLimit != 0 {
		return p.readAccumtTimeLimit
	}
	return 5 * time.Second
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readChannel := make(chan protocol.Records)
	errChannel := make(chan error, 1)
	signal := make(chan struct{})
	defer close(readChannel)
	defer close(signal)
	go func() {
		for ctx.Err() == nil {
			if _, ok := <-signal; !ok {
				return
			}
			recs, ok := <-readChannel
			if !ok {
				return
			}
			if len(recs) == 0 {
				continue
			}
			if err := p.inout.Drain(ctx, recs); err != nil {
				errChannel <- err
				return
			}
		}
	}()
	var timelimit *time.Time
	for !p.closed.Load() {
		select {
		case err := <-errChannel:
			return err
		default:
		}
		if buf.Len() <= p.bufferMaxSize {
			if buf.Available() < TYPICAL_MTU {
				buf.Grow(TYPICAL_MTU)
			}

			idle := buf.AvailableBuffer()[:buf.Available()]
			if timelimit == nil {
				t := time.Now().Add(p.getReadTimeLimit())
				timelimit = &t
			}
			p.conn.SetReadDeadline(*timelimit)
			if n, err := p.conn.Read(idle); err != nil {
				if errors.Is(err, io.EOF) {
					return err
				}
				if !errors.Is(err, os.ErrDeadlineExceeded) {
					return err
				}
			} else {
				buf.Write(idle[:n])
			}
		}
		p.incomingBuffer.Store(int32(buf.Len()))

		due := timelimit != nil && time.Now().After(*timelimit)
		if buf.Len() > 0 && (due || buf.Len() >= p.bufferMinToProcess || buf.Len() >= p.bufferMaxSize) {
			select {
			case signal <- struct{}{}:
				recs, err := protocol.Split(&buf)
				if err != nil {
					return err
				}
				if len(recs) == 0 && buf.Len() >= p.bufferMaxSize {
					return fmt.Errorf("buffer is not enough to read packet of %d bytes", buf.Len())
				}
				readChannel <- recs
				timelimit = nil
			case <-ctx.Done():
				return nil
			default:
			}
		} else if due {
			timelimit = nil
		}
	}

	return nil
}

func (p *Peer) GetIncomingPacketBufferSize() int32 {
	return p.incomingBuffer.Load()
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		recs, err := p.inout.Feed(ctx)
		if err != nil {
			if p.closed.Load() {
				return nil
			}
			return err
		}
		if len(recs) == 0 {
			continue
		}
		p.writeBatchSize.Add(float64(recs.TotalLen()))

		b := net.Buffers(recs)
		if p.writeTimeout != 0 {
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		for len(b) > 0 {
			if _, err = b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}

	return nil
}

// Keep runs both pumps until either fails or ctx ends. The write side
// closes the connection on exit, which also stops the read side; a
// closed-connection read error is therefore not reported.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(2)
	defer p.wg.Add(-2)

	if p.closed.Load() {
		return nil, nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) || errors.Is(rerr, io.EOF) {
				rerr = nil
			}
			cancel()
		case werr = <-writeErrCh:
			cerr = p.conn.Close()
		}

		p.closed.Store(true)
	}
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	p.wg.Wait()

	if p.conn != nil {
		p.conn.Close()
	}
	p.inout.Close()
}
