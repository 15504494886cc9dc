package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("[tabby] outbox is closed")
var ErrOverflow = errors.New("[tabby] outbox is overflowed")

// Outbox is a bounded feed/drain queue of records. Drain never waits:
// a writer that would exceed the byte limit gets ErrOverflow and the
// records are not queued. Feed waits up to the time limit for data
// and hands out batches of about batchSize bytes, at least one record.
type Outbox[T ~[][]byte] struct {
	lock      sync.Mutex
	recs      T
	size      int
	maxSize   int
	batchSize int
	timelimit time.Duration
	closed    bool
	signal    chan struct{}
}

func NewOutbox[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *Outbox[T] {
	return &Outbox[T]{
		maxSize:   limit,
		timelimit: timelimit,
		batchSize: batchSize,
		signal:    make(chan struct{}, 1),
	}
}

func (q *Outbox[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Outbox[T]) Close() error {
	q.lock.Lock()
	q.closed = true
	q.recs, q.size = nil, 0
	q.lock.Unlock()
	q.wake()
	return nil
}

// Size is the number of queued bytes.
func (q *Outbox[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *Outbox[T]) Drain(_ context.Context, recs T) error {
	total := 0
	for _, rec := range recs {
		total += len(rec)
	}
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return ErrClosed
	}
	if q.size+total > q.maxSize {
		q.lock.Unlock()
		return ErrOverflow
	}
	q.recs = append(q.recs, recs...)
	q.size += total
	q.lock.Unlock()
	q.wake()
	return nil
}

// Feed returns nil records and no error when the time limit passes
// with nothing queued, so the caller may check its own state.
func (q *Outbox[T]) Feed(ctx context.Context) (recs T, err error) {
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	for {
		q.lock.Lock()
		if q.closed {
			q.lock.Unlock()
			return nil, ErrClosed
		}
		if len(q.recs) > 0 {
			n, payload := 0, 0
			for n < len(q.recs) && (n == 0 || payload+len(q.recs[n]) <= q.batchSize) {
				payload += len(q.recs[n])
				n++
			}
			recs = append(recs, q.recs[:n]...)
			q.recs = q.recs[n:]
			q.size -= payload
			if len(q.recs) > 0 {
				q.wake()
			}
			q.lock.Unlock()
			return recs, nil
		}
		q.lock.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, nil
		case <-timer.C:
			return nil, nil
		}
	}
}
