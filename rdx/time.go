package rdx

import (
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

/*
Time stamps every leaf write of a mergeable store.

	Rev: hybrid logical time, milliseconds<<16 | counter
	Src: the replica that made the write

Times compare lexicographically by (Rev, Src), so two replicas never produce
equal times and every conflict has exactly one winner.
*/
type Time struct {
	Rev int64
	Src uint64
}

const counterBits = 16

var ErrBadTime = errors.New("rdx: bad time")

func (t Time) IsZero() bool {
	return t.Rev == 0 && t.Src == 0
}

func (t Time) Less(o Time) bool {
	if t.Rev != o.Rev {
		return t.Rev < o.Rev
	}
	return t.Src < o.Src
}

func (t Time) Compare(o Time) int {
	switch {
	case t.Less(o):
		return -1
	case o.Less(t):
		return 1
	}
	return 0
}

// MaxTime is the later of a and b.
func MaxTime(a, b Time) Time {
	if a.Less(b) {
		return b
	}
	return a
}

// Bytes is the fixed 16-byte form used as hash input.
func (t Time) Bytes() []byte {
	var ret [16]byte
	binary.BigEndian.PutUint64(ret[:8], uint64(t.Rev))
	binary.BigEndian.PutUint64(ret[8:], t.Src)
	return ret[:]
}

func (t Time) ZipBytes() []byte {
	return ZipIntUint64Pair(t.Rev, t.Src)
}

func TimeFromZipBytes(zip []byte) (t Time) {
	t.Rev, t.Src = UnzipIntUint64Pair(zip)
	return
}

// String is "rev-src" in hex.
func (t Time) String() string {
	var buf [40]byte
	b := strconv.AppendInt(buf[:0], t.Rev, 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, t.Src, 16)
	return string(b)
}

func TimeFromString(s string) (t Time, err error) {
	rev, src, ok := strings.Cut(s, "-")
	if !ok {
		return t, ErrBadTime
	}
	if t.Rev, err = strconv.ParseInt(rev, 16, 64); err != nil {
		return Time{}, ErrBadTime
	}
	if t.Src, err = strconv.ParseUint(src, 16, 64); err != nil {
		return Time{}, ErrBadTime
	}
	return t, nil
}

func (t Time) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Time) UnmarshalText(text []byte) (err error) {
	*t, err = TimeFromString(string(text))
	return
}

// Clock issues the times of one replica.
type Clock interface {
	// See moves the clock past a time received from another replica.
	See(t Time)
	// Now returns a time later than every time issued or seen so far.
	Now() Time
	Src() uint64
}

// HybridClock follows wall-clock milliseconds and falls back to a counter
// when the wall clock stalls or goes backwards.
type HybridClock struct {
	source uint64
	wall   func() time.Time
	last   int64
	lock   sync.Mutex
}

func NewHybridClock(src uint64) *HybridClock {
	return &HybridClock{source: src, wall: time.Now}
}

// NewHybridClockAt is NewHybridClock with a custom wall clock.
func NewHybridClockAt(src uint64, wall func() time.Time) *HybridClock {
	return &HybridClock{source: src, wall: wall}
}

func (c *HybridClock) See(t Time) {
	c.lock.Lock()
	if t.Rev > c.last {
		c.last = t.Rev
	}
	c.lock.Unlock()
}

func (c *HybridClock) Now() Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	rev := c.wall().UnixMilli() << counterBits
	if rev <= c.last {
		rev = c.last + 1
	}
	c.last = rev
	return Time{Rev: rev, Src: c.source}
}

func (c *HybridClock) Src() uint64 {
	return c.source
}

// LogicalClock is a plain Lamport counter; tests use it for reproducible times.
type LogicalClock struct {
	Source uint64
	last   int64
	lock   sync.Mutex
}

func (c *LogicalClock) See(t Time) {
	c.lock.Lock()
	if t.Rev > c.last {
		c.last = t.Rev
	}
	c.lock.Unlock()
}

func (c *LogicalClock) Now() Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.last++
	return Time{Rev: c.last, Src: c.Source}
}

func (c *LogicalClock) Src() uint64 {
	return c.Source
}
