// Package persister connects a store to a backend that keeps its content
// between runs: files, pebble or sqlite.
//
// Backend I/O never runs under the store lock. Save snapshots the content
// under the lock and writes it afterwards; Load reads first and applies
// the result under the lock in one transaction.
package persister

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/tabby"
	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
)

// Persisted is what a backend keeps: the plain content of a Store, or the
// stamped tree of a MergeableStore.
type Persisted struct {
	Content   *rdx.Content `json:"content,omitempty"`
	Mergeable *rdx.Stamp   `json:"mergeable,omitempty"`
}

// Backend stores one Persisted. Get returns ErrNothingPersisted when
// there is nothing yet.
type Backend interface {
	Get(ctx context.Context) (*Persisted, error)
	Set(ctx context.Context, p *Persisted) error
	Close() error
}

type Options struct {
	Logger         utils.Logger
	OnIgnoredError func(err error)
	// AutoLoadInterval is how often auto-load polls the backend.
	AutoLoadInterval time.Duration
}

func (o *Options) SetDefaults() {
	o.Logger = utils.OrDefault(o.Logger)
	if o.OnIgnoredError == nil {
		o.OnIgnoredError = func(error) {}
	}
	if o.AutoLoadInterval <= 0 {
		o.AutoLoadInterval = time.Second
	}
}

type Stats struct {
	Loads uint64 `json:"loads"`
	Saves uint64 `json:"saves"`
}

type Persister struct {
	opts      Options
	log       utils.Logger
	store     *tabby.Store
	mergeable *tabby.MergeableStore
	backend   Backend

	// loading is set while a load applies content, under the store lock
	loading bool

	lock     sync.Mutex
	loadGen  uint64
	loadStop context.CancelFunc
	saving   bool
	saveID   tabby.ListenerID
	dirty    chan struct{}
	saveStop context.CancelFunc
	saveDone chan struct{}
	wg       sync.WaitGroup

	loads atomic.Uint64
	saves atomic.Uint64
}

// New persists the plain content of store.
func New(store *tabby.Store, backend Backend, opts Options) *Persister {
	opts.SetDefaults()
	return &Persister{opts: opts, log: opts.Logger, store: store, backend: backend}
}

// NewMergeable persists the stamped content of ms, so that a reload keeps
// every stamp and hash.
func NewMergeable(ms *tabby.MergeableStore, backend Backend, opts Options) *Persister {
	p := New(ms.Store, backend, opts)
	p.mergeable = ms
	return p
}

func (p *Persister) ignored(err error) {
	p.log.Warn("persister: backend error", "err", err)
	p.opts.OnIgnoredError(err)
}

func (p *Persister) Store() *tabby.Store {
	return p.store
}

func (p *Persister) GetStats() Stats {
	return Stats{Loads: p.loads.Load(), Saves: p.saves.Load()}
}

// Load replaces the store content with what the backend holds. Nothing
// persisted leaves the store as is. Backend errors are also returned.
func (p *Persister) Load(ctx context.Context) error {
	return p.load(ctx, nil, func() bool { return true })
}

func (p *Persister) load(ctx context.Context, def *rdx.Content, live func() bool) error {
	got, err := p.backend.Get(ctx)
	if errors.Is(err, tabby_errors.ErrNothingPersisted) {
		got, err = nil, nil
	}
	if err != nil {
		p.ignored(err)
		return err
	}
	locker := p.store.Locker()
	locker.Lock()
	defer locker.Unlock()
	if !live() {
		return nil
	}
	p.loading = true
	defer func() { p.loading = false }()
	switch {
	case got == nil:
		if def != nil {
			p.store.SetContent(*def)
		}
	case p.mergeable != nil && got.Mergeable != nil:
		if p.mergeable.GetContentHash() == rdx.EmptyRoot().Hash {
			p.mergeable.SetMergeableContent(got.Mergeable)
		} else {
			p.mergeable.ApplyMergeableChanges(got.Mergeable)
		}
	case got.Content != nil:
		p.store.SetContent(*got.Content)
	case got.Mergeable != nil:
		p.store.SetContent(rdx.ContentOf(got.Mergeable))
	}
	p.loads.Add(1)
	return nil
}

func (p *Persister) snapshot() *Persisted {
	if p.mergeable != nil {
		return &Persisted{Mergeable: p.mergeable.GetMergeableContent()}
	}
	content := p.store.GetContent()
	return &Persisted{Content: &content}
}

// Save writes the current content to the backend.
func (p *Persister) Save(ctx context.Context) error {
	locker := p.store.Locker()
	locker.Lock()
	snap := p.snapshot()
	locker.Unlock()
	return p.save(ctx, snap)
}

func (p *Persister) save(ctx context.Context, snap *Persisted) error {
	if err := p.backend.Set(ctx, snap); err != nil {
		p.ignored(err)
		return err
	}
	p.saves.Add(1)
	return nil
}

// StartAutoLoad loads now, falling back to def when nothing is persisted,
// then polls the backend until StopAutoLoad.
func (p *Persister) StartAutoLoad(ctx context.Context, def *rdx.Content) error {
	p.StopAutoLoad()
	p.lock.Lock()
	p.loadGen++
	gen := p.loadGen
	ctx, cancel := context.WithCancel(ctx)
	p.loadStop = cancel
	p.lock.Unlock()

	live := func() bool {
		p.lock.Lock()
		defer p.lock.Unlock()
		return p.loadGen == gen && ctx.Err() == nil
	}
	err := p.load(ctx, def, live)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.AutoLoadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = p.load(ctx, nil, live)
			}
		}
	}()
	return err
}

// StopAutoLoad is idempotent; a poll already reading the backend when it
// is called applies nothing.
func (p *Persister) StopAutoLoad() {
	p.lock.Lock()
	p.loadGen++
	stop := p.loadStop
	p.loadStop = nil
	p.lock.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *Persister) IsAutoLoading() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.loadStop != nil
}

// StartAutoSave saves now and after every transaction that changed the
// store, except those applying a load. Writes are coalesced: a slow
// backend sees the latest content, not every step.
func (p *Persister) StartAutoSave(ctx context.Context) error {
	p.StopAutoSave()
	ctx, cancel := context.WithCancel(ctx)
	dirty := make(chan struct{}, 1)
	done := make(chan struct{})

	locker := p.store.Locker()
	locker.Lock()
	p.lock.Lock()
	p.saving = true
	p.dirty = dirty
	p.saveStop = cancel
	p.saveDone = done
	p.saveID = p.store.AddDidFinishTransactionListener(tabby.ListenerFunc(p.changed))
	p.lock.Unlock()
	snap := p.snapshot()
	locker.Unlock()
	err := p.save(ctx, snap)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-dirty:
			}
			// StopAutoSave cancels under the store lock, so a live ctx
			// here means the stop has not begun
			locker.Lock()
			if ctx.Err() != nil {
				locker.Unlock()
				return
			}
			snap := p.snapshot()
			locker.Unlock()
			_ = p.save(ctx, snap)
		}
	}()
	return err
}

func (p *Persister) changed(_ *tabby.Store, _ tabby.Event) {
	if p.loading {
		return
	}
	p.lock.Lock()
	dirty := p.dirty
	p.lock.Unlock()
	if dirty == nil {
		return
	}
	select {
	case dirty <- struct{}{}:
	default:
	}
}

// StopAutoSave is idempotent. It returns after the last save it let
// through has finished, so it must not be called while holding the store
// lock.
func (p *Persister) StopAutoSave() {
	locker := p.store.Locker()
	locker.Lock()
	p.lock.Lock()
	stop, done, was := p.saveStop, p.saveDone, p.saving
	if was {
		p.store.DelListener(p.saveID)
	}
	if stop != nil {
		stop()
	}
	p.saving, p.dirty, p.saveStop, p.saveDone = false, nil, nil, nil
	p.lock.Unlock()
	locker.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Persister) IsAutoSaving() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.saving
}

// Destroy stops both loops, waits for them and closes the backend.
func (p *Persister) Destroy() error {
	p.StopAutoLoad()
	p.StopAutoSave()
	p.wg.Wait()
	return p.backend.Close()
}
