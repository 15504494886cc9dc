package persister

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/drpcorg/tabby/tabby_errors"
)

// Memory keeps the JSON form of the last save. Several persisters may
// share one, which is how tests stand in for a shared file.
type Memory struct {
	lock sync.Mutex
	data []byte
	err  error
}

func (m *Memory) Get(context.Context) (*Persisted, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.data == nil {
		return nil, tabby_errors.ErrNothingPersisted
	}
	p := &Persisted{}
	if err := json.Unmarshal(m.data, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Memory) Set(_ context.Context, p *Persisted) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data = data
	return nil
}

// Fail makes every later call return err, nil heals.
func (m *Memory) Fail(err error) {
	m.lock.Lock()
	m.err = err
	m.lock.Unlock()
}

func (m *Memory) Close() error {
	return nil
}
