// Package file keeps persisted content in one JSON file, optionally
// snappy-compressed.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/drpcorg/tabby/persister"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

type Backend struct {
	path   string
	snappy bool
}

// New keeps content at path. Names ending in ".sz" are snappy-compressed.
func New(path string) *Backend {
	return &Backend{path: path, snappy: filepath.Ext(path) == ".sz"}
}

func (b *Backend) Path() string {
	return b.path
}

func (b *Backend) Get(context.Context) (*persister.Persisted, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, tabby_errors.ErrNothingPersisted
	}
	if err != nil {
		return nil, errors.Wrap(err, "read "+b.path)
	}
	if b.snappy {
		if data, err = snappy.Decode(nil, data); err != nil {
			return nil, errors.Wrap(err, "decompress "+b.path)
		}
	}
	if len(data) == 0 {
		return nil, tabby_errors.ErrNothingPersisted
	}
	p := &persister.Persisted{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "parse "+b.path)
	}
	return p, nil
}

// Set writes a sibling temp file and renames it over the target, so a
// reader never sees half a file.
func (b *Backend) Set(_ context.Context, p *persister.Persisted) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	if b.snappy {
		data = snappy.Encode(nil, data)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write "+tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close "+tmp.Name())
	}
	return errors.Wrap(os.Rename(tmp.Name(), b.path), "rename to "+b.path)
}

func (b *Backend) Close() error {
	return nil
}
