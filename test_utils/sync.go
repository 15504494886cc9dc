package testutils

import (
	"context"
	"log/slog"
	"time"

	"github.com/drpcorg/tabby"
	"github.com/drpcorg/tabby/network"
	"github.com/drpcorg/tabby/replication"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/drpcorg/tabby/utils"
)

func contentHash(ms *tabby.MergeableStore) uint64 {
	locker := ms.Locker()
	locker.Lock()
	defer locker.Unlock()
	return ms.GetContentHash()
}

// SyncData runs one sync round between a and b over a private bus and
// waits for both to hold the same content, or for the timeout.
func SyncData(a, b *tabby.MergeableStore, timeout time.Duration) error {
	bus := network.NewLocalBus()
	endA, err := bus.Join("a")
	if err != nil {
		return err
	}
	defer endA.Close()
	endB, err := bus.Join("b")
	if err != nil {
		return err
	}
	defer endB.Close()

	opts := replication.Options{
		Logger:         utils.NewDefaultLogger(slog.LevelError),
		RequestTimeout: timeout,
	}
	synca := replication.NewSyncer(a, endA, opts)
	defer synca.Destroy()
	syncb := replication.NewSyncer(b, endB, opts)
	defer syncb.Destroy()

	ctx := context.Background()
	if err := synca.StartSync(ctx); err != nil {
		return err
	}
	if err := syncb.StartSync(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for contentHash(a) != contentHash(b) {
		if time.Now().After(deadline) {
			return tabby_errors.ErrRequestTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}
