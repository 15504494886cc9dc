package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/drpcorg/tabby"
	"github.com/drpcorg/tabby/persister"
	"github.com/drpcorg/tabby/rdx"
	"github.com/drpcorg/tabby/tabby_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"state.json", "state.json.sz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			b := New(path)
			_, err := b.Get(ctx)
			assert.ErrorIs(t, err, tabby_errors.ErrNothingPersisted)

			s := tabby.NewStore(tabby.Options{})
			s.SetCell("pets", "fido", "legs", rdx.Num(4)).SetValue("note", rdx.Null())
			require.NoError(t, persister.New(s, b, persister.Options{}).Save(ctx))

			back := tabby.NewStore(tabby.Options{})
			require.NoError(t, persister.New(back, New(path), persister.Options{}).Load(ctx))
			assert.True(t, s.GetContent().Equal(back.GetContent()))
		})
	}
}

func TestFile_Mergeable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replica.json.sz")
	a := tabby.NewMergeableStore(1, tabby.Options{})
	a.SetRow("pets", "fido", rdx.Row{"legs": rdx.Num(4), "name": rdx.Str("Fido")})
	require.NoError(t, persister.NewMergeable(a, New(path), persister.Options{}).Save(ctx))

	b := tabby.NewMergeableStore(2, tabby.Options{})
	require.NoError(t, persister.NewMergeable(b, New(path), persister.Options{}).Load(ctx))
	assert.Equal(t, a.GetContentHash(), b.GetContentHash())
}

func TestFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	_, err := New(path).Get(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, tabby_errors.ErrNothingPersisted)
}
