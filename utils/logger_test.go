package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLogger_CtxArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelDebug)
	ctx := WithDefaultArgs(context.Background(), "peer", "a")
	ctx = WithDefaultArgs(ctx, "path", "/")

	log.InfoCtx(ctx, "sync: started", "n", 1)

	out := buf.String()
	assert.Contains(t, out, "[tabby] sync: started")
	assert.Contains(t, out, "peer=a")
	assert.Contains(t, out, "path=/")
	assert.Contains(t, out, "n=1")
}

func TestDefaultLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelWarn)
	log.Debug("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"b": 1, "a": 2, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Equal(t, []string{"a", "b", "c", "d"}, UnionKeys(m, map[string]int{"d": 0, "a": 1}))
	assert.Empty(t, SortedKeys(map[string]int{}))
}
