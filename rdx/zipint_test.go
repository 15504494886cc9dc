package rdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZipUint64Pair(t *testing.T) {
	cases := [][3]uint64{
		{0, 0, 0},
		{1, 0, 1},
		{1, 1, 2},
		{0x100, 1, 3},
		{0x100, 0x100, 4},
		{0x10000, 1, 5},
		{0x10000, 0x100, 6},
		{1, 0x10000, 8},
		{1 << 40, 1, 9},
		{1 << 40, 0x100, 10},
		{1 << 40, 0x10000, 12},
		{1 << 40, 1 << 40, 16},
	}
	for _, c := range cases {
		zip := ZipUint64Pair(c[0], c[1])
		assert.Len(t, zip, int(c[2]))
		big, lil := UnzipUint64Pair(zip)
		assert.Equal(t, c[0], big)
		assert.Equal(t, c[1], lil)
	}
}

func TestZipIntUint64Pair(t *testing.T) {
	for _, i := range []int64{0, -1, 1, -1000, 1 << 50, -(1 << 50)} {
		zip := ZipIntUint64Pair(i, 7)
		back, src := UnzipIntUint64Pair(zip)
		assert.Equal(t, i, back)
		assert.Equal(t, uint64(7), src)
	}
}
