package rdx

import (
	"encoding/binary"
)

func byteLen(n uint64) int {
	switch {
	case n == 0:
		return 0
	case n <= 0xff:
		return 1
	case n <= 0xffff:
		return 2
	case n <= 0xffffffff:
		return 4
	default:
		return 8
	}
}

// pairLayouts lists the byte widths of (big, lil) for every encoded length.
// The total length alone tells the decoder which layout was used.
var pairLayouts = [...][3]int{
	{0, 0, 0}, {1, 1, 0}, {2, 1, 1}, {3, 2, 1}, {4, 2, 2}, {5, 4, 1},
	{6, 4, 2}, {8, 4, 4}, {9, 8, 1}, {10, 8, 2}, {12, 8, 4}, {16, 8, 8},
}

func putWidth(buf []byte, n uint64, w int) {
	switch w {
	case 1:
		buf[0] = byte(n)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(n))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(n))
	case 8:
		binary.LittleEndian.PutUint64(buf, n)
	}
}

func getWidth(buf []byte, w int) uint64 {
	switch w {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	return 0
}

// ZipUint64Pair packs two uints; the smaller the ints, the shorter the string.
func ZipUint64Pair(big, lil uint64) []byte {
	bw, lw := byteLen(big), byteLen(lil)
	for _, l := range pairLayouts {
		if l[1] >= bw && l[2] >= lw {
			ret := make([]byte, l[0])
			putWidth(ret, big, l[1])
			putWidth(ret[l[1]:], lil, l[2])
			return ret
		}
	}
	panic("unreachable")
}

func UnzipUint64Pair(buf []byte) (big, lil uint64) {
	for _, l := range pairLayouts {
		if l[0] == len(buf) {
			return getWidth(buf, l[1]), getWidth(buf[l[1]:], l[2])
		}
	}
	return 0, 0
}

func ZipZagInt64(i int64) uint64 {
	return uint64(i<<1) ^ uint64(i>>63)
}

func ZagZigUint64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func ZipIntUint64Pair(i int64, u uint64) []byte {
	return ZipUint64Pair(ZipZagInt64(i), u)
}

func UnzipIntUint64Pair(buf []byte) (i int64, u uint64) {
	z, u := UnzipUint64Pair(buf)
	return ZagZigUint64(z), u
}
