package topology

import "fmt"

// encodeRankInfo/decodeRankInfo serialise a rankInfo as a flat int32 array
// (coord..., localSize...) — a fixed, dependency-free wire format so the
// allgather payload needs no reflection-based codec for a handful of ints.
func encodeRankInfo(info rankInfo) []byte {
	n := len(info.Coord)
	out := make([]byte, 4*(1+2*n))
	putInt32(out[0:], int32(n))
	for i, v := range info.Coord {
		putInt32(out[4+4*i:], int32(v))
	}
	for i, v := range info.LocalSize {
		putInt32(out[4+4*n+4*i:], int32(v))
	}
	return out
}

func decodeRankInfo(buf []byte, expectN int) (rankInfo, error) {
	if len(buf) < 4 {
		return rankInfo{}, fmt.Errorf("truncated rank info")
	}
	n := int(getInt32(buf[0:]))
	if n != expectN {
		return rankInfo{}, fmt.Errorf("dimension count mismatch: got %d want %d", n, expectN)
	}
	if len(buf) < 4*(1+2*n) {
		return rankInfo{}, fmt.Errorf("truncated rank info body")
	}
	coord := make([]int, n)
	size := make([]int, n)
	for i := 0; i < n; i++ {
		coord[i] = int(getInt32(buf[4+4*i:]))
		size[i] = int(getInt32(buf[4+4*n+4*i:]))
	}
	return rankInfo{Coord: coord, LocalSize: size}, nil
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getInt32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}
