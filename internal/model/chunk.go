package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkKey identifies a chunk by its integer chunk coordinates.
type ChunkKey struct {
	X int `json:"x" yaml:"x"`
	Z int `json:"z" yaml:"z"`
}

// String returns the canonical "x,z" form used for deduplication.
func (k ChunkKey) String() string {
	return strconv.Itoa(k.X) + "," + strconv.Itoa(k.Z)
}

func ParseChunkKey(s string) (ChunkKey, error) {
	xs, zs, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return ChunkKey{}, fmt.Errorf("invalid chunk key %q: missing comma", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return ChunkKey{}, fmt.Errorf("invalid chunk key %q: x: %w", s, err)
	}
	z, err := strconv.Atoi(strings.TrimSpace(zs))
	if err != nil {
		return ChunkKey{}, fmt.Errorf("invalid chunk key %q: z: %w", s, err)
	}
	return ChunkKey{X: x, Z: z}, nil
}

// ChunkAt maps a world position to the chunk containing it.
// Negative coordinates floor toward negative infinity.
func ChunkAt(worldX, worldZ float64, chunkSize int) ChunkKey {
	return ChunkKey{X: floorDiv(worldX, chunkSize), Z: floorDiv(worldZ, chunkSize)}
}

func floorDiv(v float64, size int) int {
	if size <= 0 {
		size = 1
	}
	q := v / float64(size)
	i := int(q)
	if float64(i) > q {
		i--
	}
	return i
}
