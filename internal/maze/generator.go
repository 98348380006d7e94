// Package maze makes the structural decisions of the procedurally generated
// corridor-and-room world. Every decision is a pure function of (x, z, seed):
// each one draws from its own stream keyed by a decision suffix, so the result
// never depends on the order decisions are evaluated in.
package maze

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

const (
	roomProbability = 0.45
	exitProbability = 0.5

	minRoomSize = 3
	maxRoomSize = 9
)

// HashSeed folds a string into a 32-bit seed (xmur3-style: multiply, rotate, avalanche).
func HashSeed(s string) uint32 {
	h := uint32(1779033703) ^ uint32(len(s))
	for i := 0; i < len(s); i++ {
		h = (h ^ uint32(s[i])) * 3432918353
		h = h<<13 | h>>19
	}
	h = (h ^ h>>16) * 2246822507
	h = (h ^ h>>13) * 3266489909
	return h ^ h>>16
}

// Stream is a mulberry32 generator. Not safe for concurrent use.
type Stream struct {
	state uint32
}

func NewStream(seed string) *Stream {
	return &Stream{state: HashSeed(seed)}
}

// Float returns the next value in [0, 1).
func (s *Stream) Float() float64 {
	s.state += 0x6d2b79f5
	t := s.state
	t = (t ^ t>>15) * (t | 1)
	t ^= t + (t^t>>7)*(t|61)
	return float64(t^t>>14) / 4294967296.0
}

// Intn returns the next value in [0, n).
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	v := int(s.Float() * float64(n))
	if v >= n {
		v = n - 1
	}
	return v
}

func decision(x, z int, seed, suffix string) *Stream {
	return NewStream(seed + ":" + strconv.Itoa(x) + ":" + strconv.Itoa(z) + ":" + suffix)
}

// RoomExists reports whether chunk (x, z) holds a room. The spawn chunk always does.
func RoomExists(x, z int, seed string) bool {
	if x == 0 && z == 0 {
		return true
	}
	return decision(x, z, seed, "room").Float() < roomProbability
}

type Exits struct {
	East  bool `json:"east"`
	North bool `json:"north"`
	West  bool `json:"west"`
}

func (e Exits) Count() int {
	n := 0
	for _, open := range []bool{e.East, e.North, e.West} {
		if open {
			n++
		}
	}
	return n
}

// GetRoomExits decides which exits of the room at (x, z) are open. A room is
// never left without an exit: if every direction rolls closed, one of the three
// is opened using a separate fallback draw.
func GetRoomExits(x, z int, seed string) Exits {
	exits := Exits{
		East:  decision(x, z, seed, "exit-east").Float() < exitProbability,
		North: decision(x, z, seed, "exit-north").Float() < exitProbability,
		West:  decision(x, z, seed, "exit-west").Float() < exitProbability,
	}
	if exits.Count() > 0 {
		return exits
	}
	switch decision(x, z, seed, "exit-fallback").Intn(3) {
	case 0:
		exits.East = true
	case 1:
		exits.North = true
	default:
		exits.West = true
	}
	return exits
}

// RoomDimensions returns odd width and depth in [minRoomSize, maxRoomSize].
func RoomDimensions(x, z int, seed string) (width, depth int) {
	steps := (maxRoomSize-minRoomSize)/2 + 1
	width = minRoomSize + 2*decision(x, z, seed, "room-width").Intn(steps)
	depth = minRoomSize + 2*decision(x, z, seed, "room-depth").Intn(steps)
	return width, depth
}

// Layout is every structural decision for one chunk.
type Layout struct {
	X     int    `json:"x"`
	Z     int    `json:"z"`
	Seed  string `json:"seed"`
	Room  bool   `json:"room"`
	Exits Exits  `json:"exits"`
	Width int    `json:"width,omitempty"`
	Depth int    `json:"depth,omitempty"`
}

func GenerateLayout(x, z int, seed string) Layout {
	l := Layout{X: x, Z: z, Seed: seed, Room: RoomExists(x, z, seed)}
	if l.Room {
		l.Exits = GetRoomExits(x, z, seed)
		l.Width, l.Depth = RoomDimensions(x, z, seed)
	} else {
		// Corridor chunks run north.
		l.Exits = Exits{North: true}
	}
	return l
}

// Digest is the hex SHA-256 of the layout's canonical form. It identifies the
// committed chunk state.
func (l Layout) Digest() string {
	canonical := fmt.Sprintf("v1|%s|%d|%d|%t|%t|%t|%t|%d|%d",
		l.Seed, l.X, l.Z, l.Room, l.Exits.East, l.Exits.North, l.Exits.West, l.Width, l.Depth)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
