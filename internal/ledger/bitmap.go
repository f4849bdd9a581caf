package ledger

import (
	"fmt"
	"math/bits"

	"github.com/0xarbor/mars-core/internal/state"
)

// PositionSet is a fixed-width bit-set over market indices: bit i set means
// the user has an open position in the market with dense index i. Width is
// state.MaxMarkets (128); the registry refuses to allocate indices beyond it,
// so an out-of-range index here is a programming error.
type PositionSet [2]uint64

func checkIndex(index uint32) {
	if index >= state.MaxMarkets {
		panic(fmt.Sprintf("FATAL: market index %d exceeds bitmap capacity %d", index, state.MaxMarkets))
	}
}

// Set marks market index as a member.
func (s *PositionSet) Set(index uint32) {
	checkIndex(index)
	s[index/64] |= 1 << (index % 64)
}

// Clear removes market index from the set.
func (s *PositionSet) Clear(index uint32) {
	checkIndex(index)
	s[index/64] &^= 1 << (index % 64)
}

// Has reports membership of market index.
func (s PositionSet) Has(index uint32) bool {
	checkIndex(index)
	return s[index/64]&(1<<(index%64)) != 0
}

// IsEmpty reports whether no bit is set.
func (s PositionSet) IsEmpty() bool {
	return s[0] == 0 && s[1] == 0
}

// Words returns the raw backing words (snapshot serialization).
func (s PositionSet) Words() [2]uint64 {
	return [2]uint64(s)
}

// PositionSetFromWords rebuilds a set from its raw words.
func PositionSetFromWords(words [2]uint64) PositionSet {
	return PositionSet(words)
}

// Indices returns the set market indices in ascending order. The result is a
// fresh slice; callers may iterate or restart freely.
func (s PositionSet) Indices() []uint32 {
	out := make([]uint32, 0, 4)
	for word := uint32(0); word < 2; word++ {
		w := s[word]
		for w != 0 {
			pos := uint32(bits.TrailingZeros64(w))
			out = append(out, word*64+pos)
			w &^= 1 << pos
		}
	}
	return out
}
