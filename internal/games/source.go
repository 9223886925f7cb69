// Package games implements the chance games, a weighted slot machine and
// a tiered loot box. Both follow one pattern: stake, draw from a
// server-side random source, pay out from a fixed table. The debit, the
// draw, and the credit are one atomic unit.
package games

import (
	"crypto/rand"
	"math/big"
)

// Source yields random integers in [0, n). Draws are always server-side;
// callers can never supply or influence them.
type Source interface {
	Intn(n int) int
}

// cryptoSource draws from crypto/rand.
type cryptoSource struct{}

// NewCryptoSource returns the production randomness source.
func NewCryptoSource() Source {
	return cryptoSource{}
}

func (cryptoSource) Intn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand failing means the host's entropy source is broken;
		// there is no sensible fallback for a wager.
		panic("games: crypto/rand failed: " + err.Error())
	}
	return int(v.Int64())
}

// weightedPick walks a weight table and returns the index selected by
// one draw. Weights must be positive and total must be their exact sum.
func weightedPick(src Source, weights []int, total int) int {
	roll := src.Intn(total)
	for i, w := range weights {
		roll -= w
		if roll < 0 {
			return i
		}
	}
	return len(weights) - 1
}
