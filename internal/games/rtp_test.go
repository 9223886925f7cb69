package games

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

// Production slot table. Three-of-a-kind pays bet times the multiplier,
// so the long-run return is sum of p^3 * multiplier over symbols.
var rtpSymbols = []Symbol{
	{Name: "cherry", Weight: 45, Multiplier: decimal.NewFromInt(7)},
	{Name: "lemon", Weight: 25, Multiplier: decimal.NewFromInt(12)},
	{Name: "bell", Weight: 15, Multiplier: decimal.NewFromInt(22)},
	{Name: "diamond", Weight: 10, Multiplier: decimal.NewFromInt(35)},
	{Name: "seven", Weight: 5, Multiplier: decimal.NewFromInt(50)},
}

func TestSlotTable_TheoreticalRTP(t *testing.T) {
	cfg := SlotConfig{Symbols: rtpSymbols}

	if got := cfg.TotalWeight(); got != 100 {
		t.Fatalf("expected total weight 100, got %d", got)
	}

	rtp := cfg.TheoreticalRTP()
	if !rtp.Equal(decimal.RequireFromString("0.940875")) {
		t.Errorf("expected theoretical RTP 0.940875, got %s", rtp)
	}

	// House keeps an edge but players get back at least 85%.
	if rtp.LessThan(decimal.RequireFromString("0.85")) || rtp.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		t.Errorf("RTP %s outside the [0.85, 1) design band", rtp)
	}
}

type seededSource struct {
	rng *rand.Rand
}

func (s seededSource) Intn(n int) int { return s.rng.Intn(n) }

func TestSlotTable_EmpiricalRTPMatchesTheory(t *testing.T) {
	if testing.Short() {
		t.Skip("simulation is slow")
	}

	src := seededSource{rng: rand.New(rand.NewSource(1))}
	weights := make([]int, len(rtpSymbols))
	multipliers := make([]int64, len(rtpSymbols))
	total := 0
	for i, s := range rtpSymbols {
		weights[i] = s.Weight
		multipliers[i] = s.Multiplier.IntPart()
		total += s.Weight
	}

	// Unit bets, so the paid multiplier sum over spins is the return.
	const spins = 1_000_000
	var paid int64
	for i := 0; i < spins; i++ {
		a := weightedPick(src, weights, total)
		b := weightedPick(src, weights, total)
		c := weightedPick(src, weights, total)
		if a == b && b == c {
			paid += multipliers[a]
		}
	}

	got := float64(paid) / float64(spins)
	// Standard error of the mean is about 0.003 at a million spins.
	const want, tolerance = 0.940875, 0.02
	if got < want-tolerance || got > want+tolerance {
		t.Errorf("empirical RTP %.6f outside %.6f±%.2f", got, want, tolerance)
	}
}

func TestWeightedPick_RespectsBoundaries(t *testing.T) {
	weights := []int{45, 25, 15, 10, 5}

	cases := []struct {
		roll int
		want int
	}{
		{0, 0}, {44, 0},
		{45, 1}, {69, 1},
		{70, 2}, {84, 2},
		{85, 3}, {94, 3},
		{95, 4}, {99, 4},
	}
	for _, tc := range cases {
		src := &fixedSource{v: tc.roll}
		if got := weightedPick(src, weights, 100); got != tc.want {
			t.Errorf("roll %d: expected index %d, got %d", tc.roll, tc.want, got)
		}
	}
}

type fixedSource struct{ v int }

func (s *fixedSource) Intn(int) int { return s.v }
