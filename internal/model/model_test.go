package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSide(t *testing.T) {
	if !SideYes.Valid() || !SideNo.Valid() {
		t.Error("yes and no must be valid sides")
	}
	if Side("maybe").Valid() || Side("").Valid() {
		t.Error("unknown sides must be invalid")
	}
	if SideYes.Opposite() != SideNo || SideNo.Opposite() != SideYes {
		t.Error("Opposite must flip the leg")
	}
}

func TestDirection(t *testing.T) {
	if !DirectionBuy.Valid() || !DirectionSell.Valid() {
		t.Error("buy and sell must be valid directions")
	}
	if Direction("hold").Valid() {
		t.Error("unknown directions must be invalid")
	}
}

func TestPosition_CostBasis(t *testing.T) {
	p := &Position{
		Shares:       decimal.NewFromInt(150),
		AveragePrice: decimal.RequireFromString("0.6667"),
	}
	if got := p.CostBasis(); !got.Equal(decimal.RequireFromString("100.005")) {
		t.Errorf("expected cost basis 100.005, got %s", got)
	}
}

func TestMarket_SharesOutstanding(t *testing.T) {
	m := &Market{
		SharesYes: decimal.NewFromInt(150),
		SharesNo:  decimal.NewFromInt(80),
	}
	if !m.SharesOutstanding(SideYes).Equal(decimal.NewFromInt(150)) {
		t.Errorf("yes outstanding = %s", m.SharesOutstanding(SideYes))
	}
	if !m.SharesOutstanding(SideNo).Equal(decimal.NewFromInt(80)) {
		t.Errorf("no outstanding = %s", m.SharesOutstanding(SideNo))
	}
}
