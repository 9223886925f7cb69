// Package ledger owns balance mutation. Debit and Credit are the only
// primitives in the engine that change an account balance, and both run
// on a row locked for the caller's atomic unit — two concurrent units
// on the same account can never both read a stale balance.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrNegativeAmount is returned when an amount is below zero.
	ErrNegativeAmount = errors.New("ledger: amount must not be negative")
)

// Debit subtracts amount from the account's balance inside the caller's
// atomic unit and returns the new balance. Fails with ErrInsufficientFunds
// if the balance would go negative; no write happens in that case.
func Debit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}

	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	if account.Balance.LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}

	newBalance := account.Balance.Sub(amount)
	if err := tx.SetAccountBalance(ctx, accountID, newBalance); err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// Credit adds amount to the account's balance inside the caller's atomic
// unit and returns the new balance.
func Credit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}

	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	newBalance := account.Balance.Add(amount)
	if err := tx.SetAccountBalance(ctx, accountID, newBalance); err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}
