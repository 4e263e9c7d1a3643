// Package billingtest provides an in-memory credit ledger for tests.
package billingtest

import (
	"context"
	"sync"

	"comicstudio/internal/domain"
)

// Ledger keeps balances per user and records every successful deduction.
// Deductions are idempotent on (user, reason, related entity).
type Ledger struct {
	mu           sync.Mutex
	balances     map[string]int
	transactions []domain.CreditTransaction
	checks       int
	deductCalls  int

	CheckErr  error
	DeductErr error
}

// NewLedger seeds balances.
func NewLedger(balances map[string]int) *Ledger {
	b := make(map[string]int, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &Ledger{balances: b}
}

func (l *Ledger) CheckCredits(_ context.Context, userID string, amount int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks++
	if l.CheckErr != nil {
		return false, l.CheckErr
	}
	return l.balances[userID] >= amount, nil
}

func (l *Ledger) DeductCredits(_ context.Context, userID string, amount int, reason, related string) (domain.Deduction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deductCalls++
	if l.DeductErr != nil {
		return domain.Deduction{}, l.DeductErr
	}
	for _, tx := range l.transactions {
		if tx.UserID == userID && tx.ReasonCode == reason && tx.RelatedEntity == related {
			return domain.Deduction{Success: true, BalanceAfter: l.balances[userID]}, nil
		}
	}
	if l.balances[userID] < amount {
		return domain.Deduction{Success: false, BalanceAfter: l.balances[userID]}, nil
	}
	l.balances[userID] -= amount
	l.transactions = append(l.transactions, domain.CreditTransaction{
		UserID:        userID,
		Amount:        -amount,
		ReasonCode:    reason,
		RelatedEntity: related,
		BalanceAfter:  l.balances[userID],
	})
	return domain.Deduction{Success: true, BalanceAfter: l.balances[userID]}, nil
}

// Transactions returns the recorded deductions in order.
func (l *Ledger) Transactions() []domain.CreditTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.CreditTransaction, len(l.transactions))
	copy(out, l.transactions)
	return out
}

// Balance returns the current balance of userID.
func (l *Ledger) Balance(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// Checks counts CheckCredits calls.
func (l *Ledger) Checks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checks
}

// DeductCalls counts DeductCredits calls, including failed ones.
func (l *Ledger) DeductCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deductCalls
}

// SetDeductErr swaps the deduction error under the lock.
func (l *Ledger) SetDeductErr(err error) {
	l.mu.Lock()
	l.DeductErr = err
	l.mu.Unlock()
}

var _ domain.CreditLedger = (*Ledger)(nil)
