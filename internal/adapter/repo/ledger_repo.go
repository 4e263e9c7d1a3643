package repo

import (
	"context"
	"fmt"

	"comicstudio/internal/domain"
	"comicstudio/internal/infra"
	"comicstudio/internal/sqlinline"
)

// LedgerPG implements domain.CreditLedger on the user_credits and
// credit_transactions tables.
type LedgerPG struct {
	sql infra.SQLExecutor
}

// NewLedger creates a credit ledger backed by PostgreSQL.
func NewLedger(sql infra.SQLExecutor) *LedgerPG {
	return &LedgerPG{sql: sql}
}

// CheckCredits reports whether userID holds at least amount credits.
func (r *LedgerPG) CheckCredits(ctx context.Context, userID string, amount int) (bool, error) {
	var ok bool
	if err := r.sql.QueryRow(ctx, sqlinline.QCheckCredits, userID, amount).Scan(&ok); err != nil {
		return false, fmt.Errorf("check credits: %w", err)
	}
	return ok, nil
}

// DeductCredits debits amount and records a transaction. A repeated call
// with the same reason and related entity is reported as successful without
// debiting twice.
func (r *LedgerPG) DeductCredits(ctx context.Context, userID string, amount int, reason, relatedEntity string) (domain.Deduction, error) {
	var res domain.Deduction
	row := r.sql.QueryRow(ctx, sqlinline.QDeductCredits, userID, amount, reason, relatedEntity)
	if err := row.Scan(&res.BalanceAfter, &res.Success); err != nil {
		return domain.Deduction{}, fmt.Errorf("deduct credits: %w", err)
	}
	return res, nil
}

var _ domain.CreditLedger = (*LedgerPG)(nil)
