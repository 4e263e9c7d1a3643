// Package billing reconciles generation outcomes with the credit ledger:
// callers are checked before any work starts and charged once for every
// unit that produced an artifact.
package billing

import (
	"context"
	"fmt"

	"comicstudio/internal/domain"
	"comicstudio/internal/infra"
)

// DeductionFailedWarning is surfaced to the client when a completed unit
// could not be billed.
const DeductionFailedWarning = "credit deduction failed; your artwork was kept"

// Outcome describes one charge attempt.
type Outcome struct {
	Charged      bool
	BalanceAfter int
	Warning      string
}

// Reconciler wraps the ledger with the pipeline's billing rules.
type Reconciler struct {
	ledger domain.CreditLedger
	logger *infra.Logger
}

// New builds a Reconciler. A nil logger discards output.
func New(ledger domain.CreditLedger, logger *infra.Logger) *Reconciler {
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Reconciler{ledger: ledger, logger: logger}
}

// Preflight fails fast when the owner cannot pay for amount. Anonymous owners
// and zero amounts always pass.
func (r *Reconciler) Preflight(ctx context.Context, owner domain.Identity, amount int) error {
	if !owner.Billable() || amount <= 0 {
		return nil
	}
	ok, err := r.ledger.CheckCredits(ctx, owner.UserID, amount)
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", owner.UserID).Int("amount", amount).Msg("billing: credit check failed")
		return fmt.Errorf("check credits: %w", domain.ErrLedgerUnavailable)
	}
	if !ok {
		return domain.ErrInsufficientCredits
	}
	return nil
}

// Charge deducts amount for one completed unit. It never returns an error:
// a failed deduction is reported through Outcome.Warning and the unit's
// artifact stays in place.
func (r *Reconciler) Charge(ctx context.Context, owner domain.Identity, amount int, reason, relatedEntity string) Outcome {
	if !owner.Billable() || amount <= 0 {
		return Outcome{}
	}
	log := r.logger.With().
		Str("user_id", owner.UserID).
		Str("reason", reason).
		Str("related_entity", relatedEntity).
		Int("amount", amount).
		Logger()

	res, err := r.ledger.DeductCredits(ctx, owner.UserID, amount, reason, relatedEntity)
	if err != nil {
		log.Error().Err(err).Msg("billing: deduction failed")
		return Outcome{Warning: DeductionFailedWarning}
	}
	if !res.Success {
		log.Warn().Int("balance", res.BalanceAfter).Msg("billing: ledger refused deduction")
		return Outcome{BalanceAfter: res.BalanceAfter, Warning: DeductionFailedWarning}
	}
	log.Info().Int("balance", res.BalanceAfter).Msg("billing: charged")
	return Outcome{Charged: true, BalanceAfter: res.BalanceAfter}
}

// RetryEntity is the related entity recorded for the n-th retry of a scene,
// so each successful attempt is billed at most once.
func RetryEntity(sceneID string, attempt int) string {
	return fmt.Sprintf("%s#retry-%d", sceneID, attempt)
}
