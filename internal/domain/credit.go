package domain

import "time"

// Reason codes recorded on credit transactions.
const (
	ReasonComicScene      = "comic_scene"
	ReasonImageGeneration = "image_generation"
	ReasonSceneRetry      = "scene_retry"
)

// CreditTransaction is an append-only ledger entry.
type CreditTransaction struct {
	ID            string
	UserID        string
	Amount        int
	ReasonCode    string
	RelatedEntity string
	BalanceAfter  int
	CreatedAt     time.Time
}

// Deduction is the ledger's answer to a charge.
type Deduction struct {
	Success      bool
	BalanceAfter int
}

// Identity is the caller on whose behalf a run executes. Anonymous callers
// are never billed.
type Identity struct {
	UserID    string
	Anonymous bool
}

// AnonymousIdentity is used by optional-auth routes without credentials.
func AnonymousIdentity() Identity {
	return Identity{Anonymous: true}
}

// Billable reports whether ledger calls apply to this caller.
func (i Identity) Billable() bool {
	return !i.Anonymous && i.UserID != ""
}
