package domain

import "context"

// JobClient submits and reads jobs on the external generation service.
type JobClient interface {
	Submit(ctx context.Context, req JobRequest) (JobHandle, error)
	Poll(ctx context.Context, handle JobHandle) (ExternalJob, error)
}

// CreditLedger is the billing service. DeductCredits is expected to be
// atomic on the ledger side.
type CreditLedger interface {
	CheckCredits(ctx context.Context, userID string, amount int) (bool, error)
	DeductCredits(ctx context.Context, userID string, amount int, reason, relatedEntity string) (Deduction, error)
}

// SceneRepository persists comics and their scenes.
type SceneRepository interface {
	CreateComic(ctx context.Context, comic *Comic) error
	SaveScene(ctx context.Context, scene *Scene) error
	LoadComic(ctx context.Context, comicID string) (*Comic, error)
}

// ArtifactStore stores rendered bytes and returns a public URL.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
