package domain

import (
	"strings"
	"time"
)

// SceneStatus enumerates the states of a single generation unit.
type SceneStatus string

const (
	SceneStatusPending    SceneStatus = "pending"
	SceneStatusProcessing SceneStatus = "processing"
	SceneStatusCompleted  SceneStatus = "completed"
	SceneStatusFailed     SceneStatus = "failed"
	SceneStatusRetry      SceneStatus = "retry"
)

// Retryable reports whether a scene in this status may be regenerated.
func (s SceneStatus) Retryable() bool {
	return s == SceneStatusCompleted || s == SceneStatusFailed
}

// Scene is one independently generated artifact (a comic page or a single image).
type Scene struct {
	ID           string      `json:"id"`
	ComicID      string      `json:"comic_id"`
	Order        int         `json:"order"`
	Description  string      `json:"description"`
	Status       SceneStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	ArtifactURL  string      `json:"artifact_url,omitempty"`
	ErrorMessage string      `json:"error,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone returns a detached copy.
func (s *Scene) Clone() *Scene {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Character is a fixed reference shared by every scene of a comic.
type Character struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ReferenceURL string `json:"reference_url,omitempty"`
}

// StyleContext is the art style and character list shared by all units of
// a run. The zero value is usable; once built it is never mutated.
type StyleContext struct {
	style      string
	characters []Character
}

// NewStyleContext copies characters so later edits by the caller do not leak in.
func NewStyleContext(style string, characters []Character) StyleContext {
	chars := make([]Character, 0, len(characters))
	for _, c := range characters {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		c.Description = strings.TrimSpace(c.Description)
		c.ReferenceURL = strings.TrimSpace(c.ReferenceURL)
		chars = append(chars, c)
	}
	return StyleContext{style: strings.TrimSpace(style), characters: chars}
}

func (s StyleContext) Style() string { return s.style }

// Characters returns a copy of the character references.
func (s StyleContext) Characters() []Character {
	out := make([]Character, len(s.characters))
	copy(out, s.characters)
	return out
}

// Run kinds persisted with a comic.
const (
	KindComic = "comic"
	KindImage = "image"
)

// Comic is the persisted metadata of a run. Single-image runs are stored as
// a comic of kind image with one scene.
type Comic struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Style     StyleContext
	Scenes    []*Scene
	CreatedAt time.Time
}
