package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"comicstudio/internal/domain"
	"comicstudio/internal/infra"
	"comicstudio/internal/sqlinline"
)

// ComicRepositoryPG implements domain.SceneRepository.
type ComicRepositoryPG struct {
	sql infra.SQLExecutor
	now func() time.Time
}

// NewComicRepository creates a comic repository backed by PostgreSQL.
func NewComicRepository(sql infra.SQLExecutor) *ComicRepositoryPG {
	return &ComicRepositoryPG{sql: sql, now: time.Now}
}

// CreateComic inserts the comic and its scenes atomically.
func (r *ComicRepositoryPG) CreateComic(ctx context.Context, c *domain.Comic) error {
	if c == nil {
		return errors.New("create comic: nil comic")
	}
	characters, err := json.Marshal(c.Style.Characters())
	if err != nil {
		return fmt.Errorf("create comic: encode characters: %w", err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now().UTC()
	}

	ids := make([]string, len(c.Scenes))
	orders := make([]int32, len(c.Scenes))
	descriptions := make([]string, len(c.Scenes))
	statuses := make([]string, len(c.Scenes))
	for i, s := range c.Scenes {
		ids[i] = s.ID
		orders[i] = int32(s.Order)
		descriptions[i] = s.Description
		statuses[i] = string(s.Status)
	}

	_, err = r.sql.Exec(ctx, sqlinline.QInsertComic,
		c.ID,
		c.UserID,
		c.Kind,
		c.Title,
		c.Style.Style(),
		characters,
		createdAt,
		ids,
		orders,
		descriptions,
		statuses,
	)
	if err != nil {
		return fmt.Errorf("create comic: %w", err)
	}
	return nil
}

// SaveScene writes the mutable fields of an existing scene.
func (r *ComicRepositoryPG) SaveScene(ctx context.Context, s *domain.Scene) error {
	if s == nil {
		return errors.New("save scene: nil scene")
	}
	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now().UTC()
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QUpdateScene,
		s.ID,
		s.Description,
		string(s.Status),
		s.RetryCount,
		s.ArtifactURL,
		s.ErrorMessage,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save scene: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scene %s: %w", s.ID, domain.ErrNotFound)
	}
	return nil
}

// LoadComic fetches a comic with its scenes ordered by position.
func (r *ComicRepositoryPG) LoadComic(ctx context.Context, comicID string) (*domain.Comic, error) {
	var (
		c          domain.Comic
		style      string
		characters []byte
	)
	row := r.sql.QueryRow(ctx, sqlinline.QSelectComic, comicID)
	if err := row.Scan(&c.ID, &c.UserID, &c.Kind, &c.Title, &style, &characters, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("comic %s: %w", comicID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load comic: %w", err)
	}
	var chars []domain.Character
	if len(characters) > 0 {
		if err := json.Unmarshal(characters, &chars); err != nil {
			return nil, fmt.Errorf("load comic: decode characters: %w", err)
		}
	}
	c.Style = domain.NewStyleContext(style, chars)

	rows, err := r.sql.Query(ctx, sqlinline.QSelectComicScenes, comicID)
	if err != nil {
		return nil, fmt.Errorf("load scenes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s      domain.Scene
			status string
		)
		if err := rows.Scan(&s.ID, &s.ComicID, &s.Order, &s.Description, &status, &s.RetryCount, &s.ArtifactURL, &s.ErrorMessage, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		s.Status = domain.SceneStatus(status)
		c.Scenes = append(c.Scenes, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load scenes: %w", err)
	}
	return &c, nil
}

var _ domain.SceneRepository = (*ComicRepositoryPG)(nil)
