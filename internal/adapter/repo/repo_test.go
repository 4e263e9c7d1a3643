package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicstudio/internal/domain"
	"comicstudio/internal/sqlinline"
)

type call struct {
	query string
	args  []any
}

type fakeSQL struct {
	calls   []call
	execTag pgconn.CommandTag
	execErr error
	row     func(query string, dest ...any) error
	rows    [][]any
}

func (f *fakeSQL) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{query: query, args: args})
	return f.execTag, f.execErr
}

func (f *fakeSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	f.calls = append(f.calls, call{query: query, args: args})
	return scanRow(func(dest ...any) error {
		if f.row == nil {
			return pgx.ErrNoRows
		}
		return f.row(query, dest...)
	})
}

func (f *fakeSQL) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	f.calls = append(f.calls, call{query: query, args: args})
	return &fakeRows{rows: f.rows}, nil
}

type scanRow func(dest ...any) error

func (s scanRow) Scan(dest ...any) error { return s(dest...) }

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, errors.New("not supported") }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(r.rows[r.idx-1], dest...)
}

func assign(values []any, dest ...any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: got %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *bool:
			*d = v.(bool)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", dest[i])
		}
	}
	return nil
}

func TestLedgerCheckCredits(t *testing.T) {
	db := &fakeSQL{row: func(_ string, dest ...any) error { return assign([]any{true}, dest...) }}
	ok, err := NewLedger(db).CheckCredits(context.Background(), "u1", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, db.calls, 1)
	assert.Equal(t, sqlinline.QCheckCredits, db.calls[0].query)
	assert.Equal(t, []any{"u1", 3}, db.calls[0].args)
}

func TestLedgerDeductCredits(t *testing.T) {
	db := &fakeSQL{row: func(_ string, dest ...any) error { return assign([]any{7, true}, dest...) }}
	res, err := NewLedger(db).DeductCredits(context.Background(), "u1", 1, domain.ReasonSceneRetry, "s1#retry-2")
	require.NoError(t, err)
	assert.Equal(t, domain.Deduction{Success: true, BalanceAfter: 7}, res)
	assert.Equal(t, sqlinline.QDeductCredits, db.calls[0].query)
	assert.Equal(t, []any{"u1", 1, domain.ReasonSceneRetry, "s1#retry-2"}, db.calls[0].args)
}

func TestLedgerDeductCreditsError(t *testing.T) {
	boom := errors.New("connection reset")
	db := &fakeSQL{row: func(string, ...any) error { return boom }}
	_, err := NewLedger(db).DeductCredits(context.Background(), "u1", 1, domain.ReasonComicScene, "s1")
	assert.ErrorIs(t, err, boom)
}

func TestCreateComicPassesScenesAsArrays(t *testing.T) {
	db := &fakeSQL{execTag: pgconn.NewCommandTag("INSERT 0 2")}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	comic := &domain.Comic{
		ID:     "c1",
		UserID: "u1",
		Kind:   domain.KindComic,
		Title:  "Night Shift",
		Style:  domain.NewStyleContext("noir", []domain.Character{{Name: "Rin", Description: "detective"}}),
		Scenes: []*domain.Scene{
			{ID: "s1", Order: 1, Description: "rain", Status: domain.SceneStatusPending},
			{ID: "s2", Order: 2, Description: "alley", Status: domain.SceneStatusPending},
		},
		CreatedAt: created,
	}
	require.NoError(t, NewComicRepository(db).CreateComic(context.Background(), comic))

	require.Len(t, db.calls, 1)
	args := db.calls[0].args
	assert.Equal(t, sqlinline.QInsertComic, db.calls[0].query)
	assert.Equal(t, "c1", args[0])
	assert.Equal(t, "noir", args[4])
	assert.JSONEq(t, `[{"name":"Rin","description":"detective"}]`, string(args[5].([]byte)))
	assert.Equal(t, created, args[6])
	assert.Equal(t, []string{"s1", "s2"}, args[7])
	assert.Equal(t, []int32{1, 2}, args[8])
	assert.Equal(t, []string{"pending", "pending"}, args[10])
}

func TestSaveSceneMissingRow(t *testing.T) {
	db := &fakeSQL{execTag: pgconn.NewCommandTag("UPDATE 0")}
	err := NewComicRepository(db).SaveScene(context.Background(), &domain.Scene{ID: "s9", Status: domain.SceneStatusFailed})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveSceneWritesFields(t *testing.T) {
	db := &fakeSQL{execTag: pgconn.NewCommandTag("UPDATE 1")}
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	err := NewComicRepository(db).SaveScene(context.Background(), &domain.Scene{
		ID: "s1", Description: "d", Status: domain.SceneStatusCompleted, RetryCount: 2,
		ArtifactURL: "https://cdn/x.png", UpdatedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"s1", "d", "completed", 2, "https://cdn/x.png", "", at}, db.calls[0].args)
}

func TestLoadComic(t *testing.T) {
	created := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	db := &fakeSQL{
		row: func(_ string, dest ...any) error {
			return assign([]any{"c1", "u1", "comic", "Night Shift", "noir", []byte(`[{"name":"Rin"}]`), created}, dest...)
		},
		rows: [][]any{
			{"s1", "c1", 1, "rain", "completed", 0, "https://cdn/1.png", "", created},
			{"s2", "c1", 2, "alley", "failed", 1, "", "scene generation failed", created},
		},
	}
	c, err := NewComicRepository(db).LoadComic(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, "noir", c.Style.Style())
	assert.Equal(t, "Rin", c.Style.Characters()[0].Name)
	require.Len(t, c.Scenes, 2)
	assert.Equal(t, domain.SceneStatusFailed, c.Scenes[1].Status)
	assert.Equal(t, 1, c.Scenes[1].RetryCount)
	assert.Equal(t, sqlinline.QSelectComicScenes, db.calls[1].query)
}

func TestLoadComicNotFound(t *testing.T) {
	_, err := NewComicRepository(&fakeSQL{}).LoadComic(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
