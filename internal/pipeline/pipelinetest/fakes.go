// Package pipelinetest holds in-memory collaborators for pipeline tests.
package pipelinetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"comicstudio/internal/domain"
)

// Jobs is a JobClient whose jobs report processing once and then finish.
// A job fails when its prompt contains one of the failing markers.
type Jobs struct {
	mu        sync.Mutex
	requests  []domain.JobRequest
	outcomes  map[string]bool
	seen      map[string]bool
	failing   map[string]bool
	SubmitErr error
}

func NewJobs() *Jobs {
	return &Jobs{outcomes: make(map[string]bool), seen: make(map[string]bool), failing: make(map[string]bool)}
}

// FailWhen makes every later job whose prompt contains marker fail.
func (j *Jobs) FailWhen(marker string, fail bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if fail {
		j.failing[marker] = true
	} else {
		delete(j.failing, marker)
	}
}

func (j *Jobs) Submit(ctx context.Context, req domain.JobRequest) (domain.JobHandle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.SubmitErr != nil {
		return domain.JobHandle{}, j.SubmitErr
	}
	j.requests = append(j.requests, req)
	id := fmt.Sprintf("job-%d", len(j.requests))
	fail := false
	for marker := range j.failing {
		if strings.Contains(req.Prompt, marker) {
			fail = true
		}
	}
	j.outcomes[id] = fail
	return domain.JobHandle{JobID: id, PollRef: "fake://" + id}, nil
}

func (j *Jobs) Poll(ctx context.Context, h domain.JobHandle) (domain.ExternalJob, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fail, ok := j.outcomes[h.JobID]
	if !ok {
		return domain.ExternalJob{}, fmt.Errorf("unknown job %s", h.JobID)
	}
	if !j.seen[h.JobID] {
		j.seen[h.JobID] = true
		return domain.ExternalJob{ID: h.JobID, Status: domain.JobStatusProcessing}, nil
	}
	if fail {
		return domain.ExternalJob{ID: h.JobID, Status: domain.JobStatusFailed, ErrorMessage: "upstream rejected prompt"}, nil
	}
	return domain.ExternalJob{
		ID:     h.JobID,
		Status: domain.JobStatusReady,
		Result: &domain.JobResult{Data: []byte("png:" + h.JobID), Format: "image/png"},
	}, nil
}

// Requests returns the submitted requests in order.
func (j *Jobs) Requests() []domain.JobRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.JobRequest, len(j.requests))
	copy(out, j.requests)
	return out
}

// Store keeps artifacts in memory and serves them from a fake CDN. Put
// panics for keys containing PanicOn.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	Err     error
	PanicOn string
}

func NewStore() *Store { return &Store{objects: make(map[string][]byte)} }

func (s *Store) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	if s.PanicOn != "" && strings.Contains(key, s.PanicOn) {
		panic("pipelinetest: store exploded on " + key)
	}
	s.objects[key] = append([]byte(nil), data...)
	return "https://cdn.test/" + key, nil
}

// Keys lists stored object keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// Scenes is a SceneRepository that stores detached copies.
type Scenes struct {
	mu        sync.Mutex
	comics    map[string]*domain.Comic
	CreateErr error
}

func NewScenes() *Scenes {
	return &Scenes{comics: make(map[string]*domain.Comic)}
}

func (r *Scenes) CreateComic(_ context.Context, c *domain.Comic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return r.CreateErr
	}
	cp := *c
	cp.Scenes = make([]*domain.Scene, len(c.Scenes))
	for i, s := range c.Scenes {
		cp.Scenes[i] = s.Clone()
	}
	r.comics[c.ID] = &cp
	return nil
}

func (r *Scenes) SaveScene(_ context.Context, s *domain.Scene) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comics[s.ComicID]
	if !ok {
		return domain.ErrNotFound
	}
	for i, existing := range c.Scenes {
		if existing.ID == s.ID {
			c.Scenes[i] = s.Clone()
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *Scenes) LoadComic(_ context.Context, id string) (*domain.Comic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comics[id]
	if !ok {
		return nil, fmt.Errorf("comic %s: %w", id, domain.ErrNotFound)
	}
	cp := *c
	cp.Scenes = make([]*domain.Scene, len(c.Scenes))
	for i, s := range c.Scenes {
		cp.Scenes[i] = s.Clone()
	}
	return &cp, nil
}

// Seed stores a comic as if a previous process had created it.
func (r *Scenes) Seed(c *domain.Comic) {
	_ = r.CreateComic(context.Background(), c)
}

// Scene returns the stored copy of a scene.
func (r *Scenes) Scene(comicID string, order int) (*domain.Scene, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comics[comicID]
	if !ok {
		return nil, false
	}
	for _, s := range c.Scenes {
		if s.Order == order {
			return s.Clone(), true
		}
	}
	return nil, false
}

var (
	_ domain.JobClient       = (*Jobs)(nil)
	_ domain.ArtifactStore   = (*Store)(nil)
	_ domain.SceneRepository = (*Scenes)(nil)
)
