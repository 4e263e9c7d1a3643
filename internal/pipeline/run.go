package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"comicstudio/internal/domain"
)

// UnitInput describes one requested scene. Order may be left at zero for
// every unit, in which case units are numbered in request order.
type UnitInput struct {
	Order       int
	Description string
}

// Run is one end-to-end execution for a single request. It is mutated only
// by the goroutine driving it; parallel workers touch only their own unit.
type Run struct {
	ID        string
	Kind      string
	Owner     domain.Identity
	Title     string
	Style     domain.StyleContext
	Units     []*domain.Scene
	Parallel  bool
	StartedAt time.Time

	terminal bool
}

// Terminal reports whether the run finished, successfully or not.
func (r *Run) Terminal() bool { return r.terminal }

// Unit returns the unit with the given order.
func (r *Run) Unit(order int) (*domain.Scene, bool) {
	for _, u := range r.Units {
		if u.Order == order {
			return u, true
		}
	}
	return nil, false
}

func (r *Run) comic() *domain.Comic {
	return &domain.Comic{
		ID:        r.ID,
		UserID:    r.Owner.UserID,
		Kind:      r.Kind,
		Title:     r.Title,
		Style:     r.Style,
		Scenes:    r.Units,
		CreatedAt: r.StartedAt,
	}
}

func runFromComic(c *domain.Comic) *Run {
	units := make([]*domain.Scene, len(c.Scenes))
	copy(units, c.Scenes)
	sort.Slice(units, func(i, j int) bool { return units[i].Order < units[j].Order })
	kind := c.Kind
	if kind == "" {
		kind = domain.KindComic
	}
	return &Run{
		ID:        c.ID,
		Kind:      kind,
		Owner:     domain.Identity{UserID: c.UserID, Anonymous: c.UserID == ""},
		Title:     c.Title,
		Style:     c.Style,
		Units:     units,
		StartedAt: c.CreatedAt,
		terminal:  true,
	}
}

// NewComicRun validates the requested scenes and builds a pending run.
// Explicit orders must run 1, 2, 3... in request order.
func (p *Pipeline) NewComicRun(owner domain.Identity, title string, style domain.StyleContext, inputs []UnitInput, parallel bool) (*Run, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.Invalid("title", "is required")
	}
	if style.Style() == "" {
		return nil, domain.Invalid("style", "is required")
	}
	if len(inputs) == 0 {
		return nil, domain.Invalid("scenes", "at least one scene is required")
	}
	if len(inputs) > p.maxUnits {
		return nil, domain.Invalid("scenes", fmt.Sprintf("at most %d scenes are allowed", p.maxUnits))
	}
	orders, err := normalizeOrders(inputs)
	if err != nil {
		return nil, err
	}

	run := newRun(domain.KindComic, owner, title, style, parallel)
	for i, in := range inputs {
		desc := strings.TrimSpace(in.Description)
		if desc == "" {
			return nil, domain.Invalid(fmt.Sprintf("scenes[%d].description", i), "is required")
		}
		run.Units = append(run.Units, newUnit(run, orders[i], desc))
	}
	return run, nil
}

func newImageRun(owner domain.Identity, description string, style domain.StyleContext) (*Run, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, domain.Invalid("description", "is required")
	}
	run := newRun(domain.KindImage, owner, "", style, false)
	run.Units = []*domain.Scene{newUnit(run, 1, description)}
	return run, nil
}

func newRun(kind string, owner domain.Identity, title string, style domain.StyleContext, parallel bool) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Owner:     owner,
		Title:     title,
		Style:     style,
		Parallel:  parallel,
		StartedAt: time.Now().UTC(),
	}
}

func newUnit(run *Run, order int, description string) *domain.Scene {
	return &domain.Scene{
		ID:          uuid.NewString(),
		ComicID:     run.ID,
		Order:       order,
		Description: description,
		Status:      domain.SceneStatusPending,
		UpdatedAt:   run.StartedAt,
	}
}

func normalizeOrders(inputs []UnitInput) ([]int, error) {
	orders := make([]int, len(inputs))
	explicit := 0
	for _, in := range inputs {
		if in.Order != 0 {
			explicit++
		}
	}
	if explicit == 0 {
		for i := range orders {
			orders[i] = i + 1
		}
		return orders, nil
	}
	if explicit != len(inputs) {
		return nil, domain.Invalid("scenes.order", "must be set on every scene or on none")
	}
	for i, in := range inputs {
		if in.Order != i+1 {
			return nil, domain.Invalid(fmt.Sprintf("scenes[%d].order", i), "orders must be ascending and contiguous from 1")
		}
		orders[i] = in.Order
	}
	return orders, nil
}
