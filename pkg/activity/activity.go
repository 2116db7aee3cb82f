// Package activity tracks long-running operations for status reporting.
// Activities are purely observational; nothing waits on them.
package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Categories used by the store.
const (
	CategoryRecovery    = "recovery"
	CategoryCompaction  = "compaction"
	CategoryMaintenance = "maintenance"
	CategorySnapshot    = "snapshot"
	CategoryBackup      = "backup"
)

// Activity is one in-flight operation.
type Activity struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	ParentID    string    `json:"parent_id,omitempty"`
	Description string    `json:"description"`
	Percent     *float64  `json:"percent,omitempty"`
	Started     time.Time `json:"started"`
}

// Registry holds the current activities. It has its own lock and is never
// taken while waiting on the store's gate.
type Registry struct {
	mu         sync.Mutex
	activities map[string]*Activity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]*Activity)}
}

// Add registers an activity and returns its id. parent may be empty.
func (r *Registry) Add(category, description, parent string) string {
	a := &Activity{
		ID:          uuid.NewString(),
		Category:    category,
		ParentID:    parent,
		Description: description,
		Started:     time.Now(),
	}
	r.mu.Lock()
	r.activities[a.ID] = a
	r.mu.Unlock()
	return a.ID
}

// SetPercent records progress, clamped to [0, 100].
func (r *Registry) SetPercent(id string, pct float64) {
	pct = min(max(pct, 0), 100)
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.activities[id]; ok {
		a.Percent = &pct
	}
}

// SetDescription replaces the description.
func (r *Registry) SetDescription(id, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.activities[id]; ok {
		a.Description = description
	}
}

// Remove drops an activity. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.activities, id)
	r.mu.Unlock()
}

// List returns copies of every activity, oldest first.
func (r *Registry) List() []Activity {
	r.mu.Lock()
	out := make([]Activity, 0, len(r.activities))
	for _, a := range r.activities {
		c := *a
		if a.Percent != nil {
			p := *a.Percent
			c.Percent = &p
		}
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
