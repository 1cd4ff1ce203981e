package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/schedule"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/store"
)

// StatusSource reports the live loop status.
type StatusSource interface {
	Status() disparo.Status
}

// SupervisorInfo reports the recovery wrapper's restart history.
type SupervisorInfo interface {
	Restarts() int64
	LastError() string
}

// ScheduleService is the scheduled-message intake.
type ScheduleService interface {
	Add(ctx context.Context, m schedule.Message) (schedule.Message, error)
	List(ctx context.Context) ([]schedule.Message, error)
	Cancel(ctx context.Context, id string) error
}

// Tenant is what the API knows about one running tenant. Status, Supervisor
// and Schedules may be nil.
type Tenant struct {
	ID         string
	Location   *time.Location
	Store      *store.Store
	Status     StatusSource
	Supervisor SupervisorInfo
	Schedules  ScheduleService
}

// Registry holds the tenants served by the API.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*Tenant)}
}

// Add registers t, replacing any tenant with the same id.
func (r *Registry) Add(t *Tenant) {
	if t.Location == nil {
		t.Location = time.Local
	}
	r.mu.Lock()
	r.tenants[t.ID] = t
	r.mu.Unlock()
}

// Get returns the tenant with id.
func (r *Registry) Get(id string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	return t, ok
}

// All returns the tenants sorted by id.
func (r *Registry) All() []*Tenant {
	r.mu.RLock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}
