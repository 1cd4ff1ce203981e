package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/httputil"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/schedule"
)

type ctxKey struct{}

// Handlers contains all HTTP handlers
type Handlers struct {
	registry  *Registry
	startTime time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(registry *Registry) *Handlers {
	return &Handlers{registry: registry, startTime: time.Now()}
}

func (h *Handlers) tenantCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := h.registry.Get(chi.URLParam(r, "tenant"))
		if !ok {
			httputil.NotFound(w, "tenant not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, t)))
	})
}

func tenantFrom(r *http.Request) *Tenant {
	return r.Context().Value(ctxKey{}).(*Tenant)
}

// HealthCheck reports process liveness.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
		"tenants": h.registry.Len(),
	})
}

// TenantSummary is one row of the tenant listing.
type TenantSummary struct {
	ID        string          `json:"id"`
	Status    *disparo.Status `json:"status,omitempty"`
	Restarts  int64           `json:"restarts"`
	LastError string          `json:"lastError,omitempty"`
}

// ListTenants returns every registered tenant with its live status.
//
//	GET /api/tenants
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	out := make([]TenantSummary, 0, h.registry.Len())
	for _, t := range h.registry.All() {
		s := TenantSummary{ID: t.ID}
		if t.Status != nil {
			st := t.Status.Status()
			s.Status = &st
		}
		if t.Supervisor != nil {
			s.Restarts = t.Supervisor.Restarts()
			s.LastError = t.Supervisor.LastError()
		}
		out = append(out, s)
	}
	httputil.OK(w, out)
}

// GetState returns the persisted dispatch state and today's quota.
//
//	GET /api/tenants/{tenant}/state
func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	st, err := t.Store.State().Load(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	raw, err := t.Store.Rules().Load(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	resp := map[string]any{
		"state": st,
		"quota": disparo.DailyQuota(st.DaysElapsed, disparo.ResolveRules(raw)),
	}
	if t.Status != nil {
		resp["status"] = t.Status.Status()
	}
	httputil.OK(w, resp)
}

type rulesView struct {
	Strategy            disparo.Strategy `json:"strategy"`
	SelectedLists       []string         `json:"selectedLists"`
	WindowStart         string           `json:"windowStart"`
	WindowEnd           string           `json:"windowEnd"`
	WeekdayStart        string           `json:"weekdayStart"`
	WeekdayEnd          string           `json:"weekdayEnd"`
	IntervalMinMs       int64            `json:"intervalMinMs"`
	IntervalMaxMs       int64            `json:"intervalMaxMs"`
	InitialDailyQuota   int              `json:"initialDailyQuota"`
	DailyQuotaCeiling   int              `json:"dailyQuotaCeiling"`
	WarmupDays          int              `json:"warmupDays"`
	BurstPauseThreshold int              `json:"burstPauseThreshold"`
}

func viewRules(r disparo.DispatchRules) rulesView {
	selected := make([]string, 0, len(r.SelectedListNames))
	for name := range r.SelectedListNames {
		selected = append(selected, name)
	}
	sort.Strings(selected)
	return rulesView{
		Strategy:            r.Strategy,
		SelectedLists:       selected,
		WindowStart:         r.WindowStart.String(),
		WindowEnd:           r.WindowEnd.String(),
		WeekdayStart:        r.WeekdayStart.String(),
		WeekdayEnd:          r.WeekdayEnd.String(),
		IntervalMinMs:       r.IntervalMin.Milliseconds(),
		IntervalMaxMs:       r.IntervalMax.Milliseconds(),
		InitialDailyQuota:   r.InitialDailyQuota,
		DailyQuotaCeiling:   r.DailyQuotaCeiling,
		WarmupDays:          r.WarmupDays,
		BurstPauseThreshold: r.BurstPauseThreshold,
	}
}

// GetRules returns the stored rule record and the rules the loop resolves
// from it.
//
//	GET /api/tenants/{tenant}/rules
func (h *Handlers) GetRules(w http.ResponseWriter, r *http.Request) {
	raw, err := tenantFrom(r).Store.Rules().Load(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"raw":      raw,
		"resolved": viewRules(disparo.ResolveRules(raw)),
	})
}

// ListSummary is one row of the list listing.
type ListSummary struct {
	Name     string                `json:"name"`
	Version  int64                 `json:"version"`
	Selected bool                  `json:"selected"`
	Counts   disparo.OutcomeCounts `json:"counts"`
}

// ListLists returns every list with its outcome counts.
//
//	GET /api/tenants/{tenant}/lists
func (h *Handlers) ListLists(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	ctx := r.Context()
	raw, err := t.Store.Rules().Load(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	rules := disparo.ResolveRules(raw)

	names, err := t.Store.Lists().Names(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	out := make([]ListSummary, 0, len(names))
	for _, name := range names {
		l, err := t.Store.Lists().Load(ctx, name)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		out = append(out, ListSummary{Name: l.Name, Version: l.Version, Selected: rules.Selects(l), Counts: l.Counts()})
	}
	httputil.OK(w, out)
}

// GetList returns one list with every contact.
//
//	GET /api/tenants/{tenant}/lists/{list}
func (h *Handlers) GetList(w http.ResponseWriter, r *http.Request) {
	l, err := tenantFrom(r).Store.Lists().Load(r.Context(), chi.URLParam(r, "list"))
	if errors.Is(err, disparo.ErrListNotFound) {
		httputil.NotFound(w, "list not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, l)
}

// GetHistory returns the conversation log of one contact.
//
//	GET /api/tenants/{tenant}/history/{phone}
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := tenantFrom(r).Store.History().Load(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if entries == nil {
		entries = []disparo.HistoryEntry{}
	}
	httputil.OK(w, entries)
}

// GetDispatchLog returns the send attempts of one day (?date=YYYY-MM-DD,
// default today in the tenant timezone).
//
//	GET /api/tenants/{tenant}/dispatch-log
func (h *Handlers) GetDispatchLog(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	day := time.Now().In(t.Location)
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, t.Location)
		if err != nil {
			httputil.BadRequest(w, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	entries, err := t.Store.DispatchLog().Entries(r.Context(), day)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if entries == nil {
		entries = []disparo.ReportEntry{}
	}
	httputil.OK(w, entries)
}

func schedulesOf(w http.ResponseWriter, r *http.Request) (ScheduleService, bool) {
	s := tenantFrom(r).Schedules
	if s == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "scheduled sends are not enabled for this tenant")
		return nil, false
	}
	return s, true
}

// ListSchedules returns every scheduled message.
//
//	GET /api/tenants/{tenant}/schedules
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	s, ok := schedulesOf(w, r)
	if !ok {
		return
	}
	msgs, err := s.List(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if msgs == nil {
		msgs = []schedule.Message{}
	}
	httputil.OK(w, msgs)
}

type scheduleRequest struct {
	Phone     string            `json:"phone"`
	Message   string            `json:"message"`
	MediaFile string            `json:"mediaFile"`
	MediaKind disparo.MediaKind `json:"mediaKind"`
	SendAt    time.Time         `json:"sendAt"`
}

// CreateSchedule stores a message to be sent at sendAt.
//
//	POST /api/tenants/{tenant}/schedules
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := schedulesOf(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	msg := schedule.Message{
		Phone:     req.Phone,
		Text:      req.Message,
		MediaFile: req.MediaFile,
		MediaKind: req.MediaKind,
		SendAt:    req.SendAt,
	}
	if err := msg.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	created, err := s.Add(r.Context(), msg)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, created)
}

// DeleteSchedule cancels a scheduled message.
//
//	DELETE /api/tenants/{tenant}/schedules/{id}
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := schedulesOf(w, r)
	if !ok {
		return
	}
	err := s.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, schedule.ErrNotFound) {
		httputil.NotFound(w, "schedule not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
