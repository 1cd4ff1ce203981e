package disparo

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

// =============================================================================
// DISPATCH LOOP
// =============================================================================
// One Dispatcher runs per tenant. Each cycle walks the state machine
//
//   DayRollover → QuotaCheck → WindowCheck → ListSelect → ContactSend
//
// and ends by sleeping (window closed, quota reached, idle pass) or by going
// straight into the next cycle. Everything it learns is persisted through the
// stores so a restart resumes at the same list and contact.

// Phase is what the loop is doing right now. Exposed for the status API.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseSending      Phase = "sending"
	PhaseQuotaReached Phase = "quota_reached"
	PhaseWindowClosed Phase = "window_closed"
	PhaseIdle         Phase = "idle"
	PhaseBurstPause   Phase = "burst_pause"
)

// Dependencies are the collaborators of a Dispatcher. Reporter, Scheduler,
// History, Log and Clock are optional.
type Dependencies struct {
	Rules     RuleStore
	Lists     ListStore
	State     StateStore
	History   HistoryStore
	Log       DispatchLog
	Transport Transport
	Reporter  Reporter
	Scheduler ScheduledSender
	Renderer  Renderer
	Clock     Clock
}

// Options tune a Dispatcher. Zero values take defaults.
type Options struct {
	Tenant       string
	Location     *time.Location
	MediaDir     string
	SendTimeout  time.Duration
	MediaTimeout time.Duration
	IdleSleep    time.Duration
	BurstPause   time.Duration
}

const (
	DefaultSendTimeout  = 30 * time.Second
	DefaultMediaTimeout = 5 * time.Minute
	DefaultIdleSleep    = 4 * time.Hour
	DefaultBurstPause   = time.Hour
)

// Status is a snapshot of a running Dispatcher.
type Status struct {
	Tenant    string    `json:"tenant"`
	Phase     Phase     `json:"phase"`
	NextWake  time.Time `json:"nextWake,omitempty"`
	PassSends int       `json:"passSends"`
	Quota     int       `json:"quota"`
	SentToday int       `json:"sentToday"`
}

// Dispatcher is the per-tenant dispatch loop.
type Dispatcher struct {
	deps Dependencies
	opts Options
	log  *logger.Entry

	// sends since the list cursor last wrapped to list 0
	passSends int

	mu     sync.RWMutex
	status Status
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(deps Dependencies, opts Options) *Dispatcher {
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MediaTimeout <= 0 {
		opts.MediaTimeout = DefaultMediaTimeout
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = DefaultIdleSleep
	}
	if opts.BurstPause <= 0 {
		opts.BurstPause = DefaultBurstPause
	}
	return &Dispatcher{
		deps:   deps,
		opts:   opts,
		log:    logger.With("tenant", opts.Tenant),
		status: Status{Tenant: opts.Tenant, Phase: PhaseStarting},
	}
}

// Status returns the live loop status.
func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Dispatcher) setStatus(fn func(*Status)) {
	d.mu.Lock()
	fn(&d.status)
	d.mu.Unlock()
}

// Run loops until ctx ends. It only returns ctx's error; anything else that
// goes wrong is either handled locally or escapes as a panic for the
// Supervisor.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("[Dispatcher:%s] Starting", d.opts.Tenant)
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[Dispatcher:%s] Stopped", d.opts.Tenant)
			return err
		}
		if err := d.cycle(ctx); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) now() time.Time {
	return d.deps.Clock.Now().In(d.opts.Location)
}

// cycle runs one pass of the state machine. The returned error is always a
// context error from a sleep.
func (d *Dispatcher) cycle(ctx context.Context) error {
	rules := d.loadRules(ctx)
	st := d.loadState(ctx)
	now := d.now()

	// DayRollover
	if st.LastDispatchDay != DayKey(now) {
		d.rollover(ctx, &st, rules, now)
	}

	// QuotaCheck
	lists := d.scanLists(ctx)
	sentToday := CountSentOn(lists, now)
	quota := DailyQuota(st.DaysElapsed, rules)
	d.setStatus(func(s *Status) { s.Quota, s.SentToday = quota, sentToday })

	if sentToday >= quota {
		d.log.Info("daily quota reached", "sent", sentToday, "quota", quota)
		d.maybeDailyReport(ctx, &st, lists, now, quota)
		return d.sleepUntil(ctx, PhaseQuotaReached, NextWindowOpen(rules, now, true))
	}

	// WindowCheck
	validDay := rules.ValidDay(now)
	if !validDay || !rules.InWindow(now) {
		if validDay {
			d.maybeDailyReport(ctx, &st, lists, now, quota)
		}
		return d.sleepUntil(ctx, PhaseWindowClosed, NextWindowOpen(rules, now, false))
	}

	// ListSelect
	var eligible []*CampaignList
	for _, l := range lists {
		if rules.Selects(l) {
			eligible = append(eligible, l)
		}
	}
	if len(eligible) == 0 {
		d.log.Info("no eligible campaign lists", "strategy", rules.Strategy)
		d.passSends = 0
		return d.sleepFor(ctx, PhaseIdle, d.opts.IdleSleep)
	}
	if st.CurrentListIndex < 0 || st.CurrentListIndex >= len(eligible) {
		wrapped := st.CurrentListIndex >= len(eligible)
		st.CurrentListIndex, st.CurrentContactIndex, st.CurrentListName = 0, 0, ""
		d.saveState(ctx, st)
		if wrapped {
			idle := d.passSends == 0
			d.passSends = 0
			if idle {
				d.log.Info("full pass produced no sends")
				return d.sleepFor(ctx, PhaseIdle, d.opts.IdleSleep)
			}
		}
	}

	name := eligible[st.CurrentListIndex].Name
	list, err := d.deps.Lists.Load(ctx, name)
	if err != nil {
		d.log.Warn("failed to load campaign list, skipping", "list", name, "error", err)
		d.advanceList(ctx, &st)
		return nil
	}
	if len(list.Contacts) == 0 {
		d.advanceList(ctx, &st)
		return nil
	}
	if st.CurrentListName != "" && st.CurrentListName != name {
		// list order changed under the cursor
		st.CurrentContactIndex = 0
	}
	st.CurrentListName = name

	// ContactSend
	run := &listRun{
		rules:     rules,
		list:      list,
		quota:     quota,
		sentToday: sentToday,
	}
	d.setStatus(func(s *Status) { s.Phase, s.NextWake = PhaseSending, time.Time{} })
	completed, err := d.sendList(ctx, &st, run)
	if err != nil {
		return err
	}
	if completed {
		d.completeList(ctx, &st, run)
	}
	return nil
}

func (d *Dispatcher) rollover(ctx context.Context, st *DispatchState, rules DispatchRules, now time.Time) {
	if d.deps.Scheduler != nil {
		if err := d.deps.Scheduler.RunDue(ctx, now); err != nil {
			d.log.Error("scheduled sends failed", "error", err)
		}
	}

	if st.LastDispatchDay == "" {
		st.WarmupDaysRemaining = rules.WarmupDays
		st.DaysElapsed = 0
	} else {
		if prev, err := time.ParseInLocation("2006-01-02", st.LastDispatchDay, d.opts.Location); err == nil {
			if rules.ValidDay(prev) {
				d.maybeDailyReport(ctx, st, d.scanLists(ctx), prev, DailyQuota(st.DaysElapsed, rules))
			}
		} else {
			d.log.Warn("unparseable lastDispatchDay", "value", st.LastDispatchDay)
		}
		if st.WarmupDaysRemaining > 0 {
			st.WarmupDaysRemaining--
		}
		st.DaysElapsed++
	}

	st.LastDispatchDay = DayKey(now)
	st.TodaySentCount = 0
	st.BurstPausesToday = 0
	st.CurrentListIndex = 0
	st.CurrentListName = ""
	st.CurrentContactIndex = 0
	st.AttemptedToday = false
	st.DailyReportSent = false
	d.passSends = 0
	d.saveState(ctx, *st)

	log.Printf("[Dispatcher:%s] Day %s started (days elapsed: %d, quota: %d)",
		d.opts.Tenant, st.LastDispatchDay, st.DaysElapsed, DailyQuota(st.DaysElapsed, rules))
}

// maybeDailyReport sends the report for day once, if anything was attempted.
func (d *Dispatcher) maybeDailyReport(ctx context.Context, st *DispatchState, lists []*CampaignList, day time.Time, quota int) {
	if !st.AttemptedToday || st.DailyReportSent {
		return
	}
	counts, perList := CountsOn(lists, day)
	summary := DailySummary{
		Tenant:              d.opts.Tenant,
		Date:                DayKey(day),
		Counts:              counts,
		Lists:               perList,
		Quota:               quota,
		DaysElapsed:         st.DaysElapsed,
		WarmupDaysRemaining: st.WarmupDaysRemaining,
	}
	if err := d.deps.Reporter.DailyReport(ctx, summary); err != nil {
		d.log.Error("daily report failed", "date", summary.Date, "error", err)
		return
	}
	st.DailyReportSent = true
	d.saveState(ctx, *st)
}

func (d *Dispatcher) advanceList(ctx context.Context, st *DispatchState) {
	st.CurrentListIndex++
	st.CurrentContactIndex = 0
	st.CurrentListName = ""
	d.saveState(ctx, *st)
}

func (d *Dispatcher) completeList(ctx context.Context, st *DispatchState, run *listRun) {
	if run.startIndex > 0 || run.processed > 0 {
		summary := ListSummary{
			Tenant:      d.opts.Tenant,
			List:        run.list.Name,
			Counts:      run.list.Counts(),
			CompletedAt: d.now(),
		}
		if err := d.deps.Reporter.ListReport(ctx, summary); err != nil {
			d.log.Error("list report failed", "list", run.list.Name, "error", err)
		}
		log.Printf("[Dispatcher:%s] List %s completed (sent: %d, no whatsapp: %d, failed: %d, pending: %d)",
			d.opts.Tenant, run.list.Name, summary.Counts.Sent, summary.Counts.NoWhatsApp,
			summary.Counts.Failed, summary.Counts.Pending)
	}
	st.ClearMilestones(run.list.Name)
	d.advanceList(ctx, st)
}

func (d *Dispatcher) loadRules(ctx context.Context) DispatchRules {
	raw, err := d.deps.Rules.Load(ctx)
	if err != nil {
		d.log.Warn("failed to load dispatch rules, using defaults", "error", err)
		raw = nil
	}
	return ResolveRules(raw)
}

func (d *Dispatcher) loadState(ctx context.Context) DispatchState {
	st, err := d.deps.State.Load(ctx)
	if err != nil {
		d.log.Warn("failed to load dispatch state, starting fresh", "error", err)
		return DispatchState{}
	}
	return st
}

// saveState swallows errors: a bad write must not crash-loop the tenant.
func (d *Dispatcher) saveState(ctx context.Context, st DispatchState) {
	if err := d.deps.State.Save(ctx, st); err != nil {
		d.log.Error("failed to persist dispatch state", "error", err)
	}
}

// scanLists loads every list on storage, in dispatch order.
func (d *Dispatcher) scanLists(ctx context.Context) []*CampaignList {
	names, err := d.deps.Lists.Names(ctx)
	if err != nil {
		d.log.Warn("failed to read campaign lists", "error", err)
		return nil
	}
	lists := make([]*CampaignList, 0, len(names))
	for _, name := range names {
		l, err := d.deps.Lists.Load(ctx, name)
		if err != nil {
			d.log.Warn("failed to load campaign list", "list", name, "error", err)
			continue
		}
		lists = append(lists, l)
	}
	return lists
}

func (d *Dispatcher) sleepUntil(ctx context.Context, phase Phase, t time.Time) error {
	return d.sleepFor(ctx, phase, t.Sub(d.now()))
}

func (d *Dispatcher) sleepFor(ctx context.Context, phase Phase, dur time.Duration) error {
	if dur < time.Second {
		dur = time.Second
	}
	wake := d.now().Add(dur)
	d.setStatus(func(s *Status) { s.Phase, s.NextWake = phase, wake })
	if phase != PhaseSending {
		log.Printf("[Dispatcher:%s] %s, sleeping until %s", d.opts.Tenant, phase, wake.Format(time.RFC3339))
	}
	return d.deps.Clock.Sleep(ctx, dur)
}

func jitter(r DispatchRules) time.Duration {
	span := r.IntervalMax - r.IntervalMin
	if span <= 0 {
		return r.IntervalMin
	}
	return r.IntervalMin + time.Duration(rand.Int64N(int64(span)+1))
}
