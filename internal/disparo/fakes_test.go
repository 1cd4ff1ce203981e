package disparo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memLists is an in-memory ListStore with the same version semantics as the
// file store.
type memLists struct {
	mu        sync.Mutex
	lists     map[string]*CampaignList
	conflicts int // number of upcoming Saves to reject
	saves     int
}

func newMemLists(lists ...*CampaignList) *memLists {
	m := &memLists{lists: map[string]*CampaignList{}}
	for _, l := range lists {
		m.lists[l.Name] = cloneList(l)
	}
	return m
}

func (m *memLists) Names(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.lists))
	for n := range m.lists {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memLists) Load(ctx context.Context, name string) (*CampaignList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[name]
	if !ok {
		return nil, ErrListNotFound
	}
	return cloneList(l), nil
}

func (m *memLists) Save(ctx context.Context, l *CampaignList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.conflicts > 0 {
		m.conflicts--
		m.lists[l.Name].Version++
		return ErrVersionConflict
	}
	if cur, ok := m.lists[l.Name]; ok && cur.Version != l.Version {
		return ErrVersionConflict
	}
	l.Version++
	m.lists[l.Name] = cloneList(l)
	return nil
}

func (m *memLists) get(name string) *CampaignList {
	l, _ := m.Load(context.Background(), name)
	return l
}

func cloneList(l *CampaignList) *CampaignList {
	c := *l
	c.Media = append([]MediaItem(nil), l.Media...)
	c.Contacts = make([]Contact, len(l.Contacts))
	for i, ct := range l.Contacts {
		if ct.FirstContact != nil {
			ts := *ct.FirstContact
			ct.FirstContact = &ts
		}
		c.Contacts[i] = ct
	}
	return &c
}

type memState struct {
	mu    sync.Mutex
	state DispatchState
	saves int
}

func (m *memState) Load(ctx context.Context) (DispatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.Milestones = map[string][]int{}
	for k, v := range m.state.Milestones {
		st.Milestones[k] = append([]int(nil), v...)
	}
	return st, nil
}

func (m *memState) Save(ctx context.Context, st DispatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.state = st
	return nil
}

func (m *memState) get() DispatchState {
	st, _ := m.Load(context.Background())
	return st
}

type memRules map[string]string

func (r memRules) Load(ctx context.Context) (map[string]string, error) { return r, nil }

type memHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
}

func (h *memHistory) Append(ctx context.Context, phone string, e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entries == nil {
		h.entries = map[string][]HistoryEntry{}
	}
	h.entries[phone] = append(h.entries[phone], e)
	return nil
}

func (h *memHistory) Load(ctx context.Context, phone string) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[phone], nil
}

type memLog struct {
	mu      sync.Mutex
	entries []ReportEntry
}

func (l *memLog) Record(ctx context.Context, e ReportEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

// fakeTransport registers every phone except those in unregistered and
// fails sends for phones in failing.
type fakeTransport struct {
	mu           sync.Mutex
	countryCode  string // prepended to the registered chat id
	unregistered map[string]bool
	failing      map[string]error
	checks       map[string]int
	texts        []sentText
	media        []string
	onSend       func(chatID string)
}

type sentText struct {
	ChatID string
	Text   string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		unregistered: map[string]bool{},
		failing:      map[string]error{},
		checks:       map[string]int{},
	}
}

func (t *fakeTransport) CheckRegistration(ctx context.Context, phone string) (Registration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[phone]++
	if t.unregistered[phone] {
		return Registration{}, nil
	}
	return Registration{Registered: true, ChatID: t.countryCode + phone + "@s.whatsapp.net"}, nil
}

func (t *fakeTransport) SendText(ctx context.Context, chatID, text string) error {
	t.mu.Lock()
	phone := strings.TrimSuffix(chatID, "@s.whatsapp.net")
	if err, ok := t.failing[phone]; ok {
		t.mu.Unlock()
		return err
	}
	t.texts = append(t.texts, sentText{ChatID: chatID, Text: text})
	onSend := t.onSend
	t.mu.Unlock()
	if onSend != nil {
		onSend(chatID)
	}
	return nil
}

func (t *fakeTransport) sendMedia(kind, chatID, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.Contains(path, "broken") {
		return fmt.Errorf("upload failed")
	}
	t.media = append(t.media, kind+":"+path)
	return nil
}

func (t *fakeTransport) SendImage(ctx context.Context, chatID, path, caption string) error {
	return t.sendMedia("image", chatID, path)
}

func (t *fakeTransport) SendVideo(ctx context.Context, chatID, path, caption string) error {
	return t.sendMedia("video", chatID, path)
}

func (t *fakeTransport) SendDocument(ctx context.Context, chatID, path, caption string) error {
	return t.sendMedia("document", chatID, path)
}

func (t *fakeTransport) SendVoiceNote(ctx context.Context, chatID, path string) error {
	return t.sendMedia("audio", chatID, path)
}

func (t *fakeTransport) sentPhones() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.texts))
	for i, s := range t.texts {
		out[i] = strings.TrimSuffix(s.ChatID, "@s.whatsapp.net")
	}
	return out
}

type fakeReporter struct {
	mu       sync.Mutex
	daily    []DailySummary
	lists    []ListSummary
	progress []ProgressUpdate
	onList   func(ListSummary)
}

func (r *fakeReporter) DailyReport(ctx context.Context, s DailySummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.daily = append(r.daily, s)
	return nil
}

func (r *fakeReporter) ListReport(ctx context.Context, s ListSummary) error {
	r.mu.Lock()
	r.lists = append(r.lists, s)
	onList := r.onList
	r.mu.Unlock()
	if onList != nil {
		onList(s)
	}
	return nil
}

func (r *fakeReporter) Progress(ctx context.Context, u ProgressUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, u)
	return nil
}

type fakeScheduler struct {
	days []time.Time
}

func (s *fakeScheduler) RunDue(ctx context.Context, day time.Time) error {
	s.days = append(s.days, day)
	return nil
}

// fakeClock advances instantly on Sleep unless frozen. stop, when set, is
// consulted before each sleep; returning true cancels the run.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	frozen bool
	sleeps []time.Duration
	stop   func(d time.Duration) bool
	cancel context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	stop, cancel := c.stop, c.cancel
	c.mu.Unlock()
	if stop != nil && stop(d) {
		cancel()
		return context.Canceled
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	if !c.frozen {
		c.now = c.now.Add(d)
	}
	c.mu.Unlock()
	return nil
}

type plainRenderer struct{}

func (plainRenderer) Render(tpl string, vars map[string]any) (string, error) {
	out := tpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(v))
	}
	return out, nil
}

// harness bundles a Dispatcher with its fakes.
type harness struct {
	lists     *memLists
	state     *memState
	rules     memRules
	history   *memHistory
	log       *memLog
	transport *fakeTransport
	reporter  *fakeReporter
	scheduler *fakeScheduler
	clock     *fakeClock
	ctx       context.Context
	d         *Dispatcher
}

// Wednesday, inside the default window.
var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func alwaysOpenRules(quota int) memRules {
	return memRules{
		KeyWindowStart:         "00:00",
		KeyWindowEnd:           "23:59",
		KeyWeekdayStart:        "sunday",
		KeyWeekdayEnd:          "saturday",
		KeyIntervalMinMs:       "1000",
		KeyIntervalMaxMs:       "1000",
		KeyInitialDailyQuota:   fmt.Sprint(quota),
		KeyDailyQuotaCeiling:   fmt.Sprint(quota),
		KeyWarmupDays:          "0",
		KeyBurstPauseThreshold: "0",
	}
}

func newHarness(rules memRules, state DispatchState, lists ...*CampaignList) *harness {
	h := &harness{
		lists:     newMemLists(lists...),
		state:     &memState{state: state},
		rules:     rules,
		history:   &memHistory{},
		log:       &memLog{},
		transport: newFakeTransport(),
		reporter:  &fakeReporter{},
		scheduler: &fakeScheduler{},
		clock:     &fakeClock{now: testNow},
	}
	h.restart()
	return h
}

// restart simulates a process restart: a fresh context and Dispatcher over
// the same stores.
func (h *harness) restart() {
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.clock.mu.Lock()
	h.clock.cancel = cancel
	h.clock.mu.Unlock()
	h.d = NewDispatcher(Dependencies{
		Rules:     h.rules,
		Lists:     h.lists,
		State:     h.state,
		History:   h.history,
		Log:       h.log,
		Transport: h.transport,
		Reporter:  h.reporter,
		Scheduler: h.scheduler,
		Renderer:  plainRenderer{},
		Clock:     h.clock,
	}, Options{Tenant: "acme", Location: time.UTC, MediaDir: "/media"})
}

func (h *harness) stop() {
	h.clock.mu.Lock()
	cancel := h.clock.cancel
	h.clock.mu.Unlock()
	cancel()
}

// stopOnListReport ends the run right after the first list completion report.
func (h *harness) stopOnListReport() {
	h.reporter.onList = func(ListSummary) { h.stop() }
}

// stopOnSleepOver cancels the run at the first sleep longer than d.
func (h *harness) stopOnSleepOver(d time.Duration) {
	h.clock.stop = func(s time.Duration) bool { return s > d }
}

func (h *harness) run() error {
	return h.d.Run(h.ctx)
}

func todayState() DispatchState {
	return DispatchState{LastDispatchDay: DayKey(testNow)}
}

func pendingList(name string, n int) *CampaignList {
	l := &CampaignList{Name: name, Active: true, MessageTemplate: "Oi {nome}, tudo bem?"}
	for i := 0; i < n; i++ {
		l.Contacts = append(l.Contacts, Contact{
			Phone:  fmt.Sprintf("5511%03d%06d", name[0], i),
			Name:   fmt.Sprintf("Contato %d", i),
			Status: StatusPending,
		})
	}
	return l
}
