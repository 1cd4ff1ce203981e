package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

const defaultTimeout = 5 * time.Minute

// Options tune a Scheduler.
type Options struct {
	MediaDir string
	Timeout  time.Duration
	Now      func() time.Time
}

// Scheduler arms timers for the messages due on the current day. Timers are
// kept in a registry keyed by message id so re-arming is a no-op.
type Scheduler struct {
	tenant    string
	store     *Store
	transport disparo.Transport
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	timers  map[string]*time.Timer
	horizon time.Time
	stopped bool

	sent   int64
	failed int64
}

// NewScheduler sends tenant's scheduled messages through transport.
func NewScheduler(tenant string, store *Store, transport disparo.Transport, opts Options) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tenant:    tenant,
		store:     store,
		transport: transport,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]*time.Timer),
	}
}

var _ disparo.ScheduledSender = (*Scheduler)(nil)

// RunDue sends every overdue message now and arms timers for the rest of
// day. It is called at startup, at every local midnight once Start runs, and
// on the dispatch loop's day rollover; repeated calls are no-ops.
func (s *Scheduler) RunDue(ctx context.Context, day time.Time) error {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	s.mu.Lock()
	if end.After(s.horizon) {
		s.horizon = end
	}
	s.mu.Unlock()

	due, err := s.store.PendingBefore(ctx, end)
	if err != nil {
		return err
	}

	now := s.opts.Now()
	overdue, armed := 0, 0
	for _, m := range due {
		if m.SendAt.After(now) {
			if s.arm(m.ID, m.SendAt.Sub(now)) {
				armed++
			}
			continue
		}
		overdue++
		if err := s.deliver(ctx, m); err != nil {
			logger.Warn("scheduled send failed", "tenant", s.tenant, "id", m.ID, "phone", m.Phone, "error", err.Error())
		}
	}
	log.Printf("[Scheduler:%s] %s: %d overdue, %d armed", s.tenant, start.Format("2006-01-02"), overdue, armed)
	return nil
}

// Start calls RunDue at every midnight of the Now location until Stop, so
// each day is armed even while the dispatch loop sleeps through closed
// windows.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.rollDays()
	log.Printf("[Scheduler:%s] Started", s.tenant)
}

func (s *Scheduler) rollDays() {
	defer s.wg.Done()
	for {
		now := s.opts.Now()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.RunDue(s.ctx, next); err != nil {
			logger.Warn("arming scheduled messages", "tenant", s.tenant, "day", next.Format("2006-01-02"), "error", err.Error())
		}
	}
}

// Add stores a new message. Messages due before the armed horizon get a
// timer right away.
func (s *Scheduler) Add(ctx context.Context, m Message) (Message, error) {
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	m.ID = uuid.NewString()
	m.SentAt = nil
	m.LastError = ""
	if m.MediaFile != "" && m.MediaKind == "" {
		m.MediaKind = disparo.MediaKindFromPath(m.MediaFile)
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	within := m.SendAt.Before(s.horizon)
	s.mu.Unlock()
	if within {
		d := m.SendAt.Sub(s.opts.Now())
		if d < 0 {
			d = 0
		}
		s.arm(m.ID, d)
	}
	return m, nil
}

// List returns every stored message.
func (s *Scheduler) List(ctx context.Context) ([]Message, error) {
	return s.store.All(ctx)
}

// Cancel disarms and deletes a message.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return s.store.Delete(ctx, id)
}

// Armed returns the number of pending timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stats returns delivered and failed counts since start.
func (s *Scheduler) Stats() (sent, failed int64) {
	return atomic.LoadInt64(&s.sent), atomic.LoadInt64(&s.failed)
}

// Stop cancels every timer. In-flight sends see a cancelled context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	log.Printf("[Scheduler:%s] Stopped", s.tenant)
}

func (s *Scheduler) arm(id string, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.timers[id]; ok {
		return false
	}
	s.timers[id] = time.AfterFunc(d, func() { s.fire(id) })
	return true
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}

	m, err := s.store.Get(s.ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("loading scheduled message", "tenant", s.tenant, "id", id, "error", err.Error())
		}
		return
	}
	if m.SentAt != nil {
		return
	}
	if err := s.deliver(s.ctx, m); err != nil {
		logger.Warn("scheduled send failed", "tenant", s.tenant, "id", id, "phone", m.Phone, "error", err.Error())
	}
}

// deliver sends m once. The row is claimed first so a timer and an overdue
// pass never both send it. Invalid or unregistered phones close the message
// with last_error set; other failures release it for the next day.
func (s *Scheduler) deliver(ctx context.Context, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	claimed, err := s.store.Claim(ctx, m.ID, s.opts.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	reg, err := s.transport.CheckRegistration(ctx, m.Phone)
	if err != nil {
		return s.fail(ctx, m, err)
	}
	if !reg.Registered {
		atomic.AddInt64(&s.failed, 1)
		return s.store.MarkSent(ctx, m.ID, s.opts.Now(), "not on WhatsApp")
	}
	chatID := reg.ChatID
	if chatID == "" {
		chatID = m.Phone
	}

	if m.MediaFile != "" {
		path := m.MediaFile
		if !filepath.IsAbs(path) && s.opts.MediaDir != "" {
			path = filepath.Join(s.opts.MediaDir, path)
		}
		err := disparo.SendMedia(ctx, s.transport, chatID, path, m.MediaKind, "")
		if err != nil {
			if m.Text == "" {
				return s.fail(ctx, m, err)
			}
			logger.Warn("scheduled media failed", "tenant", s.tenant, "id", m.ID, "error", err.Error())
		}
	}
	if m.Text != "" {
		if err := s.transport.SendText(ctx, chatID, m.Text); err != nil {
			return s.fail(ctx, m, err)
		}
	}

	atomic.AddInt64(&s.sent, 1)
	return s.store.MarkSent(ctx, m.ID, s.opts.Now(), "")
}

func (s *Scheduler) fail(ctx context.Context, m Message, cause error) error {
	atomic.AddInt64(&s.failed, 1)
	// the claim must be released even when the send timed out
	ctx = context.WithoutCancel(ctx)
	var err error
	if errors.Is(cause, disparo.ErrPermanent) {
		err = s.store.MarkSent(ctx, m.ID, s.opts.Now(), cause.Error())
	} else {
		err = s.store.MarkFailed(ctx, m.ID, cause.Error())
	}
	if err != nil {
		logger.Error("recording scheduled send outcome", "tenant", s.tenant, "id", m.ID, "error", err.Error())
	}
	return fmt.Errorf("scheduled message %s: %w", m.ID, cause)
}
