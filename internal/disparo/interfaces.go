package disparo

import (
	"context"
	"time"
)

// RuleStore loads the tenant's flat rule record.
type RuleStore interface {
	Load(ctx context.Context) (map[string]string, error)
}

// ListStore reads and writes campaign lists. Names are returned in dispatch
// order. Load always reads storage; nothing is cached between calls.
type ListStore interface {
	Names(ctx context.Context) ([]string, error)
	Load(ctx context.Context, name string) (*CampaignList, error)
	Save(ctx context.Context, list *CampaignList) error
}

// StateStore persists the tenant's DispatchState. Load returns zero-value
// defaults when nothing usable is stored.
type StateStore interface {
	Load(ctx context.Context) (DispatchState, error)
	Save(ctx context.Context, st DispatchState) error
}

// HistoryStore is the per-contact conversation log shared with the inbound
// pipeline.
type HistoryStore interface {
	Append(ctx context.Context, phone string, entry HistoryEntry) error
	Load(ctx context.Context, phone string) ([]HistoryEntry, error)
}

// DispatchLog records every send attempt.
type DispatchLog interface {
	Record(ctx context.Context, entry ReportEntry) error
}

// Registration is the answer of a registration pre-check. ChatID is the
// address to send to when the network resolved one.
type Registration struct {
	Registered bool
	ChatID     string
}

// Transport is the messaging capability the loop consumes.
type Transport interface {
	SendText(ctx context.Context, chatID, text string) error
	CheckRegistration(ctx context.Context, phone string) (Registration, error)
	SendImage(ctx context.Context, chatID, path, caption string) error
	SendVideo(ctx context.Context, chatID, path, caption string) error
	SendDocument(ctx context.Context, chatID, path, caption string) error
	SendVoiceNote(ctx context.Context, chatID, path string) error
}

// Reporter renders and delivers operator reports.
type Reporter interface {
	DailyReport(ctx context.Context, summary DailySummary) error
	ListReport(ctx context.Context, summary ListSummary) error
	Progress(ctx context.Context, update ProgressUpdate) error
}

// ScheduledSender is the send-at-a-specific-time sub-feature. The loop nudges
// it on every day rollover; RunDue must be idempotent.
type ScheduledSender interface {
	RunDue(ctx context.Context, day time.Time) error
}

// Renderer fills a message template for one contact.
type Renderer interface {
	Render(template string, vars map[string]any) (string, error)
}

// Clock abstracts time so the loop can be driven by tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

// Now returns time.Now.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx ends.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopReporter struct{}

func (nopReporter) DailyReport(context.Context, DailySummary) error { return nil }
func (nopReporter) ListReport(context.Context, ListSummary) error   { return nil }
func (nopReporter) Progress(context.Context, ProgressUpdate) error  { return nil }
