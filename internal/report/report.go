// Package report delivers operator reports and dispatch log entries to the
// configured sinks: the tenant admin chat, a webhook, an S3 archive, SES
// email and DynamoDB.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

// Kinds of report, used in archive keys and webhook envelopes.
const (
	KindDaily    = "daily"
	KindList     = "list"
	KindProgress = "progress"
)

// Multi fans a report out to every sink. A failing sink is logged and does
// not stop the others; the joined error is returned.
type Multi struct {
	sinks []disparo.Reporter
}

// NewMulti skips nil sinks.
func NewMulti(sinks ...disparo.Reporter) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// DailyReport implements disparo.Reporter.
func (m *Multi) DailyReport(ctx context.Context, s disparo.DailySummary) error {
	return m.each(KindDaily, func(r disparo.Reporter) error { return r.DailyReport(ctx, s) })
}

// ListReport implements disparo.Reporter.
func (m *Multi) ListReport(ctx context.Context, s disparo.ListSummary) error {
	return m.each(KindList, func(r disparo.Reporter) error { return r.ListReport(ctx, s) })
}

// Progress implements disparo.Reporter.
func (m *Multi) Progress(ctx context.Context, u disparo.ProgressUpdate) error {
	return m.each(KindProgress, func(r disparo.Reporter) error { return r.Progress(ctx, u) })
}

func (m *Multi) each(kind string, fn func(disparo.Reporter) error) error {
	var errs []error
	for i, s := range m.sinks {
		if err := fn(s); err != nil {
			logger.Warn("report sink failed", "kind", kind, "sink", fmt.Sprintf("%T", s), "index", i, "error", err.Error())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiLog records dispatch entries in every log. The first log is the
// authoritative one; its error is returned, the others are logged.
type MultiLog struct {
	logs []disparo.DispatchLog
}

// NewMultiLog skips nil logs.
func NewMultiLog(logs ...disparo.DispatchLog) *MultiLog {
	m := &MultiLog{}
	for _, l := range logs {
		if l != nil {
			m.logs = append(m.logs, l)
		}
	}
	return m
}

// Record implements disparo.DispatchLog.
func (m *MultiLog) Record(ctx context.Context, e disparo.ReportEntry) error {
	var first error
	for i, l := range m.logs {
		err := l.Record(ctx, e)
		if err == nil {
			continue
		}
		if i == 0 {
			first = err
			continue
		}
		logger.Warn("dispatch log mirror failed", "sink", fmt.Sprintf("%T", l), "error", err.Error())
	}
	return first
}

func countsVars(c disparo.OutcomeCounts) map[string]any {
	return map[string]any{
		"total":      c.Total,
		"sent":       c.Sent,
		"noWhatsApp": c.NoWhatsApp,
		"failed":     c.Failed,
		"pending":    c.Pending,
	}
}

func dailyVars(s disparo.DailySummary) map[string]any {
	lists := make([]map[string]any, 0, len(s.Lists))
	for _, name := range sortedKeys(s.Lists) {
		lists = append(lists, map[string]any{"name": name, "counts": countsVars(s.Lists[name])})
	}
	return map[string]any{
		"tenant":     s.Tenant,
		"date":       s.Date,
		"counts":     countsVars(s.Counts),
		"lists":      lists,
		"quota":      s.Quota,
		"day":        s.DaysElapsed + 1,
		"warmupLeft": s.WarmupDaysRemaining,
	}
}

func listVars(s disparo.ListSummary) map[string]any {
	return map[string]any{
		"tenant":      s.Tenant,
		"list":        s.List,
		"counts":      countsVars(s.Counts),
		"completedAt": s.CompletedAt,
	}
}

func progressVars(u disparo.ProgressUpdate) map[string]any {
	return map[string]any{
		"tenant":    u.Tenant,
		"list":      u.List,
		"tier":      u.Tier,
		"processed": u.Processed,
		"total":     u.Total,
		"sent":      u.Sent,
	}
}
