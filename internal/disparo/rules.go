package disparo

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

// Strategy selects which lists a tenant dispatches.
type Strategy string

const (
	AllActiveLists Strategy = "all"
	SelectedLists  Strategy = "selected"
)

// Rule record keys.
const (
	KeyStrategy            = "strategy"
	KeySelectedLists       = "selectedLists"
	KeyWindowStart         = "windowStart"
	KeyWindowEnd           = "windowEnd"
	KeyWeekdayStart        = "weekdayStart"
	KeyWeekdayEnd          = "weekdayEnd"
	KeyIntervalMinMs       = "intervalMinMs"
	KeyIntervalMaxMs       = "intervalMaxMs"
	KeyInitialDailyQuota   = "initialDailyQuota"
	KeyDailyQuotaCeiling   = "dailyQuotaCeiling"
	KeyWarmupDays          = "warmupDays"
	KeyBurstPauseThreshold = "burstPauseThreshold"
)

// ClockTime is a time of day at minute resolution.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" (also "H:MM" and "HHhMM").
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.Replace(s, "h", ":", 1)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("invalid time of day %q", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if parts[1] == "" {
		m, err2 = 0, nil
	}
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("invalid time of day %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// MustClockTime is ParseClockTime for constants.
func MustClockTime(s string) ClockTime {
	ct, err := ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return ct
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) minutes() int { return c.Hour*60 + c.Minute }

// On returns the instant of c on the calendar day of t, in t's location.
func (c ClockTime) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

// DispatchRules are the per-tenant knobs of the dispatch loop.
type DispatchRules struct {
	Strategy            Strategy
	SelectedListNames   map[string]bool
	WindowStart         ClockTime
	WindowEnd           ClockTime
	WeekdayStart        time.Weekday
	WeekdayEnd          time.Weekday
	IntervalMin         time.Duration
	IntervalMax         time.Duration
	InitialDailyQuota   int
	DailyQuotaCeiling   int
	WarmupDays          int
	BurstPauseThreshold int
}

// DefaultRules are used for every field missing from the rule record.
func DefaultRules() DispatchRules {
	return DispatchRules{
		Strategy:            AllActiveLists,
		SelectedListNames:   map[string]bool{},
		WindowStart:         ClockTime{Hour: 8},
		WindowEnd:           ClockTime{Hour: 18},
		WeekdayStart:        time.Monday,
		WeekdayEnd:          time.Friday,
		IntervalMin:         30 * time.Second,
		IntervalMax:         90 * time.Second,
		InitialDailyQuota:   20,
		DailyQuotaCeiling:   200,
		WarmupDays:          15,
		BurstPauseThreshold: 50,
	}
}

// ResolveRules builds DispatchRules from a flat string record. Missing or
// malformed fields take their default; malformed ones are logged.
func ResolveRules(raw map[string]string) DispatchRules {
	r := DefaultRules()

	get := func(key string) (string, bool) {
		v, ok := raw[key]
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	warn := func(key, val string) {
		logger.Warn("invalid dispatch rule, using default", "key", key, "value", val)
	}

	if v, ok := get(KeyStrategy); ok {
		switch strings.ToLower(v) {
		case "all", "todas", "all_active", "allactivelists":
			r.Strategy = AllActiveLists
		case "selected", "selecionadas", "selected_lists", "selectedlists":
			r.Strategy = SelectedLists
		default:
			warn(KeyStrategy, v)
		}
	}
	if v, ok := get(KeySelectedLists); ok {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				r.SelectedListNames[name] = true
			}
		}
	}

	clock := func(key string, dst *ClockTime) {
		if v, ok := get(key); ok {
			ct, err := ParseClockTime(v)
			if err != nil {
				warn(key, v)
				return
			}
			*dst = ct
		}
	}
	clock(KeyWindowStart, &r.WindowStart)
	clock(KeyWindowEnd, &r.WindowEnd)

	weekday := func(key string, dst *time.Weekday) {
		if v, ok := get(key); ok {
			wd, ok := ParseWeekday(v)
			if !ok {
				warn(key, v)
				return
			}
			*dst = wd
		}
	}
	weekday(KeyWeekdayStart, &r.WeekdayStart)
	weekday(KeyWeekdayEnd, &r.WeekdayEnd)

	number := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				f, ferr := strconv.ParseFloat(v, 64)
				if ferr != nil {
					warn(key, v)
					return
				}
				n = int(f)
			}
			if n < 0 {
				warn(key, v)
				return
			}
			*dst = n
		}
	}
	minMs, maxMs := int(r.IntervalMin/time.Millisecond), int(r.IntervalMax/time.Millisecond)
	number(KeyIntervalMinMs, &minMs)
	number(KeyIntervalMaxMs, &maxMs)
	if minMs > maxMs {
		minMs, maxMs = maxMs, minMs
	}
	r.IntervalMin = time.Duration(minMs) * time.Millisecond
	r.IntervalMax = time.Duration(maxMs) * time.Millisecond

	number(KeyInitialDailyQuota, &r.InitialDailyQuota)
	number(KeyDailyQuotaCeiling, &r.DailyQuotaCeiling)
	if r.InitialDailyQuota > r.DailyQuotaCeiling {
		r.InitialDailyQuota = r.DailyQuotaCeiling
	}
	number(KeyWarmupDays, &r.WarmupDays)
	number(KeyBurstPauseThreshold, &r.BurstPauseThreshold)

	return r
}

// Selects reports whether a list takes part in dispatch under these rules.
func (r DispatchRules) Selects(l *CampaignList) bool {
	if !l.Active {
		return false
	}
	if r.Strategy == SelectedLists {
		return r.SelectedListNames[l.Name]
	}
	return true
}

// ValidDay reports whether t falls on an allowed weekday.
func (r DispatchRules) ValidDay(t time.Time) bool {
	return weekdayInRange(r.WeekdayStart, r.WeekdayEnd, t.Weekday())
}

// InWindow reports whether t falls inside the daily send window.
func (r DispatchRules) InWindow(t time.Time) bool {
	return withinWindow(r.WindowStart, r.WindowEnd, t)
}
