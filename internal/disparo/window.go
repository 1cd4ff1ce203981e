package disparo

import (
	"strings"
	"time"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday, "domingo": time.Sunday, "dom": time.Sunday,
	"monday": time.Monday, "mon": time.Monday, "segunda": time.Monday, "seg": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "terca": time.Tuesday, "ter": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "quarta": time.Wednesday, "qua": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "quinta": time.Thursday, "qui": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "sexta": time.Friday, "sex": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "sabado": time.Saturday, "sab": time.Saturday,
}

var accentFolder = strings.NewReplacer("ç", "c", "á", "a", "à", "a", "ã", "a", "â", "a", "é", "e", "ê", "e", "í", "i", "ó", "o", "ô", "o", "ú", "u")

// ParseWeekday accepts English and Portuguese day names, full or abbreviated,
// with or without accents and the "-feira" suffix.
func ParseWeekday(name string) (time.Weekday, bool) {
	n := accentFolder.Replace(strings.ToLower(strings.TrimSpace(name)))
	n = strings.TrimSuffix(n, "-feira")
	n = strings.TrimSuffix(n, " feira")
	wd, ok := weekdayNames[n]
	return wd, ok
}

// IsWeekdayInRange reports whether date falls between the named weekdays,
// inclusive. Ranges wrap across the week end (friday..monday). Unknown names
// yield false.
func IsWeekdayInRange(start, end string, date time.Time) bool {
	s, ok1 := ParseWeekday(start)
	e, ok2 := ParseWeekday(end)
	if !ok1 || !ok2 {
		logger.Warn("unrecognized weekday in range", "start", start, "end", end)
		return false
	}
	return weekdayInRange(s, e, date.Weekday())
}

func weekdayInRange(start, end, day time.Weekday) bool {
	if start <= end {
		return day >= start && day <= end
	}
	return day >= start || day <= end
}

// IsWithinTimeWindow reports whether now falls inside [start, end] on its own
// calendar day. The end minute is inclusive through :59.999. When end is
// before start the window spans midnight.
func IsWithinTimeWindow(start, end string, now time.Time) bool {
	s, err := ParseClockTime(start)
	if err != nil {
		logger.Warn("invalid window start", "value", start)
		return false
	}
	e, err := ParseClockTime(end)
	if err != nil {
		logger.Warn("invalid window end", "value", end)
		return false
	}
	return withinWindow(s, e, now)
}

func withinWindow(start, end ClockTime, now time.Time) bool {
	startAt := start.On(now)
	endAt := end.On(now).Add(time.Minute - time.Millisecond)
	afterStart := !now.Before(startAt)
	beforeEnd := !now.After(endAt)
	if end.minutes() < start.minutes() {
		return afterStart || beforeEnd
	}
	return afterStart && beforeEnd
}

// NextWindowOpen returns the first window-open instant strictly after now on
// an allowed weekday. With fromTomorrow the search starts on the next day.
func NextWindowOpen(r DispatchRules, now time.Time, fromTomorrow bool) time.Time {
	day := StartOfDay(now)
	if fromTomorrow {
		day = day.AddDate(0, 0, 1)
	}
	for i := 0; i < 8; i++ {
		open := r.WindowStart.On(day)
		if r.ValidDay(open) && open.After(now) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	return now.Add(24 * time.Hour)
}

// StartOfDay is local midnight of t.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DayKey formats t as the persisted calendar day.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
