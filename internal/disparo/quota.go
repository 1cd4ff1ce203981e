package disparo

import "math"

// DailyQuota ramps linearly from InitialDailyQuota on day 0 to
// DailyQuotaCeiling on day WarmupDays, then stays at the ceiling.
// WarmupDays == 0 means warm-up is already complete.
func DailyQuota(daysElapsed int, r DispatchRules) int {
	if r.WarmupDays <= 0 || daysElapsed > r.WarmupDays {
		return r.DailyQuotaCeiling
	}
	if daysElapsed < 0 {
		daysElapsed = 0
	}
	span := float64(r.DailyQuotaCeiling - r.InitialDailyQuota)
	q := int(math.Round(float64(r.InitialDailyQuota) + span*float64(daysElapsed)/float64(r.WarmupDays)))
	if q > r.DailyQuotaCeiling {
		q = r.DailyQuotaCeiling
	}
	return q
}
