package disparo

import "time"

// CountSentOn counts Sent contacts across lists whose first contact falls on
// the calendar day of day, in day's location. This recount is the
// authoritative "sent today" figure.
func CountSentOn(lists []*CampaignList, day time.Time) int {
	start := StartOfDay(day)
	end := start.AddDate(0, 0, 1)
	n := 0
	for _, l := range lists {
		for _, c := range l.Contacts {
			if c.Status == StatusSent && stampedBetween(c, start, end) {
				n++
			}
		}
	}
	return n
}

// CountsOn aggregates outcomes stamped on the calendar day of day, overall
// and per list.
func CountsOn(lists []*CampaignList, day time.Time) (OutcomeCounts, map[string]OutcomeCounts) {
	start := StartOfDay(day)
	end := start.AddDate(0, 0, 1)
	var total OutcomeCounts
	perList := make(map[string]OutcomeCounts, len(lists))
	for _, l := range lists {
		var oc OutcomeCounts
		for _, c := range l.Contacts {
			if c.Status.IsPending() || !stampedBetween(c, start, end) {
				continue
			}
			oc.add(c.Status)
			total.add(c.Status)
		}
		if oc.Total > 0 {
			perList[l.Name] = oc
		}
	}
	return total, perList
}

func stampedBetween(c Contact, start, end time.Time) bool {
	if c.FirstContact == nil {
		return false
	}
	t := *c.FirstContact
	return !t.Before(start) && t.Before(end)
}
