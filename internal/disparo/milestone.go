package disparo

import "context"

// MilestoneTiers are the progress percentages that trigger a notification.
var MilestoneTiers = []int{50, 60, 70, 80, 90}

// MilestoneTier returns the highest tier reached by sent/total, or 0.
func MilestoneTier(sent, total int) int {
	if total <= 0 {
		return 0
	}
	pct := sent * 100 / total
	reached := 0
	for _, tier := range MilestoneTiers {
		if pct >= tier {
			reached = tier
		}
	}
	return reached
}

// checkMilestones notifies the highest newly reached tier of list once and
// records it, together with any lower tiers it jumped over.
func (d *Dispatcher) checkMilestones(ctx context.Context, st *DispatchState, list *CampaignList) {
	counts := list.Counts()
	total := len(list.Contacts)
	tier := MilestoneTier(counts.Sent, total)
	if tier == 0 || st.HasMilestone(list.Name, tier) {
		return
	}

	update := ProgressUpdate{
		Tenant:    d.opts.Tenant,
		List:      list.Name,
		Tier:      tier,
		Processed: list.Processed(),
		Total:     total,
		Sent:      counts.Sent,
	}
	if err := d.deps.Reporter.Progress(ctx, update); err != nil {
		d.log.Error("progress notification failed", "list", list.Name, "tier", tier, "error", err)
		return
	}
	for _, t := range MilestoneTiers {
		if t <= tier {
			st.AddMilestone(list.Name, t)
		}
	}
	d.saveState(ctx, *st)
}
