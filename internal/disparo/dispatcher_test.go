package disparo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_SendsWholeList(t *testing.T) {
	h := newHarness(alwaysOpenRules(100), todayState(), pendingList("teste", 10))
	h.stopOnListReport()

	err := h.run()
	require.ErrorIs(t, err, context.Canceled)

	list := h.lists.get("teste")
	for i, c := range list.Contacts {
		assert.Equal(t, StatusSent, c.Status, "contact %d", i)
		require.NotNil(t, c.FirstContact, "contact %d", i)
	}

	require.Len(t, h.reporter.lists, 1)
	assert.Equal(t, "teste", h.reporter.lists[0].List)
	assert.Equal(t, 10, h.reporter.lists[0].Counts.Sent)

	st := h.state.get()
	assert.Equal(t, 1, st.CurrentListIndex)
	assert.Equal(t, 0, st.CurrentContactIndex)
	assert.Equal(t, 10, st.TodaySentCount)
	assert.True(t, st.AttemptedToday)
	assert.Empty(t, st.Milestones["teste"], "milestones are cleared on completion")

	assert.Len(t, h.transport.texts, 10)
	assert.Equal(t, "Oi Contato 0, tudo bem?", h.transport.texts[0].Text)
	assert.Len(t, h.log.entries, 10)

	hist, _ := h.history.Load(context.Background(), list.Contacts[0].Phone)
	require.Len(t, hist, 1)
	assert.Equal(t, DirectionAI, hist[0].Direction)
}

func TestDispatcher_MilestonesOncePerTier(t *testing.T) {
	h := newHarness(alwaysOpenRules(100), todayState(), pendingList("teste", 10))

	sends := 0
	h.transport.onSend = func(string) {
		sends++
		if sends == 6 {
			h.stop()
		}
	}
	require.ErrorIs(t, h.run(), context.Canceled)

	var tiers []int
	for _, p := range h.reporter.progress {
		tiers = append(tiers, p.Tier)
	}
	assert.Equal(t, []int{50, 60}, tiers)
	assert.Equal(t, []int{50, 60}, h.state.get().Milestones["teste"])

	// restart and finish the list
	h.transport.onSend = nil
	h.restart()
	h.stopOnListReport()
	require.ErrorIs(t, h.run(), context.Canceled)

	tiers = tiers[:0]
	for _, p := range h.reporter.progress {
		tiers = append(tiers, p.Tier)
	}
	assert.Equal(t, []int{50, 60, 70, 80, 90}, tiers)
	assert.Len(t, h.transport.texts, 10, "no contact is sent twice across the restart")
}

func TestDispatcher_NoWhatsAppSkipsDelay(t *testing.T) {
	list := pendingList("a", 3)
	h := newHarness(alwaysOpenRules(100), todayState(), list)
	unregistered := list.Contacts[1].Phone
	h.transport.unregistered[unregistered] = true
	h.stopOnListReport()

	require.ErrorIs(t, h.run(), context.Canceled)

	got := h.lists.get("a")
	assert.Equal(t, StatusSent, got.Contacts[0].Status)
	assert.Equal(t, StatusNoWhatsApp, got.Contacts[1].Status)
	assert.Equal(t, StatusSent, got.Contacts[2].Status)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.clock.sleeps,
		"only successful sends are followed by the jitter delay")
	assert.Equal(t, 2, h.state.get().TodaySentCount)

	// a later pass never re-checks the NoWhatsApp contact
	h.reporter.onList = nil
	h.restart()
	h.stopOnSleepOver(time.Hour)
	require.ErrorIs(t, h.run(), context.Canceled)
	assert.Equal(t, 1, h.transport.checks[unregistered])
	assert.Len(t, h.transport.texts, 2)
}

func TestDispatcher_ResumesAtPersistedCursor(t *testing.T) {
	st := todayState()
	st.CurrentListIndex = 2
	st.CurrentListName = "c"
	st.CurrentContactIndex = 5
	h := newHarness(alwaysOpenRules(100), st,
		pendingList("a", 10), pendingList("b", 10), pendingList("c", 10), pendingList("d", 10))
	h.transport.onSend = func(string) { h.stop() }

	require.ErrorIs(t, h.run(), context.Canceled)

	c := h.lists.get("c")
	require.Equal(t, []string{c.Contacts[5].Phone}, h.transport.sentPhones())
	for i := 0; i < 5; i++ {
		assert.Equal(t, StatusPending, c.Contacts[i].Status, "contact %d before the cursor", i)
	}
	assert.Equal(t, StatusSent, c.Contacts[5].Status)
	assert.Equal(t, 0, h.lists.get("a").Processed())
	assert.Equal(t, 0, h.lists.get("b").Processed())

	got := h.state.get()
	assert.Equal(t, 2, got.CurrentListIndex)
	assert.Equal(t, 6, got.CurrentContactIndex)
}

func TestDispatcher_ResetsContactCursorWhenListChanged(t *testing.T) {
	st := todayState()
	st.CurrentListName = "removed"
	st.CurrentContactIndex = 5
	h := newHarness(alwaysOpenRules(100), st, pendingList("a", 3))
	h.transport.onSend = func(string) { h.stop() }

	require.ErrorIs(t, h.run(), context.Canceled)

	a := h.lists.get("a")
	assert.Equal(t, []string{a.Contacts[0].Phone}, h.transport.sentPhones())
}

func TestDispatcher_NeverResendsSent(t *testing.T) {
	earlier := testNow.Add(-48 * time.Hour)
	list := pendingList("a", 4)
	list.Contacts[0].Status = StatusSent
	list.Contacts[0].FirstContact = &earlier
	list.Contacts[2].Status = StatusSent
	list.Contacts[2].FirstContact = &earlier

	h := newHarness(alwaysOpenRules(100), todayState(), list)
	h.stopOnListReport()
	require.ErrorIs(t, h.run(), context.Canceled)

	assert.Equal(t, []string{list.Contacts[1].Phone, list.Contacts[3].Phone}, h.transport.sentPhones())
	got := h.lists.get("a")
	assert.Equal(t, earlier, *got.Contacts[0].FirstContact, "first contact stamp is never rewritten")
}

func TestDispatcher_QuotaStopsAndReports(t *testing.T) {
	h := newHarness(alwaysOpenRules(3), todayState(), pendingList("a", 10))
	var stoppedFor time.Duration
	h.clock.stop = func(d time.Duration) bool {
		if d > time.Minute {
			stoppedFor = d
			return true
		}
		return false
	}

	require.ErrorIs(t, h.run(), context.Canceled)

	assert.Len(t, h.transport.texts, 3)
	require.Len(t, h.reporter.daily, 1)
	assert.Equal(t, DayKey(testNow), h.reporter.daily[0].Date)
	assert.Equal(t, 3, h.reporter.daily[0].Counts.Sent)
	assert.Equal(t, 3, h.reporter.daily[0].Lists["a"].Sent)

	st := h.state.get()
	assert.Equal(t, 3, st.CurrentContactIndex)
	assert.True(t, st.DailyReportSent)

	// woke at tomorrow's window open (00:00 with always-open rules)
	now := h.clock.Now()
	assert.Equal(t, StartOfDay(testNow).AddDate(0, 0, 1), now.Add(stoppedFor))
	assert.Equal(t, PhaseQuotaReached, h.d.Status().Phase)
}

func TestDispatcher_RecountIsAuthoritative(t *testing.T) {
	today := testNow.Add(-time.Hour)
	list := pendingList("a", 10)
	for i := 0; i < 5; i++ {
		list.Contacts[i].Status = StatusSent
		list.Contacts[i].FirstContact = &today
	}
	st := todayState()
	st.TodaySentCount = 0 // stale counter

	h := newHarness(alwaysOpenRules(5), st, list)
	h.stopOnSleepOver(time.Minute)
	require.ErrorIs(t, h.run(), context.Canceled)

	assert.Empty(t, h.transport.texts)
	assert.Equal(t, 5, h.d.Status().SentToday)
}

func TestDispatcher_WindowClosedSleepsUntilOpen(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "after hours on a weekday",
			now:  time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "before hours on a weekday",
			now:  time.Date(2026, 3, 4, 6, 30, 0, 0, time.UTC),
			want: time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "friday evening waits for monday",
			now:  time.Date(2026, 3, 6, 19, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "saturday",
			now:  time.Date(2026, 3, 7, 11, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(memRules{}, DispatchState{LastDispatchDay: DayKey(tt.now)}, pendingList("a", 3))
			h.clock.now = tt.now
			var slept time.Duration
			h.clock.stop = func(d time.Duration) bool {
				slept = d
				return true
			}

			require.ErrorIs(t, h.run(), context.Canceled)
			assert.Empty(t, h.transport.texts)
			assert.Equal(t, tt.want, tt.now.Add(slept))
			assert.Equal(t, PhaseWindowClosed, h.d.Status().Phase)
		})
	}
}

func TestDispatcher_WindowCloseSendsDailyReportOnce(t *testing.T) {
	after := time.Date(2026, 3, 4, 18, 30, 0, 0, time.UTC)
	sent := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)
	list := pendingList("a", 4)
	list.Contacts[0].Status = StatusSent
	list.Contacts[0].FirstContact = &sent

	st := DispatchState{LastDispatchDay: DayKey(after), AttemptedToday: true, DaysElapsed: 1}
	h := newHarness(memRules{}, st, list)
	h.clock.now = after

	h.clock.frozen = true
	sleeps := 0
	h.clock.stop = func(time.Duration) bool {
		sleeps++
		return sleeps > 2
	}
	require.ErrorIs(t, h.run(), context.Canceled)

	require.Len(t, h.reporter.daily, 1)
	assert.Equal(t, 1, h.reporter.daily[0].Counts.Sent)
	assert.True(t, h.state.get().DailyReportSent)
}

func TestDispatcher_DayRollover(t *testing.T) {
	yesterday := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	list := pendingList("a", 5)
	list.Contacts[0].Status = StatusSent
	list.Contacts[0].FirstContact = &yesterday
	list.Contacts[1].Status = StatusNoWhatsApp
	list.Contacts[1].FirstContact = &yesterday

	st := DispatchState{
		LastDispatchDay:     "2026-03-03",
		AttemptedToday:      true,
		DaysElapsed:         2,
		WarmupDaysRemaining: 5,
		TodaySentCount:      1,
		CurrentListIndex:    3,
		BurstPausesToday:    1,
	}
	h := newHarness(alwaysOpenRules(100), st, list)
	h.clock.stop = func(time.Duration) bool { return true }

	require.ErrorIs(t, h.run(), context.Canceled)

	require.Len(t, h.scheduler.days, 1)
	require.Len(t, h.reporter.daily, 1)
	report := h.reporter.daily[0]
	assert.Equal(t, "2026-03-03", report.Date)
	assert.Equal(t, 1, report.Counts.Sent)
	assert.Equal(t, 1, report.Counts.NoWhatsApp)

	got := h.state.get()
	assert.Equal(t, DayKey(testNow), got.LastDispatchDay)
	assert.Equal(t, 3, got.DaysElapsed)
	assert.Equal(t, 4, got.WarmupDaysRemaining)
	assert.Equal(t, 0, got.BurstPausesToday)
	assert.False(t, got.DailyReportSent)
	assert.Equal(t, 1, got.TodaySentCount, "one send happened after the rollover")
	assert.Equal(t, 0, got.CurrentListIndex)
}

func TestDispatcher_FirstRunInitializesWarmup(t *testing.T) {
	rules := alwaysOpenRules(100)
	rules[KeyInitialDailyQuota] = "10"
	rules[KeyWarmupDays] = "15"
	h := newHarness(rules, DispatchState{}, pendingList("a", 1))
	h.clock.stop = func(time.Duration) bool { return true }

	require.ErrorIs(t, h.run(), context.Canceled)

	got := h.state.get()
	assert.Equal(t, DayKey(testNow), got.LastDispatchDay)
	assert.Equal(t, 0, got.DaysElapsed)
	assert.Equal(t, 15, got.WarmupDaysRemaining)
	assert.Empty(t, h.reporter.daily, "nothing to report on the first day")
	assert.Equal(t, 10, h.d.Status().Quota)
}

func TestDispatcher_TransportFailureLeavesPending(t *testing.T) {
	list := pendingList("a", 3)
	h := newHarness(alwaysOpenRules(100), todayState(), list)
	h.transport.failing[list.Contacts[0].Phone] = errors.New("socket closed")
	h.transport.failing[list.Contacts[1].Phone] = fmt.Errorf("bad jid: %w", ErrPermanent)
	h.stopOnListReport()

	require.ErrorIs(t, h.run(), context.Canceled)

	got := h.lists.get("a")
	assert.Equal(t, StatusPending, got.Contacts[0].Status)
	assert.Nil(t, got.Contacts[0].FirstContact)
	assert.Equal(t, StatusOtherFailure, got.Contacts[1].Status)
	assert.Equal(t, StatusSent, got.Contacts[2].Status)
	assert.Equal(t, 1, h.state.get().TodaySentCount)

	require.Len(t, h.log.entries, 3)
	assert.False(t, h.log.entries[0].Success)
	assert.Equal(t, "socket closed", h.log.entries[0].Error)
	assert.True(t, h.log.entries[2].Success)
}

func TestDispatcher_IdleAfterEmptyPass(t *testing.T) {
	earlier := testNow.Add(-48 * time.Hour)
	list := pendingList("a", 2)
	for i := range list.Contacts {
		list.Contacts[i].Status = StatusSent
		list.Contacts[i].FirstContact = &earlier
	}
	h := newHarness(alwaysOpenRules(100), todayState(), list)
	var slept time.Duration
	h.clock.stop = func(d time.Duration) bool {
		slept = d
		return true
	}

	require.ErrorIs(t, h.run(), context.Canceled)

	assert.Equal(t, DefaultIdleSleep, slept)
	assert.Empty(t, h.reporter.lists, "a list completed without processing is not reported")
	assert.Equal(t, PhaseIdle, h.d.Status().Phase)
}

func TestDispatcher_SelectedStrategy(t *testing.T) {
	rules := alwaysOpenRules(100)
	rules[KeyStrategy] = "selected"
	rules[KeySelectedLists] = "b"
	inactive := pendingList("c", 1)
	inactive.Active = false
	h := newHarness(rules, todayState(), pendingList("a", 1), pendingList("b", 1), inactive)
	h.stopOnListReport()

	require.ErrorIs(t, h.run(), context.Canceled)

	assert.Equal(t, []string{h.lists.get("b").Contacts[0].Phone}, h.transport.sentPhones())
}

func TestDispatcher_VersionConflictIsMerged(t *testing.T) {
	h := newHarness(alwaysOpenRules(100), todayState(), pendingList("a", 2))
	h.lists.conflicts = 1
	h.stopOnListReport()

	require.ErrorIs(t, h.run(), context.Canceled)

	got := h.lists.get("a")
	assert.Equal(t, StatusSent, got.Contacts[0].Status)
	assert.Equal(t, StatusSent, got.Contacts[1].Status)
}

func TestDispatcher_BurstPause(t *testing.T) {
	rules := alwaysOpenRules(100)
	rules[KeyBurstPauseThreshold] = "2"
	h := newHarness(rules, todayState(), pendingList("a", 5))
	h.stopOnListReport()

	require.ErrorIs(t, h.run(), context.Canceled)

	pauses := 0
	for _, d := range h.clock.sleeps {
		if d == DefaultBurstPause {
			pauses++
		}
	}
	assert.Equal(t, 2, pauses)
	assert.Equal(t, 2, h.state.get().BurstPausesToday)
}

func TestDispatcher_MediaIsBestEffort(t *testing.T) {
	list := pendingList("a", 1)
	list.Media = []MediaItem{
		{File: "promo.jpg"},
		{File: "broken.pdf"},
		{File: "audio.ogg", Kind: MediaAudio},
	}
	h := newHarness(alwaysOpenRules(100), todayState(), list)
	h.stopOnListReport()

	require.ErrorIs(t, h.run(), context.Canceled)

	assert.Equal(t, []string{"image:/media/promo.jpg", "audio:/media/audio.ogg"}, h.transport.media)
	assert.Len(t, h.transport.texts, 1)
	assert.Equal(t, StatusSent, h.lists.get("a").Contacts[0].Status)
}

func TestContactVars(t *testing.T) {
	vars := ContactVars(Contact{Phone: "5511999999999", Name: "Maria Silva"})
	assert.Equal(t, "Maria Silva", vars["nome"])
	assert.Equal(t, "Maria", vars["firstName"])
	assert.Equal(t, "5511999999999", vars["telefone"])

	vars = ContactVars(Contact{Name: "Maria", LastName: "Silva"})
	assert.Equal(t, "Silva", vars["sobrenome"])
	assert.Equal(t, "Maria", vars["firstName"])
}

func TestDispatcher_HistoryKeyedByChatUser(t *testing.T) {
	list := &CampaignList{Name: "a", Active: true, MessageTemplate: "Oi {nome}", Contacts: []Contact{
		{Phone: "11987654321", Name: "Ana", Status: StatusPending},
	}}
	h := newHarness(alwaysOpenRules(100), todayState(), list)
	h.transport.countryCode = "55"
	h.stopOnListReport()

	require.ErrorIs(t, h.run(), context.Canceled)

	raw, _ := h.history.Load(context.Background(), "11987654321")
	assert.Empty(t, raw, "history is not filed under the list phone")

	// inbound messages are filed under the JID user
	require.NoError(t, h.history.Append(context.Background(), "5511987654321",
		NewHistoryEntry(testNow.Add(time.Minute), DirectionUser, "Oi, quem fala?")))

	hist, err := h.history.Load(context.Background(), "5511987654321")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, DirectionAI, hist[0].Direction)
	assert.Equal(t, "Oi Ana", hist[0].Message)
	assert.Equal(t, DirectionUser, hist[1].Direction)
}

func TestDispatcher_RolloverResetsPassSends(t *testing.T) {
	h := newHarness(alwaysOpenRules(100), DispatchState{})
	st := DispatchState{LastDispatchDay: "2026-03-03"}
	h.d.passSends = 4

	h.d.rollover(h.ctx, &st, ResolveRules(h.rules), testNow)

	assert.Equal(t, 0, h.d.passSends, "the first exhausted pass of a new day counts as idle")
	assert.Equal(t, DayKey(testNow), st.LastDispatchDay)
}

func TestChatUser(t *testing.T) {
	tests := []struct {
		chatID, fallback, want string
	}{
		{"5511987654321@s.whatsapp.net", "11987654321", "5511987654321"},
		{"5511987654321:12@s.whatsapp.net", "x", "5511987654321"},
		{"11987654321", "11987654321", "11987654321"},
		{"@s.whatsapp.net", "fallback", "fallback"},
		{"", "fallback", "fallback"},
	}
	for _, tt := range tests {
		if got := ChatUser(tt.chatID, tt.fallback); got != tt.want {
			t.Errorf("ChatUser(%q, %q) = %q, want %q", tt.chatID, tt.fallback, got, tt.want)
		}
	}
}
