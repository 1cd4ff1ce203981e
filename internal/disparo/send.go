package disparo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/retry"
)

// listRun is the working set of one ContactSend pass over a list.
type listRun struct {
	rules      DispatchRules
	list       *CampaignList
	quota      int
	sentToday  int
	startIndex int
	processed  int
}

var conflictPolicy = retry.Policy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// sendList walks the list from the persisted cursor. It returns true when the
// end of the list was reached, false when a gate closed mid-list.
func (d *Dispatcher) sendList(ctx context.Context, st *DispatchState, run *listRun) (bool, error) {
	start := st.CurrentContactIndex
	if start < 0 {
		start = 0
	}
	if start > len(run.list.Contacts) {
		start = len(run.list.Contacts)
	}
	run.startIndex = start

	for i := start; i < len(run.list.Contacts); i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		now := d.now()
		if run.sentToday >= run.quota || !run.rules.ValidDay(now) || !run.rules.InWindow(now) ||
			DayKey(now) != st.LastDispatchDay {
			st.CurrentContactIndex = i
			d.saveState(ctx, *st)
			return false, nil
		}

		if !run.list.Contacts[i].Status.IsPending() {
			continue
		}

		run.processed++
		sent, err := d.sendContact(ctx, st, run, i)
		if err != nil {
			return false, err
		}
		st.CurrentContactIndex = i + 1
		d.saveState(ctx, *st)

		if sent {
			if err := d.afterSend(ctx, st, run); err != nil {
				return false, err
			}
		}
	}

	st.CurrentContactIndex = len(run.list.Contacts)
	return true, nil
}

// sendContact runs the registration pre-check and the send for contact i.
// It reports whether a message went out.
func (d *Dispatcher) sendContact(ctx context.Context, st *DispatchState, run *listRun, i int) (bool, error) {
	contact := run.list.Contacts[i]
	log := d.log.With("list", run.list.Name, "phone", contact.Phone)

	reg, err := d.checkRegistration(ctx, contact.Phone)
	if err != nil {
		if errors.Is(err, ErrPermanent) {
			d.markContact(ctx, run, contact.Phone, StatusOtherFailure)
			d.record(ctx, st, run, contact.Phone, StatusOtherFailure, err)
			log.Warn("contact unreachable", "error", err)
			return false, nil
		}
		log.Error("registration check failed", "error", err)
		d.record(ctx, st, run, contact.Phone, StatusPending, err)
		return false, nil
	}
	if !reg.Registered {
		d.markContact(ctx, run, contact.Phone, StatusNoWhatsApp)
		d.record(ctx, st, run, contact.Phone, StatusNoWhatsApp, nil)
		log.Info("contact has no whatsapp")
		return false, nil
	}
	chatID := reg.ChatID
	if chatID == "" {
		chatID = contact.Phone
	}

	text, err := d.render(run.list.MessageTemplate, contact)
	if err != nil {
		log.Warn("template render failed, sending raw template", "error", err)
	}
	if strings.TrimSpace(text) == "" && len(run.list.Media) == 0 {
		log.Warn("list has no message or media, nothing to send")
		return false, nil
	}

	mediaSent := d.sendMedia(ctx, chatID, run.list.Media, log)

	if strings.TrimSpace(text) != "" {
		if err := d.sendText(ctx, chatID, text); err != nil {
			status := StatusPending
			if errors.Is(err, ErrPermanent) {
				status = StatusOtherFailure
				d.markContact(ctx, run, contact.Phone, status)
			}
			log.Error("send failed", "error", err)
			d.record(ctx, st, run, contact.Phone, status, err)
			return false, nil
		}
	} else if mediaSent == 0 {
		log.Error("media-only message failed")
		d.record(ctx, st, run, contact.Phone, StatusPending, fmt.Errorf("no media item delivered"))
		return false, nil
	}

	run.sentToday++
	st.TodaySentCount++
	st.AttemptedToday = true
	d.passSends++

	d.markContact(ctx, run, contact.Phone, StatusSent)
	d.saveState(ctx, *st)
	d.record(ctx, st, run, contact.Phone, StatusSent, nil)

	if d.deps.History != nil {
		msg := text
		if msg == "" {
			msg = fmt.Sprintf("[%d media]", mediaSent)
		}
		if err := d.deps.History.Append(ctx, ChatUser(chatID, contact.Phone), NewHistoryEntry(d.now(), DirectionAI, msg)); err != nil {
			log.Error("failed to append history", "error", err)
		}
	}
	d.setStatus(func(s *Status) { s.SentToday = run.sentToday; s.PassSends = d.passSends })
	log.Info("message sent", "count", run.sentToday, "quota", run.quota)
	return true, nil
}

// ChatUser returns the user part of a chat id, the same key inbound
// messages are filed under: "5511987654321@s.whatsapp.net" and
// "5511987654321:12@s.whatsapp.net" give "5511987654321". A chat id without a
// server part returns fallback.
func ChatUser(chatID, fallback string) string {
	user, _, ok := strings.Cut(chatID, "@")
	if !ok || user == "" {
		return fallback
	}
	user, _, _ = strings.Cut(user, ":")
	return user
}

// afterSend applies milestone notifications, the jitter delay and the burst
// pause that follow every successful send.
func (d *Dispatcher) afterSend(ctx context.Context, st *DispatchState, run *listRun) error {
	d.checkMilestones(ctx, st, run.list)

	if err := d.sleepFor(ctx, PhaseSending, jitter(run.rules)); err != nil {
		return err
	}

	threshold := run.rules.BurstPauseThreshold
	if threshold > 0 {
		if multiple := run.sentToday / threshold; multiple > st.BurstPausesToday {
			st.BurstPausesToday = multiple
			d.saveState(ctx, *st)
			d.log.Info("burst pause", "sent", run.sentToday, "threshold", threshold)
			if err := d.sleepFor(ctx, PhaseBurstPause, d.opts.BurstPause); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) checkRegistration(ctx context.Context, phone string) (Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return d.deps.Transport.CheckRegistration(ctx, phone)
}

func (d *Dispatcher) sendText(ctx context.Context, chatID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return d.deps.Transport.SendText(ctx, chatID, text)
}

type warnLogger interface {
	Warn(msg string, fields ...interface{})
}

// sendMedia is best effort: failures are logged and do not stop the text.
func (d *Dispatcher) sendMedia(ctx context.Context, chatID string, items []MediaItem, log warnLogger) int {
	sent := 0
	for _, item := range items {
		path := item.File
		if !filepath.IsAbs(path) && d.opts.MediaDir != "" {
			path = filepath.Join(d.opts.MediaDir, path)
		}

		mctx, cancel := context.WithTimeout(ctx, d.opts.MediaTimeout)
		err := SendMedia(mctx, d.deps.Transport, chatID, path, item.ResolvedKind(), item.Caption)
		cancel()

		if err != nil {
			log.Warn("media send failed", "file", item.File, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendMedia picks the transport call for kind. Audio goes out as a voice
// note and drops the caption.
func SendMedia(ctx context.Context, t Transport, chatID, path string, kind MediaKind, caption string) error {
	switch kind {
	case MediaImage:
		return t.SendImage(ctx, chatID, path, caption)
	case MediaVideo:
		return t.SendVideo(ctx, chatID, path, caption)
	case MediaAudio:
		return t.SendVoiceNote(ctx, chatID, path)
	default:
		return t.SendDocument(ctx, chatID, path, caption)
	}
}

func (d *Dispatcher) render(tpl string, c Contact) (string, error) {
	vars := ContactVars(c)
	if d.deps.Renderer == nil {
		return tpl, nil
	}
	out, err := d.deps.Renderer.Render(tpl, vars)
	if err != nil {
		return tpl, err
	}
	return out, nil
}

// ContactVars are the template bindings for a contact.
func ContactVars(c Contact) map[string]any {
	first := strings.TrimSpace(c.Name)
	if i := strings.IndexByte(first, ' '); i > 0 && c.LastName == "" {
		first = first[:i]
	}
	return map[string]any{
		"name":      c.Name,
		"nome":      c.Name,
		"firstName": first,
		"lastName":  c.LastName,
		"sobrenome": c.LastName,
		"phone":     c.Phone,
		"telefone":  c.Phone,
	}
}

// markContact moves a Pending contact to status and persists the list right
// away. A concurrent external edit is merged by reloading and re-applying.
func (d *Dispatcher) markContact(ctx context.Context, run *listRun, phone string, status DeliveryStatus) {
	stamp := d.now()
	apply := func(l *CampaignList) bool {
		i := l.IndexOf(phone)
		if i < 0 || !l.Contacts[i].Status.IsPending() {
			return false
		}
		l.Contacts[i].Status = status
		l.Contacts[i].FirstContact = &stamp
		return true
	}

	apply(run.list)
	err := d.deps.Lists.Save(ctx, run.list)
	if errors.Is(err, ErrVersionConflict) {
		err = retry.Do(ctx, conflictPolicy, func(ctx context.Context) error {
			fresh, err := d.deps.Lists.Load(ctx, run.list.Name)
			if err != nil {
				return retry.Stop(err)
			}
			apply(fresh)
			if err := d.deps.Lists.Save(ctx, fresh); err != nil {
				return err
			}
			*run.list = *fresh
			return nil
		}, func(err error) bool { return errors.Is(err, ErrVersionConflict) })
	}
	if err != nil {
		d.log.Error("failed to persist campaign list", "list", run.list.Name, "phone", phone, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, st *DispatchState, run *listRun, phone string, status DeliveryStatus, sendErr error) {
	if d.deps.Log == nil {
		return
	}
	entry := ReportEntry{
		Tenant:    d.opts.Tenant,
		List:      run.list.Name,
		Phone:     phone,
		Timestamp: d.now(),
		Success:   status == StatusSent,
		Status:    status,
		WarmupDay: st.DaysElapsed,
		Count:     run.sentToday,
		Quota:     run.quota,
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := d.deps.Log.Record(ctx, entry); err != nil {
		d.log.Error("failed to record dispatch entry", "error", err)
	}
}
