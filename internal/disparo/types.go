// Package disparo is the outbound campaign dispatch engine: rule resolution,
// weekday/time-window gating, the warm-up quota ramp, the persisted dispatch
// state and the long-running loop that walks campaign lists and sends.
package disparo

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrPermanent marks transport errors after which a contact can never be
	// reached (invalid number). Such contacts become StatusOtherFailure.
	ErrPermanent = errors.New("permanent delivery failure")

	// ErrVersionConflict is returned by ListStore.Save when the list changed
	// on disk since it was loaded.
	ErrVersionConflict = errors.New("list version conflict")

	// ErrListNotFound is returned by ListStore.Load for unknown names.
	ErrListNotFound = errors.New("list not found")
)

// DeliveryStatus is the per-contact outcome. It only moves away from Pending.
type DeliveryStatus string

const (
	StatusPending      DeliveryStatus = "pending"
	StatusSent         DeliveryStatus = "sent"
	StatusNoWhatsApp   DeliveryStatus = "no_whatsapp"
	StatusOtherFailure DeliveryStatus = "failed"
)

// IsPending treats an empty status as Pending so hand-written lists work.
func (s DeliveryStatus) IsPending() bool {
	return s == "" || s == StatusPending
}

// MediaKind selects the transport call used for a media item.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

// MediaKindFromPath guesses the kind from the file extension.
func MediaKindFromPath(path string) MediaKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return MediaImage
	case ".mp4", ".mov", ".3gp", ".mkv":
		return MediaVideo
	case ".mp3", ".ogg", ".opus", ".m4a", ".wav", ".aac":
		return MediaAudio
	default:
		return MediaDocument
	}
}

// MediaItem is a file attached to every message of a list.
type MediaItem struct {
	File    string    `json:"file"`
	Kind    MediaKind `json:"kind"`
	Caption string    `json:"caption,omitempty"`
}

// ResolvedKind returns Kind, or the extension guess when Kind is empty.
func (m MediaItem) ResolvedKind() MediaKind {
	if m.Kind != "" {
		return m.Kind
	}
	return MediaKindFromPath(m.File)
}

// Contact is one recipient of a campaign list.
type Contact struct {
	Phone        string         `json:"phone"`
	Name         string         `json:"name"`
	LastName     string         `json:"lastName,omitempty"`
	Status       DeliveryStatus `json:"deliveryStatus"`
	FirstContact *time.Time     `json:"firstContactTimestamp,omitempty"`
}

// CampaignList is a named, independently activatable contact list.
type CampaignList struct {
	Name            string      `json:"name"`
	Active          bool        `json:"active"`
	MessageTemplate string      `json:"messageTemplate"`
	Media           []MediaItem `json:"media"`
	Contacts        []Contact   `json:"contacts"`
	Version         int64       `json:"version"`
}

// IndexOf returns the position of phone in the list, or -1.
func (l *CampaignList) IndexOf(phone string) int {
	for i, c := range l.Contacts {
		if c.Phone == phone {
			return i
		}
	}
	return -1
}

// Counts aggregates the list by outcome.
func (l *CampaignList) Counts() OutcomeCounts {
	var oc OutcomeCounts
	for _, c := range l.Contacts {
		oc.add(c.Status)
	}
	return oc
}

// Processed is the number of contacts no longer Pending.
func (l *CampaignList) Processed() int {
	n := 0
	for _, c := range l.Contacts {
		if !c.Status.IsPending() {
			n++
		}
	}
	return n
}

// OutcomeCounts is the aggregate handed to the report generator.
type OutcomeCounts struct {
	Total      int `json:"total"`
	Sent       int `json:"sent"`
	NoWhatsApp int `json:"noWhatsApp"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

func (oc *OutcomeCounts) add(s DeliveryStatus) {
	oc.Total++
	switch {
	case s.IsPending():
		oc.Pending++
	case s == StatusSent:
		oc.Sent++
	case s == StatusNoWhatsApp:
		oc.NoWhatsApp++
	default:
		oc.Failed++
	}
}

// DispatchState is the persisted cursor and daily bookkeeping of a tenant.
type DispatchState struct {
	LastDispatchDay     string           `json:"lastDispatchDay"`
	WarmupDaysRemaining int              `json:"warmupDaysRemaining"`
	TodaySentCount      int              `json:"todaySentCount"`
	DaysElapsed         int              `json:"daysElapsed"`
	CurrentListIndex    int              `json:"currentListIndex"`
	CurrentListName     string           `json:"currentListName"`
	CurrentContactIndex int              `json:"currentContactIndex"`
	Milestones          map[string][]int `json:"milestoneNotificationsSent"`
	AttemptedToday      bool             `json:"attemptedToday"`
	DailyReportSent     bool             `json:"dailyReportSent"`
	BurstPausesToday    int              `json:"burstPausesToday"`
}

// HasMilestone reports whether tier was already notified for list.
func (s *DispatchState) HasMilestone(list string, tier int) bool {
	for _, t := range s.Milestones[list] {
		if t == tier {
			return true
		}
	}
	return false
}

// AddMilestone records tier for list.
func (s *DispatchState) AddMilestone(list string, tier int) {
	if s.HasMilestone(list, tier) {
		return
	}
	if s.Milestones == nil {
		s.Milestones = map[string][]int{}
	}
	s.Milestones[list] = append(s.Milestones[list], tier)
	sort.Ints(s.Milestones[list])
}

// ClearMilestones forgets every tier of list.
func (s *DispatchState) ClearMilestones(list string) {
	delete(s.Milestones, list)
}

// Direction of a history entry.
type Direction string

const (
	DirectionUser Direction = "User"
	DirectionAI   Direction = "AI"
)

// HistoryEntry is one line of a per-contact conversation log.
type HistoryEntry struct {
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Direction Direction `json:"direction"`
	Message   string    `json:"message"`
}

// NewHistoryEntry stamps an entry at t.
func NewHistoryEntry(t time.Time, dir Direction, msg string) HistoryEntry {
	return HistoryEntry{
		Date:      t.Format("2006-01-02"),
		Time:      t.Format("15:04:05"),
		Direction: dir,
		Message:   msg,
	}
}

// ReportEntry is one dispatch attempt written to the dispatch log.
type ReportEntry struct {
	Tenant    string         `json:"tenant"`
	List      string         `json:"list"`
	Phone     string         `json:"phone"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	WarmupDay int            `json:"warmupDay"`
	Count     int            `json:"count"`
	Quota     int            `json:"quota"`
}

// DailySummary is what the report generator receives at end of day.
type DailySummary struct {
	Tenant              string                   `json:"tenant"`
	Date                string                   `json:"date"`
	Counts              OutcomeCounts            `json:"counts"`
	Lists               map[string]OutcomeCounts `json:"lists"`
	Quota               int                      `json:"quota"`
	DaysElapsed         int                      `json:"daysElapsed"`
	WarmupDaysRemaining int                      `json:"warmupDaysRemaining"`
}

// ListSummary is what the report generator receives when a list completes.
type ListSummary struct {
	Tenant      string        `json:"tenant"`
	List        string        `json:"list"`
	Counts      OutcomeCounts `json:"counts"`
	CompletedAt time.Time     `json:"completedAt"`
}

// ProgressUpdate is a milestone notification for one list.
type ProgressUpdate struct {
	Tenant    string `json:"tenant"`
	List      string `json:"list"`
	Tier      int    `json:"tier"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Sent      int    `json:"sent"`
}
