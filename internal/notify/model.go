// Package notify implements the notification core: validated intake,
// durable persistence, channel classification, digest aggregation and
// broker enqueues.
package notify

import (
	"errors"
	"time"
)

// Notification types form a closed set; intake rejects anything else.
const (
	TypeSystemAnnouncement  = "SYSTEM_ANNOUNCEMENT"
	TypePasswordReset       = "PASSWORD_RESET"
	TypeEmailVerification   = "EMAIL_VERIFICATION"
	TypeHiveInvite          = "HIVE_INVITE"
	TypeHiveStarting        = "HIVE_STARTING"
	TypeBuddyRequest        = "BUDDY_REQUEST"
	TypeBuddyAccepted       = "BUDDY_ACCEPTED"
	TypeForumReply          = "FORUM_REPLY"
	TypePlaylistShared      = "PLAYLIST_SHARED"
	TypeAchievementUnlocked = "ACHIEVEMENT_UNLOCKED"
	TypeDigestSummary       = "DIGEST_SUMMARY"
)

var knownTypes = map[string]bool{
	TypeSystemAnnouncement:  true,
	TypePasswordReset:       true,
	TypeEmailVerification:   true,
	TypeHiveInvite:          true,
	TypeHiveStarting:        true,
	TypeBuddyRequest:        true,
	TypeBuddyAccepted:       true,
	TypeForumReply:          true,
	TypePlaylistShared:      true,
	TypeAchievementUnlocked: true,
	TypeDigestSummary:       true,
}

// ValidType reports whether t is a known notification type.
func ValidType(t string) bool { return knownTypes[t] }

// Delivery channels.
const (
	ChannelInApp     = "IN_APP"
	ChannelEmail     = "EMAIL"
	ChannelPush      = "PUSH"
	ChannelWebsocket = "WEBSOCKET"
)

// Priorities.
const (
	PriorityLow    = "LOW"
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
	PriorityUrgent = "URGENT"
)

var knownPriorities = map[string]bool{
	PriorityLow:    true,
	PriorityNormal: true,
	PriorityHigh:   true,
	PriorityUrgent: true,
}

// Digest cadences.
const (
	DigestNone   = "none"
	DigestHourly = "hourly"
	DigestDaily  = "daily"
)

// Sentinel errors for the service surface. Handlers map ErrNotOwner to
// 400 with a stable message per the API contract, not 403.
var (
	ErrNotFound     = errors.New("notify: notification not found")
	ErrUserNotFound = errors.New("notify: user not found")
	ErrNotOwner     = errors.New("notify: notification does not belong to user")
)

// NotificationRequest is the intake payload.
type NotificationRequest struct {
	RecipientID string            `json:"recipientId"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	ActionURL   string            `json:"actionUrl,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Language    string            `json:"language,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Notification is the persisted in-app record.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	ActionURL string            `json:"actionUrl,omitempty"`
	Priority  string            `json:"priority"`
	Read      bool              `json:"read"`
	Archived  bool              `json:"archived"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	ReadAt    *time.Time        `json:"readAt,omitempty"`
}

// Preferences hold a user's per-channel switches and digest cadence.
type Preferences struct {
	UserID           string    `json:"userId"`
	EmailEnabled     bool      `json:"emailEnabled"`
	PushEnabled      bool      `json:"pushEnabled"`
	WebsocketEnabled bool      `json:"websocketEnabled"`
	DigestCadence    string    `json:"digestCadence"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DefaultPreferences are used for users who never saved any.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:           userID,
		EmailEnabled:     true,
		PushEnabled:      false,
		WebsocketEnabled: true,
		DigestCadence:    DigestNone,
	}
}

// Validate checks the cadence value.
func (p *Preferences) Validate() error {
	switch p.DigestCadence {
	case DigestNone, DigestHourly, DigestDaily:
		return nil
	}
	return &ValidationError{Field: "digestCadence", Message: "must be one of none, hourly, daily"}
}

// DigestEntry is one digest-pending row. DueAt is fixed at insert from
// the user's cadence; the scheduler flushes every pending entry for a
// user once any of them is due.
type DigestEntry struct {
	ID             string
	UserID         string
	NotificationID string
	Type           string
	Title          string
	CreatedAt      time.Time
	DueAt          time.Time
}

// DigestDue computes when an entry created at now should flush.
func DigestDue(cadence string, now time.Time) time.Time {
	switch cadence {
	case DigestHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case DigestDaily:
		return now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	return now
}

// digestEligible excludes types that must always deliver immediately.
func digestEligible(typ string) bool {
	switch typ {
	case TypePasswordReset, TypeEmailVerification, TypeDigestSummary:
		return false
	}
	return true
}
