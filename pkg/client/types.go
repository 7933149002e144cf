package client

import "time"

// NotificationRequest is the payload for Send.
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

// Notification is a stored notification as returned by the API.
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

// Page is one page of a user's notifications, newest first.
type Page struct {
	Content       []*Notification `json:"content"`
	Page          int             `json:"page"`
	Size          int             `json:"size"`
	TotalElements int             `json:"totalElements"`
	TotalPages    int             `json:"totalPages"`
}

// Preferences holds a user's delivery settings.
type Preferences struct {
	UserID           string    `json:"userId"`
	EmailEnabled     bool      `json:"emailEnabled"`
	PushEnabled      bool      `json:"pushEnabled"`
	WebsocketEnabled bool      `json:"websocketEnabled"`
	DigestCadence    string    `json:"digestCadence"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
