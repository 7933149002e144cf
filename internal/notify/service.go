package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/metrics"
	"github.com/studyhive/edge/internal/producer"
	"github.com/studyhive/edge/internal/templates"
)

const (
	defaultPageSize = 20
	digestTitle     = "Your activity digest"
)

// Event is the broker payload for creation and channel-send messages.
type Event struct {
	NotificationID string            `json:"notificationId"`
	UserID         string            `json:"userId"`
	Type           string            `json:"type"`
	Channel        string            `json:"channel,omitempty"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	ActionURL      string            `json:"actionUrl,omitempty"`
	Priority       string            `json:"priority"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Service drives the notification core: validated intake, persistence,
// channel fan-out and the read/archive/delete surface.
type Service struct {
	store       Store
	templates   *templates.Service
	producer    *producer.Producer
	metrics     *metrics.Notifier
	log         *slog.Logger
	maxPageSize int
}

// NewService wires the notification core.
func NewService(store Store, tpl *templates.Service, prod *producer.Producer, cfg config.NotifyConfig, m *metrics.Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	maxPage := cfg.MaxPageSize
	if maxPage <= 0 {
		maxPage = 100
	}
	return &Service{
		store:       store,
		templates:   tpl,
		producer:    prod,
		metrics:     m,
		log:         log,
		maxPageSize: maxPage,
	}
}

// Create validates the request, persists the notification and enqueues
// the delivery messages. Publish failures do not fail the create; the
// notification is already durable and undeliverable messages surface on
// the dead-letter exchange.
func (s *Service) Create(ctx context.Context, req *NotificationRequest) (*Notification, error) {
	if err := req.Validate(); err != nil {
		s.recordValidationFailure(err)
		return nil, err
	}

	exists, err := s.store.UserExists(ctx, req.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("check recipient: %w", err)
	}
	if !exists {
		return nil, ErrUserNotFound
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	title, content, err := s.renderContent(ctx, req)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		UserID:    req.RecipientID,
		Type:      req.Type,
		Title:     title,
		Content:   content,
		ActionURL: req.ActionURL,
		Priority:  priority,
		Data:      req.Metadata,
	}
	if err := s.store.Insert(ctx, n); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	if s.metrics != nil {
		s.metrics.NotificationsCreated.WithLabelValues(n.Type).Inc()
	}

	prefs := s.effectivePreferences(ctx, n.UserID)
	correlationID := core.CorrelationID(ctx)

	if s.deferToDigest(ctx, n, prefs) {
		s.enqueue(ctx, producer.KeyCreated, n, "", correlationID)
		return n, nil
	}

	s.enqueue(ctx, producer.KeyCreated, n, "", correlationID)
	for _, ch := range Channels(req, prefs) {
		if ch == ChannelInApp {
			continue
		}
		s.enqueue(ctx, producer.ChannelKey(ch, "send"), n, ch, correlationID)
	}
	if n.Priority == PriorityUrgent {
		s.enqueue(ctx, producer.KeyPriorityHigh, n, "", correlationID)
	}
	return n, nil
}

// renderContent resolves the template when variables were supplied.
// A missing template keeps the raw title and content; missing variables
// reject the request.
func (s *Service) renderContent(ctx context.Context, req *NotificationRequest) (string, string, error) {
	title, content := req.Title, req.Content
	if len(req.Variables) == 0 || s.templates == nil {
		return title, content, nil
	}

	lang := req.Language
	if lang == "" {
		lang = s.templates.DefaultLanguage()
	}
	processed, err := s.templates.Render(ctx, req.Type, lang, req.Variables)
	if err != nil {
		var tv *templates.ValidationError
		if errors.As(err, &tv) {
			return "", "", &ValidationError{Field: "variables", Message: tv.Error()}
		}
		if errors.Is(err, templates.ErrNotFound) {
			return title, content, nil
		}
		return "", "", fmt.Errorf("render template: %w", err)
	}
	if processed.Subject != "" {
		title = processed.Subject
	}
	if processed.Body != "" {
		content = processed.Body
	}
	return title, content, nil
}

// deferToDigest records a digest-pending entry when the user's cadence
// and the notification type call for it. Urgent notifications always
// deliver immediately.
func (s *Service) deferToDigest(ctx context.Context, n *Notification, prefs *Preferences) bool {
	if prefs.DigestCadence == DigestNone || !digestEligible(n.Type) || n.Priority == PriorityUrgent {
		return false
	}
	now := time.Now().UTC()
	entry := &DigestEntry{
		UserID:         n.UserID,
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		CreatedAt:      now,
		DueAt:          DigestDue(prefs.DigestCadence, now),
	}
	if err := s.store.AddDigestEntry(ctx, entry); err != nil {
		s.log.Error("digest entry not recorded, delivering immediately",
			"notification_id", n.ID, "user_id", n.UserID, "error", err)
		return false
	}
	return true
}

func (s *Service) enqueue(ctx context.Context, routingKey string, n *Notification, channel, correlationID string) {
	event := Event{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Channel:        channel,
		Title:          n.Title,
		Content:        n.Content,
		ActionURL:      n.ActionURL,
		Priority:       n.Priority,
		Metadata:       n.Data,
		CreatedAt:      n.CreatedAt,
	}
	msg, err := producer.NewMessage(routingKey, event, correlationID)
	if err != nil {
		s.log.Error("outbound message not built", "routing_key", routingKey, "error", err)
		return
	}
	msg.Priority = producer.PriorityLevel(n.Priority)
	if err := s.producer.Publish(ctx, msg); err != nil {
		s.log.Error("outbound publish failed",
			"routing_key", routingKey, "notification_id", n.ID, "error", err)
	}
}

// Get returns the notification after an ownership check.
func (s *Service) Get(ctx context.Context, id, userID string) (*Notification, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, ErrNotOwner
	}
	return n, nil
}

// List returns one page of the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, page, size int, unreadOnly bool) ([]*Notification, int, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > s.maxPageSize {
		size = s.maxPageSize
	}
	return s.store.ListByUser(ctx, userID, page, size, unreadOnly)
}

// CountUnread returns the user's unread, unarchived count.
func (s *Service) CountUnread(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnread(ctx, userID)
}

// MarkRead flags the notification read. Marking twice is a no-op.
func (s *Service) MarkRead(ctx context.Context, id, userID string) (*Notification, error) {
	n, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if n.Read {
		return n, nil
	}
	now := time.Now().UTC()
	n.Read = true
	n.ReadAt = &now
	if err := s.store.Update(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Archive hides the notification from list and unread queries.
func (s *Service) Archive(ctx context.Context, id, userID string) (*Notification, error) {
	n, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if n.Archived {
		return n, nil
	}
	n.Archived = true
	if err := s.store.Update(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Delete removes the notification after an ownership check.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

// Preferences returns the user's saved preferences, or the defaults.
func (s *Service) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	p, err := s.store.GetPreferences(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SyncUsers merges the given IDs into the recipient registry. Blank
// entries are dropped; the count of accepted IDs is returned.
func (s *Service) SyncUsers(ctx context.Context, ids []string) (int, error) {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return 0, &ValidationError{Field: "userIds", Message: "must contain at least one user id"}
	}
	if err := s.store.SyncUsers(ctx, clean); err != nil {
		return 0, fmt.Errorf("sync users: %w", err)
	}
	s.log.Info("user registry synced", "count", len(clean))
	return len(clean), nil
}

// UpdatePreferences validates and saves the user's preferences.
func (s *Service) UpdatePreferences(ctx context.Context, p *Preferences) error {
	if p.DigestCadence == "" {
		p.DigestCadence = DigestNone
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return s.store.PutPreferences(ctx, p)
}

func (s *Service) effectivePreferences(ctx context.Context, userID string) *Preferences {
	p, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("preferences unavailable, using defaults", "user_id", userID, "error", err)
		}
		return DefaultPreferences(userID)
	}
	return p
}

func (s *Service) recordValidationFailure(err error) {
	if s.metrics == nil {
		return
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		s.metrics.ValidationFailures.WithLabelValues(ve.Field).Inc()
	}
}
