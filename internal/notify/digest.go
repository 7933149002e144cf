package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// FlushDigests creates one DIGEST_SUMMARY per user with due entries and
// clears the flushed rows. The summary goes through Create, so it is
// persisted, classified and enqueued like any other notification.
func (s *Service) FlushDigests(ctx context.Context, now time.Time) error {
	users, err := s.store.DueDigestUsers(ctx, now)
	if err != nil {
		return fmt.Errorf("due digest users: %w", err)
	}

	for _, userID := range users {
		if err := s.flushUserDigest(ctx, userID); err != nil {
			s.log.Error("digest flush failed", "user_id", userID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.DigestFlushes.Inc()
		if pending, err := s.store.CountDigestPending(ctx); err == nil {
			s.metrics.DigestPending.Set(float64(pending))
		}
	}
	return nil
}

func (s *Service) flushUserDigest(ctx context.Context, userID string) error {
	entries, err := s.store.PendingDigest(ctx, userID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	req := &NotificationRequest{
		RecipientID: userID,
		Type:        TypeDigestSummary,
		Title:       digestTitle,
		Content:     digestSummary(entries),
		Priority:    PriorityNormal,
		Metadata:    map[string]string{"itemCount": strconv.Itoa(len(entries))},
	}
	if _, err := s.Create(ctx, req); err != nil {
		return err
	}

	asOf := entries[len(entries)-1].CreatedAt
	return s.store.ClearDigest(ctx, userID, asOf)
}

// digestSummary renders the pending entries as a plain-text list capped
// at the content limit.
func digestSummary(entries []*DigestEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "While you were away you received %d updates:\n", len(entries))
	for i, e := range entries {
		line := fmt.Sprintf("- %s (%s)\n", e.Title, e.Type)
		if b.Len()+len(line) > maxContentLen-24 {
			fmt.Fprintf(&b, "- and %d more\n", len(entries)-i)
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// DigestScheduler flushes due digests on a fixed interval.
type DigestScheduler struct {
	svc      *Service
	interval time.Duration
	log      *slog.Logger
}

// NewDigestScheduler builds a scheduler; interval must be positive.
func NewDigestScheduler(svc *Service, interval time.Duration, log *slog.Logger) *DigestScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &DigestScheduler{svc: svc, interval: interval, log: log}
}

// Run ticks until the context is cancelled. Flush errors are logged,
// never fatal; the next tick retries.
func (d *DigestScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("digest scheduler started", "interval", d.interval.String())
	for {
		select {
		case <-ctx.Done():
			d.log.Info("digest scheduler stopped")
			return nil
		case now := <-ticker.C:
			if err := d.svc.FlushDigests(ctx, now.UTC()); err != nil {
				d.log.Error("digest flush run failed", "error", err)
			}
		}
	}
}
