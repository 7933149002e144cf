package templates

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/metrics"
)

// Service exposes template operations over a Store. Reads are served
// from an in-process snapshot swapped atomically after every write, so
// the render path never waits on storage.
type Service struct {
	store           Store
	defaultLanguage string
	metrics         *metrics.Notifier
	log             *slog.Logger

	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	byKey map[string]*Template
}

// NewService builds the service and loads the initial snapshot.
func NewService(ctx context.Context, store Store, cfg config.TemplatesConfig, m *metrics.Notifier, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	lang := cfg.DefaultLanguage
	if lang == "" {
		lang = "en"
	}
	s := &Service{
		store:           store,
		defaultLanguage: lang,
		metrics:         m,
		log:             log,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the read snapshot from the store.
func (s *Service) Reload(ctx context.Context) error {
	all, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	byKey := make(map[string]*Template, len(all))
	for _, t := range all {
		byKey[t.Key()] = t
	}
	s.snap.Store(&snapshot{byKey: byKey})
	return nil
}

// Create stores a template and refreshes the snapshot.
func (s *Service) Create(ctx context.Context, t *Template) error {
	if err := s.store.Create(ctx, t); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Update rewrites a template by id and refreshes the snapshot.
func (s *Service) Update(ctx context.Context, t *Template) error {
	if err := s.store.Update(ctx, t); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Delete removes a template by id and refreshes the snapshot.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Find returns the template for (type, language) with no language
// fallback.
func (s *Service) Find(ctx context.Context, typ, language string) (*Template, error) {
	if snap := s.snap.Load(); snap != nil {
		if t, ok := snap.byKey[Key(typ, language)]; ok {
			found := *t
			return &found, nil
		}
	}
	// Another instance may have written since the last snapshot.
	t, err := s.store.Find(ctx, typ, language)
	if err != nil {
		return nil, err
	}
	if rerr := s.Reload(ctx); rerr != nil {
		s.log.Warn("template snapshot refresh failed", "error", rerr)
	}
	return t, nil
}

// ListLanguages returns the languages a type is available in.
func (s *Service) ListLanguages(ctx context.Context, typ string) ([]string, error) {
	return s.store.ListLanguages(ctx, typ)
}

// Statistics returns the template count per type.
func (s *Service) Statistics(ctx context.Context) (map[string]int, error) {
	return s.store.Statistics(ctx)
}

// BulkFailure reports one rejected template from a bulk create.
type BulkFailure struct {
	Index  int    `json:"index"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkCreate stores the templates best-effort and reports per-item
// failures alongside the successful count.
func (s *Service) BulkCreate(ctx context.Context, tpls []*Template) (int, []BulkFailure) {
	created := 0
	var failed []BulkFailure
	for i, t := range tpls {
		if err := s.store.Create(ctx, t); err != nil {
			failed = append(failed, BulkFailure{Index: i, Type: t.Type, Reason: err.Error()})
			continue
		}
		created++
	}
	if created > 0 {
		if err := s.Reload(ctx); err != nil {
			s.log.Warn("template snapshot refresh failed", "error", err)
		}
	}
	return created, failed
}

// Validate reports the referenced-but-unsupplied variables for the
// template resolved via the usual language fallback.
func (s *Service) Validate(ctx context.Context, typ, language string, vars map[string]string) ([]string, error) {
	t, err := s.resolve(ctx, typ, language)
	if err != nil {
		return nil, err
	}
	return MissingVariables(t, vars), nil
}

// Render resolves the template and substitutes vars. Unknown keys fall
// back to the default language before failing; any missing variables
// fail the render listing all absent names.
func (s *Service) Render(ctx context.Context, typ, language string, vars map[string]string) (*ProcessedTemplate, error) {
	t, err := s.resolve(ctx, typ, language)
	if err != nil {
		s.recordRender(typ, "missing")
		return nil, err
	}
	if missing := MissingVariables(t, vars); len(missing) > 0 {
		s.recordRender(typ, "invalid_vars")
		return nil, &ValidationError{Missing: missing}
	}
	s.recordRender(typ, "ok")
	return &ProcessedTemplate{
		Subject: substitute(t.Subject, vars),
		Body:    substitute(t.Body, vars),
	}, nil
}

// DefaultLanguage returns the configured fallback language.
func (s *Service) DefaultLanguage() string { return s.defaultLanguage }

func (s *Service) resolve(ctx context.Context, typ, language string) (*Template, error) {
	t, err := s.Find(ctx, typ, language)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if strings.EqualFold(language, s.defaultLanguage) {
		return nil, ErrNotFound
	}
	t, err = s.Find(ctx, typ, s.defaultLanguage)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Service) recordRender(typ, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordRender(typ, outcome)
	}
}
