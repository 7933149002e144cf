package templates

import (
	"context"
	"errors"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

type seedFile struct {
	Templates []seedTemplate `yaml:"templates"`
}

type seedTemplate struct {
	Type     string `yaml:"type"`
	Language string `yaml:"language"`
	Subject  string `yaml:"subject"`
	Body     string `yaml:"body"`
}

// LoadSeedFile parses a YAML seed file into templates.
func LoadSeedFile(path string) ([]*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templates: read seed %s: %w", path, err)
	}
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("templates: parse seed %s: %w", path, err)
	}
	out := make([]*Template, 0, len(file.Templates))
	for i, st := range file.Templates {
		if st.Type == "" || st.Language == "" {
			return nil, fmt.Errorf("templates: seed %s entry %d: type and language are required", path, i)
		}
		out = append(out, &Template{
			Type:     st.Type,
			Language: st.Language,
			Subject:  st.Subject,
			Body:     st.Body,
		})
	}
	return out, nil
}

// Seed creates the given templates, skipping keys that already exist,
// and refreshes the snapshot once.
func (s *Service) Seed(ctx context.Context, tpls []*Template) error {
	seeded := 0
	for _, t := range tpls {
		err := s.store.Create(ctx, t)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("templates: seed %s/%s: %w", t.Type, t.Language, err)
		}
		seeded++
	}
	if seeded > 0 {
		s.log.Info("templates seeded", "count", seeded)
	}
	return s.Reload(ctx)
}
