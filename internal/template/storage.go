package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/store"
)

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateNames = []byte("template_names")
)

// Storage provides template storage operations
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new template storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	if err := store.EnsureBuckets(db, bucketTemplates, bucketTemplateNames); err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Create validates and stores a new template
func (s *Storage) Create(ctx context.Context, tmpl *Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		if existing := names.Get([]byte(tmpl.Name)); existing != nil {
			return mailerr.Conflict("template with name %q already exists", tmpl.Name)
		}

		tmpl.ID = uuid.New().String()
		tmpl.Version = 1
		tmpl.CreatedAt = time.Now().UTC()
		tmpl.UpdatedAt = tmpl.CreatedAt

		if err := store.Put(templates, tmpl.ID, tmpl); err != nil {
			return err
		}
		return names.Put([]byte(tmpl.Name), []byte(tmpl.ID))
	})
}

// Get retrieves a template by ID
func (s *Storage) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		var t Template
		found, err := store.Get(tx.Bucket(bucketTemplates), id, &t)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("template", id)
		}
		tmpl = &t
		return nil
	})

	return tmpl, err
}

// GetByName retrieves a template by name
func (s *Storage) GetByName(ctx context.Context, name string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTemplateNames).Get([]byte(name))
		if id == nil {
			return mailerr.NotFound("template", name)
		}

		var t Template
		found, err := store.Get(tx.Bucket(bucketTemplates), string(id), &t)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("template", name)
		}
		tmpl = &t
		return nil
	})

	return tmpl, err
}

// List returns templates with optional filtering
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	templates := []*Template{}
	search := strings.ToLower(filter.Search)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				continue
			}

			if search != "" &&
				!strings.Contains(strings.ToLower(tmpl.Name), search) &&
				!strings.Contains(strings.ToLower(tmpl.Description), search) {
				continue
			}
			if filter.Category != "" && tmpl.Category != filter.Category {
				continue
			}
			if filter.Active != nil && tmpl.Active != *filter.Active {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			templates = append(templates, &tmpl)
			if filter.Limit > 0 && len(templates) >= filter.Limit {
				break
			}
		}

		return nil
	})

	return templates, err
}

// Update merges patch into the stored template, re-validates it and bumps its version
func (s *Storage) Update(ctx context.Context, id string, patch Patch) (*Template, error) {
	var updated *Template

	err := s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		var tmpl Template
		found, err := store.Get(templates, id, &tmpl)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("template", id)
		}

		oldName := tmpl.Name
		patch.Apply(&tmpl)
		if err := tmpl.Validate(); err != nil {
			return err
		}

		if tmpl.Name != oldName {
			if existingID := names.Get([]byte(tmpl.Name)); existingID != nil {
				return mailerr.Conflict("template with name %q already exists", tmpl.Name)
			}
			if err := names.Delete([]byte(oldName)); err != nil {
				return err
			}
			if err := names.Put([]byte(tmpl.Name), []byte(tmpl.ID)); err != nil {
				return err
			}
		}

		tmpl.Version++
		tmpl.UpdatedAt = time.Now().UTC()

		if err := store.Put(templates, tmpl.ID, &tmpl); err != nil {
			return err
		}
		updated = &tmpl
		return nil
	})

	return updated, err
}

// Delete removes a template by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)

		var tmpl Template
		found, err := store.Get(templates, id, &tmpl)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("template", id)
		}

		if err := tx.Bucket(bucketTemplateNames).Delete([]byte(tmpl.Name)); err != nil {
			return err
		}
		return templates.Delete([]byte(id))
	})
}

// Stats returns template statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return nil
			}
			stats.Total++
			if tmpl.Active {
				stats.Active++
			}
			return nil
		})
	})

	return stats, err
}
