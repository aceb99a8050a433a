package audience

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/zoptal/mailflow/internal/directory"
	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/store"
)

var bucketAudiences = []byte("audiences")

// Storage persists audiences and resolves them through the directory
type Storage struct {
	db  *bolt.DB
	dir directory.Directory
}

// NewStorage creates a new audience storage
func NewStorage(db *bolt.DB, dir directory.Directory) (*Storage, error) {
	if err := store.EnsureBuckets(db, bucketAudiences); err != nil {
		return nil, fmt.Errorf("failed to create audience buckets: %w", err)
	}
	return &Storage{db: db, dir: dir}, nil
}

// Create validates the audience, snapshots its size and stores it
func (s *Storage) Create(ctx context.Context, a *Audience) error {
	if err := a.Validate(); err != nil {
		return err
	}

	size, err := s.dir.Count(ctx, a.Filters)
	if err != nil {
		return fmt.Errorf("failed to size audience: %w", err)
	}

	now := time.Now().UTC()
	a.ID = uuid.New().String()
	a.Size = size
	a.SizedAt = now
	a.CreatedAt = now
	a.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		return store.Put(tx.Bucket(bucketAudiences), a.ID, a)
	})
}

// Get retrieves an audience by ID
func (s *Storage) Get(ctx context.Context, id string) (*Audience, error) {
	var a *Audience

	err := s.db.View(func(tx *bolt.Tx) error {
		var got Audience
		found, err := store.Get(tx.Bucket(bucketAudiences), id, &got)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("audience", id)
		}
		a = &got
		return nil
	})

	return a, err
}

// List returns all audiences, optionally filtered by a name search
func (s *Storage) List(ctx context.Context, search string) ([]*Audience, error) {
	audiences := []*Audience{}
	search = strings.ToLower(search)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudiences).ForEach(func(k, v []byte) error {
			var a Audience
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if search != "" && !strings.Contains(strings.ToLower(a.Name), search) {
				return nil
			}
			audiences = append(audiences, &a)
			return nil
		})
	})

	return audiences, err
}

// Refresh recomputes the size snapshot
func (s *Storage) Refresh(ctx context.Context, id string) (*Audience, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	size, err := s.dir.Count(ctx, a.Filters)
	if err != nil {
		return nil, fmt.Errorf("failed to size audience: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudiences)
		var current Audience
		found, err := store.Get(b, id, &current)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("audience", id)
		}
		current.Size = size
		current.SizedAt = time.Now().UTC()
		current.UpdatedAt = current.SizedAt
		a = &current
		return store.Put(b, id, &current)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Delete removes an audience by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudiences)
		if b.Get([]byte(id)) == nil {
			return mailerr.NotFound("audience", id)
		}
		return b.Delete([]byte(id))
	})
}

// Exists reports whether every id names a stored audience. It returns the
// first missing id as a not-found error.
func (s *Storage) Exists(ctx context.Context, ids []string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudiences)
		for _, id := range ids {
			if b.Get([]byte(id)) == nil {
				return mailerr.NotFound("audience", id)
			}
		}
		return nil
	})
}

// Recipients resolves the union of the given audiences to contacts,
// deduplicated case-insensitively by email in first-seen order.
func (s *Storage) Recipients(ctx context.Context, ids []string) ([]directory.Contact, error) {
	seen := make(map[string]bool)
	var out []directory.Contact

	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		contacts, err := s.dir.Recipients(ctx, a.Filters)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve audience %s: %w", id, err)
		}

		for _, c := range contacts {
			key := strings.ToLower(strings.TrimSpace(c.Email))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, c)
		}
	}

	return out, nil
}
