package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/store"
)

var bucketAutomations = []byte("automations")

// Storage persists automations in bbolt
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new automation storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	if err := store.EnsureBuckets(db, bucketAutomations); err != nil {
		return nil, fmt.Errorf("failed to create automation buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Create assigns an ID and timestamps and stores the automation
func (s *Storage) Create(ctx context.Context, a *Automation) error {
	now := time.Now().UTC()
	a.ID = uuid.New().String()
	a.CreatedAt = now
	a.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		return store.Put(tx.Bucket(bucketAutomations), a.ID, a)
	})
}

// Get retrieves an automation by ID
func (s *Storage) Get(ctx context.Context, id string) (*Automation, error) {
	var a *Automation

	err := s.db.View(func(tx *bolt.Tx) error {
		var got Automation
		found, err := store.Get(tx.Bucket(bucketAutomations), id, &got)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("automation", id)
		}
		a = &got
		return nil
	})

	return a, err
}

// List returns automations ordered by name. With trigger set only
// automations for that trigger type are returned.
func (s *Storage) List(ctx context.Context, trigger TriggerType) ([]*Automation, error) {
	automations := []*Automation{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAutomations).ForEach(func(k, v []byte) error {
			var a Automation
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if trigger != "" && a.Trigger.Type != trigger {
				return nil
			}
			automations = append(automations, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(automations, func(i, j int) bool {
		return automations[i].Name < automations[j].Name
	})
	return automations, nil
}

// Update applies fn to the stored automation inside one transaction
func (s *Storage) Update(ctx context.Context, id string, fn func(a *Automation) error) (*Automation, error) {
	var a Automation

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAutomations)
		found, err := store.Get(b, id, &a)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("automation", id)
		}
		if err := fn(&a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now().UTC()
		return store.Put(b, id, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Delete removes an automation
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAutomations)
		if b.Get([]byte(id)) == nil {
			return mailerr.NotFound("automation", id)
		}
		return b.Delete([]byte(id))
	})
}
