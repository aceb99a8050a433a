package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/store"
)

var bucketCampaigns = []byte("campaigns")

// Storage persists campaigns in bbolt
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new campaign storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	if err := store.EnsureBuckets(db, bucketCampaigns); err != nil {
		return nil, fmt.Errorf("failed to create campaign buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Create assigns an ID and timestamps and stores the campaign
func (s *Storage) Create(ctx context.Context, c *Campaign) error {
	now := time.Now().UTC()
	c.ID = uuid.New().String()
	c.CreatedAt = now
	c.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		return store.Put(tx.Bucket(bucketCampaigns), c.ID, c)
	})
}

// Get retrieves a campaign by ID
func (s *Storage) Get(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		var got Campaign
		found, err := store.Get(tx.Bucket(bucketCampaigns), id, &got)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("campaign", id)
		}
		c = &got
		return nil
	})

	return c, err
}

// List returns campaigns newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Campaign, error) {
	campaigns := []*Campaign{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if filter.Status != "" && c.Status != filter.Status {
				return nil
			}
			campaigns = append(campaigns, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(campaigns, func(i, j int) bool {
		return campaigns[i].CreatedAt.After(campaigns[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(campaigns) {
			return []*Campaign{}, nil
		}
		campaigns = campaigns[filter.Offset:]
	}
	if filter.Limit > 0 && len(campaigns) > filter.Limit {
		campaigns = campaigns[:filter.Limit]
	}
	return campaigns, nil
}

// Update applies fn to the stored campaign inside one transaction. If fn
// returns an error nothing is written.
func (s *Storage) Update(ctx context.Context, id string, fn func(c *Campaign) error) (*Campaign, error) {
	var c Campaign

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		found, err := store.Get(b, id, &c)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("campaign", id)
		}
		if err := fn(&c); err != nil {
			return err
		}
		c.UpdatedAt = time.Now().UTC()
		return store.Put(b, id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Transition moves a campaign to status to if its current status is one of
// from. The check and the write happen in the same transaction, so two
// concurrent transitions from the same status cannot both succeed. fn, if
// given, runs after the check and may veto the transition.
func (s *Storage) Transition(ctx context.Context, id string, from []Status, to Status, fn func(c *Campaign) error) (*Campaign, error) {
	return s.Update(ctx, id, func(c *Campaign) error {
		if !slices.Contains(from, c.Status) {
			return mailerr.State("campaign %s is %s, cannot move to %s", id, c.Status, to)
		}
		if fn != nil {
			if err := fn(c); err != nil {
				return err
			}
		}
		c.Status = to
		return nil
	})
}

// Delete removes a campaign
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(id)) == nil {
			return mailerr.NotFound("campaign", id)
		}
		return b.Delete([]byte(id))
	})
}

// Due returns scheduled campaigns whose time has come
func (s *Storage) Due(ctx context.Context, now time.Time) ([]*Campaign, error) {
	scheduled, err := s.List(ctx, ListFilter{Status: StatusScheduled})
	if err != nil {
		return nil, err
	}

	var due []*Campaign
	for _, c := range scheduled {
		if c.ScheduledAt == nil || !c.ScheduledAt.After(now) {
			due = append(due, c)
		}
	}
	return due, nil
}
