package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/store"
)

var (
	bucketMessages  = []byte("messages")
	bucketByCreated = []byte("messages_by_created")
	bucketCampaigns = []byte("messages_by_campaign")
)

// ListFilter represents filter options for listing messages
type ListFilter struct {
	CampaignID string
	Status     Status
	Limit      int
	Offset     int
}

// Storage persists messages in BoltDB
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new message storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	if err := store.EnsureBuckets(db, bucketMessages, bucketByCreated, bucketCampaigns); err != nil {
		return nil, fmt.Errorf("failed to create message buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Save inserts a new message and its indexes
func (s *Storage) Save(ctx context.Context, m *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := store.Put(tx.Bucket(bucketMessages), m.ID, m); err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}
		if err := tx.Bucket(bucketByCreated).Put(store.IndexKey(m.CreatedAt, m.ID), []byte(m.ID)); err != nil {
			return fmt.Errorf("failed to add to created index: %w", err)
		}
		if m.CampaignID != "" {
			if err := tx.Bucket(bucketCampaigns).Put(campaignKey(m.CampaignID, m.ID), []byte(m.ID)); err != nil {
				return fmt.Errorf("failed to add to campaign index: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves a message by ID
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var m *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		var got Message
		found, err := store.Get(tx.Bucket(bucketMessages), id, &got)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("message", id)
		}
		m = &got
		return nil
	})

	return m, err
}

// Update applies fn to the stored message inside one transaction. The
// message is written back only when fn returns nil.
func (s *Storage) Update(ctx context.Context, id string, fn func(m *Message) error) (*Message, error) {
	var updated *Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		var m Message
		found, err := store.Get(b, id, &m)
		if err != nil {
			return err
		}
		if !found {
			return mailerr.NotFound("message", id)
		}
		if err := fn(&m); err != nil {
			return err
		}
		updated = &m
		return store.Put(b, id, &m)
	})

	return updated, err
}

// List returns messages, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	messages := []*Message{}

	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		skipped := 0

		visit := func(id []byte) bool {
			var m Message
			data := msgs.Get(id)
			if data == nil || json.Unmarshal(data, &m) != nil {
				return true
			}
			if filter.Status != "" && m.Status != filter.Status {
				return true
			}
			if skipped < filter.Offset {
				skipped++
				return true
			}
			messages = append(messages, &m)
			return filter.Limit <= 0 || len(messages) < filter.Limit
		}

		if filter.CampaignID != "" {
			prefix := campaignKey(filter.CampaignID, "")
			c := tx.Bucket(bucketCampaigns).Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				if !visit(v) {
					break
				}
			}
			return nil
		}

		c := tx.Bucket(bucketByCreated).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !visit(v) {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Counts aggregates messages created in the range. A non-empty campaignID
// restricts the aggregation to that campaign.
func (s *Storage) Counts(ctx context.Context, campaignID string, r DateRange) (Counts, error) {
	var counts Counts

	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)

		add := func(id []byte) {
			var m Message
			data := msgs.Get(id)
			if data == nil || json.Unmarshal(data, &m) != nil {
				return
			}
			if r.Contains(m.CreatedAt) {
				counts.Add(&m)
			}
		}

		if campaignID != "" {
			prefix := campaignKey(campaignID, "")
			c := tx.Bucket(bucketCampaigns).Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				add(v)
			}
			return nil
		}

		c := tx.Bucket(bucketByCreated).Cursor()
		var k, v []byte
		if r.From.IsZero() {
			k, v = c.First()
		} else {
			k, v = c.Seek(store.IndexKey(r.From, ""))
		}
		for ; k != nil; k, v = c.Next() {
			add(v)
		}
		return nil
	})

	return counts, err
}

// Statistics returns counts and derived rates for the range
func (s *Storage) Statistics(ctx context.Context, r DateRange) (*Statistics, error) {
	counts, err := s.Counts(ctx, "", r)
	if err != nil {
		return nil, err
	}
	return NewStatistics(counts, r), nil
}

// CountByStatus returns the number of stored messages per status
func (s *Storage) CountByStatus(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m struct {
				Status Status `json:"status"`
			}
			if json.Unmarshal(v, &m) == nil {
				counts[string(m.Status)]++
			}
			return nil
		})
	})

	return counts, err
}

// Cleanup deletes terminal messages created before now-maxAge
func (s *Storage) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		byCreated := tx.Bucket(bucketByCreated)
		byCampaign := tx.Bucket(bucketCampaigns)

		var stale [][]byte
		c := byCreated.Cursor()
		end := store.IndexKey(cutoff, "")
		for k, v := c.First(); k != nil && bytes.Compare(k, end) < 0; k, v = c.Next() {
			var m Message
			data := msgs.Get(v)
			if data == nil {
				stale = append(stale, bytes.Clone(k))
				continue
			}
			if json.Unmarshal(data, &m) != nil || !m.Status.Terminal() {
				continue
			}
			stale = append(stale, bytes.Clone(k))
			if err := msgs.Delete(v); err != nil {
				return err
			}
			if m.CampaignID != "" {
				if err := byCampaign.Delete(campaignKey(m.CampaignID, m.ID)); err != nil {
					return err
				}
			}
			deleted++
		}

		for _, k := range stale {
			if err := byCreated.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})

	return deleted, err
}

func campaignKey(campaignID, messageID string) []byte {
	return []byte(campaignID + "/" + messageID)
}
