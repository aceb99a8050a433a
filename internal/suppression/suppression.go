// Package suppression keeps the list of addresses that must not receive
// marketing mail, populated from bounces and unsubscribes.
package suppression

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reason explains why an address is suppressed
type Reason string

const (
	ReasonBounced      Reason = "bounced"
	ReasonUnsubscribed Reason = "unsubscribed"
	ReasonManual       Reason = "manual"
)

// Entry is one suppressed address
type Entry struct {
	Email     string    `json:"email"`
	Reason    Reason    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a suppression list
type Store interface {
	Add(ctx context.Context, email string, reason Reason) error
	Remove(ctx context.Context, email string) error
	IsSuppressed(ctx context.Context, email string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
}

// Normalize lower-cases and trims an address.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Memory is an in-process suppression list
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory list
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Add(ctx context.Context, email string, reason Reason) error {
	key := Normalize(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return nil
	}
	m.entries[key] = Entry{Email: key, Reason: reason, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) Remove(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, Normalize(email))
	return nil
}

func (m *Memory) IsSuppressed(ctx context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[Normalize(email)]
	return ok, nil
}

func (m *Memory) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Email < entries[j].Email
	})
}
