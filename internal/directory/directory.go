// Package directory is the user directory the mail system reads contacts from.
// Contacts live in memory and can be loaded from a YAML file, which is
// reloaded when it changes on disk.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/zoptal/mailflow/internal/filter"
	"github.com/zoptal/mailflow/internal/mailerr"
)

// Contact is a directory entry
type Contact struct {
	Email      string         `json:"email" yaml:"email"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Tags       []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Fields flattens the contact for filter evaluation. Attributes are exposed
// both at the top level and under "attributes.".
func (c Contact) Fields() map[string]any {
	fields := make(map[string]any, len(c.Attributes)+4)
	for k, v := range c.Attributes {
		fields[k] = v
	}
	fields["email"] = c.Email
	fields["name"] = c.Name
	fields["tags"] = c.Tags
	fields["attributes"] = c.Attributes
	return fields
}

// Variables returns template variables for the contact.
func (c Contact) Variables() map[string]any {
	vars := make(map[string]any, len(c.Attributes)+3)
	for k, v := range c.Attributes {
		vars[k] = v
	}
	vars["email"] = c.Email
	if c.Name != "" {
		vars["name"] = c.Name
		if _, ok := vars["firstName"]; !ok {
			vars["firstName"] = strings.Fields(c.Name)[0]
		}
	}
	return vars
}

// Directory resolves audience filters to contacts and applies contact updates.
type Directory interface {
	Count(ctx context.Context, conds []filter.Condition) (int, error)
	Recipients(ctx context.Context, conds []filter.Condition) ([]Contact, error)
	UpdateContact(ctx context.Context, email string, fields map[string]any) error
	AddTag(ctx context.Context, email, tag string) error
}

type contactsFile struct {
	Contacts []Contact `yaml:"contacts"`
}

// Store is an in-memory Directory, optionally backed by a YAML file.
type Store struct {
	mu       sync.RWMutex
	contacts []Contact
	byEmail  map[string]int
	path     string
	logger   *slog.Logger
}

// NewStore creates a directory holding the given contacts.
func NewStore(contacts []Contact) *Store {
	s := &Store{logger: slog.Default()}
	s.replace(contacts)
	return s
}

// LoadFile creates a directory from a YAML contacts file. Updates are
// written back to the same file.
func LoadFile(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	contacts, err := readFile(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, logger: logger}
	s.replace(contacts)
	return s, nil
}

func readFile(path string) ([]Contact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contacts file: %w", err)
	}
	var f contactsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse contacts file: %w", err)
	}
	for i, c := range f.Contacts {
		if strings.TrimSpace(c.Email) == "" {
			return nil, fmt.Errorf("contact %d: email is required", i)
		}
	}
	return f.Contacts, nil
}

func (s *Store) replace(contacts []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts = make([]Contact, 0, len(contacts))
	s.byEmail = make(map[string]int, len(contacts))
	for _, c := range contacts {
		key := normalize(c.Email)
		if idx, ok := s.byEmail[key]; ok {
			s.contacts[idx] = c
			continue
		}
		s.byEmail[key] = len(s.contacts)
		s.contacts = append(s.contacts, c)
	}
}

// Reload re-reads the backing file.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	contacts, err := readFile(s.path)
	if err != nil {
		return err
	}
	s.replace(contacts)
	s.logger.Info("contacts reloaded", "path", s.path, "count", len(contacts))
	return nil
}

// Count returns the number of contacts matching all conditions.
func (s *Store) Count(ctx context.Context, conds []filter.Condition) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.contacts {
		if filter.MatchAll(conds, filter.MapLookup(c.Fields())) {
			n++
		}
	}
	return n, nil
}

// Recipients returns the contacts matching all conditions in directory order.
func (s *Store) Recipients(ctx context.Context, conds []filter.Condition) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Contact
	for _, c := range s.contacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if filter.MatchAll(conds, filter.MapLookup(c.Fields())) {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

// Get returns a contact by email.
func (s *Store) Get(ctx context.Context, email string) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byEmail[normalize(email)]
	if !ok {
		return Contact{}, mailerr.NotFound("contact", email)
	}
	return clone(s.contacts[idx]), nil
}

// UpdateContact merges fields into the contact's attributes. "name" updates the
// display name.
func (s *Store) UpdateContact(ctx context.Context, email string, fields map[string]any) error {
	return s.mutate(email, func(c *Contact) {
		if c.Attributes == nil {
			c.Attributes = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			if k == "name" {
				if name, ok := v.(string); ok {
					c.Name = name
					continue
				}
			}
			c.Attributes[k] = v
		}
	})
}

// AddTag tags a contact. Adding an existing tag is a no-op.
func (s *Store) AddTag(ctx context.Context, email, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return mailerr.Validation("tag is required")
	}
	return s.mutate(email, func(c *Contact) {
		if !slices.Contains(c.Tags, tag) {
			c.Tags = append(c.Tags, tag)
		}
	})
}

func (s *Store) mutate(email string, fn func(c *Contact)) error {
	s.mu.Lock()
	idx, ok := s.byEmail[normalize(email)]
	if !ok {
		s.mu.Unlock()
		return mailerr.NotFound("contact", email)
	}
	c := clone(s.contacts[idx])
	fn(&c)
	s.contacts[idx] = c
	snapshot := slices.Clone(s.contacts)
	s.mu.Unlock()

	return s.save(snapshot)
}

func (s *Store) save(contacts []Contact) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(contactsFile{Contacts: contacts})
	if err != nil {
		return fmt.Errorf("failed to marshal contacts: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write contacts file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Watch reloads the backing file whenever it changes, until ctx is cancelled.
// Rapid successive events are collapsed into one reload.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors and save() replace the file via rename.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch contacts directory: %w", err)
	}

	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	const debounce = 200 * time.Millisecond
	target := filepath.Clean(s.path)
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.Reload(); err != nil {
				s.logger.Warn("failed to reload contacts", "path", s.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("contacts watcher error", "error", err)
		}
	}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func clone(c Contact) Contact {
	c.Tags = slices.Clone(c.Tags)
	if c.Attributes != nil {
		attrs := make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			attrs[k] = v
		}
		c.Attributes = attrs
	}
	return c
}
