package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoptal/mailflow/internal/filter"
	"github.com/zoptal/mailflow/internal/mailerr"
)

const contactsYAML = `contacts:
  - email: ann@example.com
    name: Ann Lee
    tags: [beta, newsletter]
    attributes:
      plan: pro
      seats: 12
  - email: bob@example.com
    name: Bob
    tags: [newsletter]
    attributes:
      plan: free
      seats: 1
  - email: cid@example.com
    attributes:
      plan: enterprise
      seats: 300
`

func writeContacts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contacts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestStore_CountAndRecipients(t *testing.T) {
	store, err := LoadFile(writeContacts(t, contactsYAML), nil)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name  string
		conds []filter.Condition
		want  []string
	}{
		{"everyone", nil, []string{"ann@example.com", "bob@example.com", "cid@example.com"}},
		{"by plan", []filter.Condition{{Field: "plan", Operator: filter.OpEquals, Value: "pro"}}, []string{"ann@example.com"}},
		{"by tag", []filter.Condition{{Field: "tags", Operator: filter.OpContains, Value: "newsletter"}}, []string{"ann@example.com", "bob@example.com"}},
		{"by seats", []filter.Condition{{Field: "attributes.seats", Operator: filter.OpGreaterThan, Value: 10}}, []string{"ann@example.com", "cid@example.com"}},
		{"in", []filter.Condition{{Field: "plan", Operator: filter.OpIn, Value: []any{"free", "enterprise"}}}, []string{"bob@example.com", "cid@example.com"}},
		{"none", []filter.Condition{{Field: "plan", Operator: filter.OpEquals, Value: "gold"}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := store.Count(ctx, tt.conds)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)

			contacts, err := store.Recipients(ctx, tt.conds)
			require.NoError(t, err)
			var emails []string
			for _, c := range contacts {
				emails = append(emails, c.Email)
			}
			assert.Equal(t, tt.want, emails)
		})
	}
}

func TestStore_UpdateContactPersists(t *testing.T) {
	path := writeContacts(t, contactsYAML)
	store, err := LoadFile(path, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.UpdateContact(ctx, "BOB@example.com", map[string]any{"plan": "pro", "name": "Robert"}))
	require.NoError(t, store.AddTag(ctx, "bob@example.com", "upgraded"))
	require.NoError(t, store.AddTag(ctx, "bob@example.com", "upgraded"))

	bob, err := store.Get(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Robert", bob.Name)
	assert.Equal(t, "pro", bob.Attributes["plan"])
	assert.Equal(t, []string{"newsletter", "upgraded"}, bob.Tags)

	reloaded, err := LoadFile(path, nil)
	require.NoError(t, err)
	bob, err = reloaded.Get(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "pro", bob.Attributes["plan"])
	assert.Contains(t, bob.Tags, "upgraded")
}

func TestStore_UnknownContact(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	err := store.UpdateContact(ctx, "nobody@example.com", map[string]any{"x": 1})
	assert.True(t, errors.Is(err, mailerr.ErrNotFound))

	err = store.AddTag(ctx, "nobody@example.com", "x")
	assert.True(t, errors.Is(err, mailerr.ErrNotFound))
}

func TestStore_RecipientsAreCopies(t *testing.T) {
	store := NewStore([]Contact{{Email: "a@example.com", Tags: []string{"x"}}})
	ctx := context.Background()

	contacts, err := store.Recipients(ctx, nil)
	require.NoError(t, err)
	contacts[0].Tags[0] = "mutated"

	again, err := store.Recipients(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", again[0].Tags[0])
}

func TestContact_Variables(t *testing.T) {
	c := Contact{Email: "ann@example.com", Name: "Ann Lee", Attributes: map[string]any{"plan": "pro"}}
	vars := c.Variables()

	assert.Equal(t, "Ann", vars["firstName"])
	assert.Equal(t, "Ann Lee", vars["name"])
	assert.Equal(t, "pro", vars["plan"])
	assert.Equal(t, "ann@example.com", vars["email"])
}

func TestLoadFile_Invalid(t *testing.T) {
	_, err := LoadFile(writeContacts(t, "contacts:\n  - name: nomail\n"), nil)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestStore_Watch(t *testing.T) {
	path := writeContacts(t, contactsYAML)
	store, err := LoadFile(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))

	updated := contactsYAML + "  - email: dee@example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	assert.Eventually(t, func() bool {
		n, err := store.Count(context.Background(), nil)
		return err == nil && n == 4
	}, 5*time.Second, 50*time.Millisecond)
}
