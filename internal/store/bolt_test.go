package store

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "mailflow.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if err := EnsureBuckets(db, []byte("a"), []byte("b")); err != nil {
		t.Fatalf("EnsureBuckets() error = %v", err)
	}

	type item struct {
		Name string `json:"name"`
	}

	err = db.Update(func(tx *bolt.Tx) error {
		return Put(tx.Bucket([]byte("a")), "k1", item{Name: "one"})
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	err = db.View(func(tx *bolt.Tx) error {
		var got item
		found, err := Get(tx.Bucket([]byte("a")), "k1", &got)
		if err != nil {
			return err
		}
		if !found || got.Name != "one" {
			t.Errorf("Get() = %v, %+v", found, got)
		}
		found, err = Get(tx.Bucket([]byte("b")), "k1", &got)
		if found {
			t.Error("Get() found key in wrong bucket")
		}
		return err
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestIndexKeyOrdering(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	if string(IndexKey(t1, "z")) >= string(IndexKey(t2, "a")) {
		t.Error("IndexKey() does not order by time")
	}
}
