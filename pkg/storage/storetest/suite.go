// Package storetest provides a conformance test suite that every
// storage.Store implementation must pass. Backend packages call
// RunConformanceSuite from their own _test files with a factory that
// builds a fresh store per test.
package storetest

import (
	"bytes"
	"testing"
	"time"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/storage"
)

// StoreFactory builds a fresh store for a single test. Cleanup is the
// factory's responsibility (t.Cleanup / t.TempDir).
type StoreFactory func(t *testing.T) storage.Store

// RunConformanceSuite runs all conformance tests against the factory.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Run("SaveLoadRoundTrip", func(t *testing.T) { testSaveLoadRoundTrip(t, factory) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, factory) })
	t.Run("OverwritePreservesCreatedAt", func(t *testing.T) { testOverwritePreservesCreatedAt(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Exists", func(t *testing.T) { testExists(t, factory) })
	t.Run("ListPrefixAndLimit", func(t *testing.T) { testListPrefixAndLimit(t, factory) })
	t.Run("GetMetadata", func(t *testing.T) { testGetMetadata(t, factory) })
	t.Run("GetStats", func(t *testing.T) { testGetStats(t, factory) })
	t.Run("EmptyIDRejected", func(t *testing.T) { testEmptyIDRejected(t, factory) })
	t.Run("CustomMetadata", func(t *testing.T) { testCustomMetadata(t, factory) })
}

func testSaveLoadRoundTrip(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx := t.Context()

	content := []byte("hello collaboration runtime")
	meta, err := store.Save(ctx, "doc-1", content, 1, nil)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if meta.DocumentID != "doc-1" {
		t.Errorf("DocumentID = %q, want doc-1", meta.DocumentID)
	}
	if meta.Version != 1 {
		t.Errorf("Version = %d, want 1", meta.Version)
	}

	loaded, loadedMeta, err := store.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !bytes.Equal(loaded, content) {
		t.Errorf("Load() = %q, want %q", loaded, content)
	}
	if loadedMeta.Version != 1 {
		t.Errorf("loaded Version = %d, want 1", loadedMeta.Version)
	}
}

func testLoadMissing(t *testing.T, factory StoreFactory) {
	store := factory(t)

	_, _, err := store.Load(t.Context(), "no-such-doc")
	if !errors.IsNotFound(err) {
		t.Errorf("Load(missing) error = %v, want NotFound", err)
	}
}

func testOverwritePreservesCreatedAt(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx := t.Context()

	first, err := store.Save(ctx, "doc-1", []byte("v1"), 1, nil)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	second, err := store.Save(ctx, "doc-1", []byte("v2"), 2, nil)
	if err != nil {
		t.Fatalf("second Save() failed: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on overwrite: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("UpdatedAt not refreshed: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}

	loaded, _, err := store.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if string(loaded) != "v2" {
		t.Errorf("Load() = %q, want v2", loaded)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx := t.Context()

	if _, err := store.Save(ctx, "doc-1", []byte("x"), 1, nil); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	found, err := store.Delete(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if !found {
		t.Error("Delete() = false for existing document")
	}

	found, err = store.Delete(ctx, "doc-1")
	if err != nil {
		t.Fatalf("second Delete() failed: %v", err)
	}
	if found {
		t.Error("Delete() = true for missing document")
	}

	if _, _, err := store.Load(ctx, "doc-1"); !errors.IsNotFound(err) {
		t.Errorf("Load(deleted) error = %v, want NotFound", err)
	}
}

func testExists(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx := t.Context()

	exists, err := store.Exists(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Exists() failed: %v", err)
	}
	if exists {
		t.Error("Exists() = true before Save")
	}

	if _, err := store.Save(ctx, "doc-1", []byte("x"), 1, nil); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	exists, err = store.Exists(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Exists() failed: %v", err)
	}
	if !exists {
		t.Error("Exists() = false after Save")
	}
}

func testListPrefixAndLimit(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx := t.Context()

	for _, id := range []string{"doc-a", "doc-b", "doc-c", "snapshot:s1"} {
		if _, err := store.Save(ctx, id, []byte("x"), 1, nil); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
	}

	ids, err := store.List(ctx, "doc-", 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("List(doc-) returned %d ids, want 3: %v", len(ids), ids)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Errorf("List() not sorted: %v", ids)
		}
	}

	ids, err = store.List(ctx, "doc-", 2)
	if err != nil {
		t.Fatalf("List(limit) failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("List(doc-, 2) returned %d ids, want 2", len(ids))
	}

	ids, err = store.List(ctx, "snapshot:", 0)
	if err != nil {
		t.Fatalf("List(snapshot:) failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "snapshot:s1" {
		t.Errorf("List(snapshot:) = %v", ids)
	}
}

func testGetMetadata(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx := t.Context()

	content := []byte("some content")
	saved, err := store.Save(ctx, "doc-1", content, 7, nil)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	meta, err := store.GetMetadata(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetMetadata() failed: %v", err)
	}
	if meta.Version != 7 {
		t.Errorf("Version = %d, want 7", meta.Version)
	}
	if meta.Size != saved.Size {
		t.Errorf("Size = %d, want %d", meta.Size, saved.Size)
	}

	if _, err := store.GetMetadata(ctx, "missing"); !errors.IsNotFound(err) {
		t.Errorf("GetMetadata(missing) error = %v, want NotFound", err)
	}
}

func testGetStats(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx := t.Context()

	if _, err := store.Save(ctx, "doc-1", []byte("aaa"), 1, nil); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := store.Save(ctx, "doc-2", []byte("bbbb"), 1, nil); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if stats.DocumentCount != 2 {
		t.Errorf("DocumentCount = %d, want 2", stats.DocumentCount)
	}
	if stats.TotalBytes <= 0 {
		t.Errorf("TotalBytes = %d, want > 0", stats.TotalBytes)
	}
}

func testEmptyIDRejected(t *testing.T, factory StoreFactory) {
	store := factory(t)

	_, err := store.Save(t.Context(), "", []byte("x"), 1, nil)
	if !errors.IsInvalidArgument(err) {
		t.Errorf("Save(empty id) error = %v, want InvalidArgument", err)
	}
}

func testCustomMetadata(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx := t.Context()

	custom := map[string]string{"origin": "coordinator", "tenant": "acme"}
	if _, err := store.Save(ctx, "doc-1", []byte("x"), 1, custom); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	meta, err := store.GetMetadata(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetMetadata() failed: %v", err)
	}
	if meta.Custom["origin"] != "coordinator" || meta.Custom["tenant"] != "acme" {
		t.Errorf("Custom = %v", meta.Custom)
	}
}
