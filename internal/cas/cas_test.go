package cas

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestSumB3(t *testing.T) {
	data := []byte("hello world")
	hash1 := SumB3(data)
	hash2 := SumB3(data)

	if hash1 != hash2 {
		t.Error("Same data should produce same hash")
	}

	hash3 := SumB3([]byte("hello world!"))
	if hash1 == hash3 {
		t.Error("Different data should produce different hashes")
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	h := SumB3([]byte("digest"))

	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash failed: %v", err)
	}
	if parsed != h {
		t.Errorf("ParseHash: got %s, want %s", parsed, h)
	}

	if _, err := ParseHash("abc"); err == nil {
		t.Error("ParseHash should reject short input")
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Error("ParseHash should reject non-hex input")
	}
}

func TestHashTextMarshal(t *testing.T) {
	h := SumB3([]byte("text"))
	text, err := h.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var back Hash
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back != h {
		t.Errorf("round trip mismatch: %s != %s", back, h)
	}
}

func TestSortHashes(t *testing.T) {
	a := Hash{0x01}
	b := Hash{0x02}
	c := Hash{0x03}
	hs := []Hash{c, a, b}
	SortHashes(hs)
	if hs[0] != a || hs[1] != b || hs[2] != c {
		t.Errorf("SortHashes produced wrong order: %v", hs)
	}
	if !(Hash{}).IsZero() || a.IsZero() {
		t.Error("IsZero misreports")
	}
}

func TestMemoryCAS(t *testing.T) {
	store := NewMemoryCAS()
	data := []byte("test data")
	hash := SumB3(data)

	has, err := store.Has(hash)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if has {
		t.Error("Empty CAS should not have any data")
	}

	if _, err := store.Get(hash); err == nil {
		t.Error("Get should fail on missing hash")
	}

	if err := store.Put(hash, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	has, err = store.Has(hash)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if !has {
		t.Error("CAS should have data after Put")
	}

	retrieved, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(data, retrieved) {
		t.Error("Retrieved data should match original")
	}

	wrongHash := SumB3([]byte("different data"))
	if err := store.Put(wrongHash, data); err == nil {
		t.Error("Put should fail with mismatched hash")
	}
}

func TestMemoryCASSweep(t *testing.T) {
	store := NewMemoryCAS()
	first := []byte("first")
	second := []byte("second object")
	if err := store.Put(SumB3(first), first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(SumB3(second), second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	listed, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(listed))
	}

	size, err := store.Size(SumB3(second))
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != int64(len(second)) {
		t.Errorf("Size: got %d, want %d", size, len(second))
	}

	if err := store.Delete(SumB3(first)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 object after delete, got %d", store.Len())
	}
	if err := store.Delete(SumB3(first)); err != nil {
		t.Errorf("deleting a missing object should not fail: %v", err)
	}
}

func TestMemoryCASConcurrency(t *testing.T) {
	store := NewMemoryCAS()
	data := []byte("concurrent test data")
	hash := SumB3(data)

	done := make(chan bool, 10)

	for i := 0; i < 5; i++ {
		go func() {
			defer func() { done <- true }()
			if err := store.Put(hash, data); err != nil {
				t.Errorf("Concurrent Put failed: %v", err)
			}
		}()
	}

	for i := 0; i < 5; i++ {
		go func() {
			defer func() { done <- true }()
			_, _ = store.Has(hash)
			_, _ = store.List()
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	retrieved, err := store.Get(hash)
	if err != nil || !bytes.Equal(retrieved, data) {
		t.Errorf("Get after concurrent Put failed: %v", err)
	}
}

func TestFileCAS(t *testing.T) {
	root := filepath.Join(t.TempDir(), "objects")
	store, err := NewFileCAS(root)
	if err != nil {
		t.Fatalf("NewFileCAS failed: %v", err)
	}

	data := []byte("impression manifest")
	hash := SumB3(data)

	if err := store.Put(hash, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Second put of the same object is a no-op.
	if err := store.Put(hash, data); err != nil {
		t.Fatalf("repeated Put failed: %v", err)
	}

	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Retrieved data should match original")
	}

	// Junk in the fan-out directory is skipped by List.
	junk := filepath.Join(root, hash.String()[:2], "not-a-hash.tmp")
	if err := os.WriteFile(junk, []byte("x"), 0644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	listed, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 || listed[0] != hash {
		t.Fatalf("List: got %v, want [%s]", listed, hash)
	}

	if err := store.Delete(hash); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	has, err := store.Has(hash)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if has {
		t.Error("object should be gone after Delete")
	}
}

func TestFileCASDetectsCorruption(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileCAS(root)
	if err != nil {
		t.Fatalf("NewFileCAS failed: %v", err)
	}

	data := []byte("original")
	hash := SumB3(data)
	if err := store.Put(hash, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := os.WriteFile(store.objectPath(hash), []byte("tampered"), 0644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := store.Get(hash); err == nil {
		t.Error("Get should detect corrupted content")
	}
}

func TestFileCASConcurrentPutSameObject(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileCAS(root)
	if err != nil {
		t.Fatalf("NewFileCAS failed: %v", err)
	}

	data := []byte("shared manifest")
	hash := SumB3(data)

	for round := 0; round < 20; round++ {
		if err := store.Delete(hash); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.Put(hash, data); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("round %d: concurrent Put failed: %v", round, err)
		}

		got, err := store.Get(hash)
		if err != nil || !bytes.Equal(got, data) {
			t.Fatalf("round %d: Get after concurrent Put: %v", round, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, hash.String()[:2]))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestObjectNotFound(t *testing.T) {
	file, err := NewFileCAS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCAS failed: %v", err)
	}
	missing := SumB3([]byte("missing"))

	for name, store := range map[string]interface {
		CAS
		Sweeper
	}{"memory": NewMemoryCAS(), "file": file} {
		if _, err := store.Get(missing); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("%s Get: expected ErrObjectNotFound, got %v", name, err)
		}
		if _, err := store.Size(missing); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("%s Size: expected ErrObjectNotFound, got %v", name, err)
		}
	}
}

func BenchmarkSumB3(b *testing.B) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = SumB3(data)
	}
}

func BenchmarkMemoryCASGet(b *testing.B) {
	store := NewMemoryCAS()
	data := []byte("benchmark data")
	hash := SumB3(data)
	store.Put(hash, data)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Get(hash)
	}
}
