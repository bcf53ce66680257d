package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestDirLock_LockUnlock(t *testing.T) {
	dir := t.TempDir()

	lock := NewDirLock(dir)

	// Lock should succeed
	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}

	// Verify lock file exists
	if _, err := os.Stat(lock.Path()); os.IsNotExist(err) {
		t.Error("Lock file was not created")
	}

	// Unlock should succeed
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}
}

func TestDirLock_UnlockWithoutLock(t *testing.T) {
	dir := t.TempDir()
	lock := NewDirLock(dir)

	// Unlock without Lock should not error
	if err := lock.Unlock(); err != nil {
		t.Errorf("Unlock() without Lock() should not error: %v", err)
	}
}

func TestDirLock_DoubleUnlock(t *testing.T) {
	dir := t.TempDir()
	lock := NewDirLock(dir)

	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("First Unlock() failed: %v", err)
	}

	// Second unlock should not error
	if err := lock.Unlock(); err != nil {
		t.Errorf("Second Unlock() should not error: %v", err)
	}
}

func TestDirLock_TryLock_AlreadyLocked(t *testing.T) {
	dir := t.TempDir()

	lock1 := NewDirLock(dir)
	if err := lock1.Lock(); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	defer func() { _ = lock1.Unlock() }()

	// Second exclusive lock should fail with TryLock
	lock2 := NewDirLock(dir)
	acquired, err := lock2.TryLock()
	if err != nil {
		t.Fatalf("TryLock() error: %v", err)
	}
	if acquired {
		t.Error("TryLock() should return false when lock is held")
		_ = lock2.Unlock()
	}
}

func TestDirLock_SharedLocksCoexist(t *testing.T) {
	dir := t.TempDir()

	reader1 := NewDirLock(dir)
	if err := reader1.RLock(); err != nil {
		t.Fatalf("RLock() failed: %v", err)
	}
	defer func() { _ = reader1.Unlock() }()

	// A second shared lock should succeed while the first is held
	reader2 := NewDirLock(dir)
	acquired, err := reader2.TryRLock()
	if err != nil {
		t.Fatalf("TryRLock() error: %v", err)
	}
	if !acquired {
		t.Error("TryRLock() should succeed alongside another shared lock")
	}
	defer func() { _ = reader2.Unlock() }()
}

func TestDirLock_SharedBlocksExclusive(t *testing.T) {
	dir := t.TempDir()

	reader := NewDirLock(dir)
	if err := reader.RLock(); err != nil {
		t.Fatalf("RLock() failed: %v", err)
	}
	defer func() { _ = reader.Unlock() }()

	writer := NewDirLock(dir)
	acquired, err := writer.TryLock()
	if err != nil {
		t.Fatalf("TryLock() error: %v", err)
	}
	if acquired {
		t.Error("TryLock() should return false while a shared lock is held")
		_ = writer.Unlock()
	}
}

func TestDirLock_ExclusiveBlocksShared(t *testing.T) {
	dir := t.TempDir()

	writer := NewDirLock(dir)
	if err := writer.Lock(); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	defer func() { _ = writer.Unlock() }()

	reader := NewDirLock(dir)
	acquired, err := reader.TryRLock()
	if err != nil {
		t.Fatalf("TryRLock() error: %v", err)
	}
	if acquired {
		t.Error("TryRLock() should return false while the exclusive lock is held")
		_ = reader.Unlock()
	}
}

func TestDirLock_Path(t *testing.T) {
	dir := "/some/dir"
	lock := NewDirLock(dir)

	expected := filepath.Join(dir, ".quadfuse.lock")
	if lock.Path() != expected {
		t.Errorf("Path() = %q, want %q", lock.Path(), expected)
	}
}

func TestDirLock_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	counter := 0
	var mu sync.Mutex

	// With proper locking, the final count equals numGoroutines
	numGoroutines := 10
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lock := NewDirLock(dir)
			if err := lock.Lock(); err != nil {
				t.Errorf("Lock() failed: %v", err)
				return
			}
			defer func() { _ = lock.Unlock() }()

			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}

	wg.Wait()

	if counter != numGoroutines {
		t.Errorf("counter = %d, want %d", counter, numGoroutines)
	}
}

func TestDirLock_CreatesDirectory(t *testing.T) {
	baseDir := t.TempDir()
	nestedDir := filepath.Join(baseDir, "nested", "dir", "for", "lock")

	lock := NewDirLock(nestedDir)

	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock() failed to create nested directory: %v", err)
	}
	defer func() { _ = lock.Unlock() }()

	if _, err := os.Stat(nestedDir); os.IsNotExist(err) {
		t.Error("Lock() did not create the nested directory")
	}
}

func TestDirLock_IsLocked(t *testing.T) {
	lock := NewDirLock(t.TempDir())

	if lock.IsLocked() {
		t.Error("New lock should not be locked")
	}

	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !lock.IsLocked() {
		t.Error("Lock should be locked after Lock()")
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}
	if lock.IsLocked() {
		t.Error("Lock should not be locked after Unlock()")
	}
}
