package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/foodrelay/internal/node"
)

func TestNew_GeneratesIDOnFirstStart(t *testing.T) {
	n, err := node.New(t.TempDir(), "auto")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if n.ID().IsZero() {
		t.Fatal("expected non-zero ID")
	}
	if len(n.ID().String()) != 26 {
		t.Errorf("ULID should be 26 chars, got %d: %s", len(n.ID().String()), n.ID())
	}
}

func TestNew_PersistsIDAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	n1, err := node.New(dir, "auto")
	if err != nil {
		t.Fatalf("first New() error: %v", err)
	}
	n2, err := node.New(dir, "")
	if err != nil {
		t.Fatalf("second New() error: %v", err)
	}
	if n1.ID() != n2.ID() {
		t.Errorf("ID changed across restarts: %s != %s", n1.ID(), n2.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id file not found: %v", err)
	}
	if strings.TrimSpace(string(data)) != n1.ID().String() {
		t.Errorf("persisted ID %q != returned ID %q", data, n1.ID())
	}
}

func TestNew_ExplicitOverride(t *testing.T) {
	override := node.MustNewID()

	n, err := node.New(t.TempDir(), override)
	if err != nil {
		t.Fatalf("New() with override error: %v", err)
	}
	if n.ID().String() != override {
		t.Errorf("expected override ID %s, got %s", override, n.ID())
	}
}

func TestNew_InvalidOverride_ReturnsError(t *testing.T) {
	if _, err := node.New(t.TempDir(), "not-a-valid-ulid"); err == nil {
		t.Fatal("expected error for invalid ULID override")
	}
}

func TestNew_EmptyDataDir_ReturnsError(t *testing.T) {
	if _, err := node.New("", "auto"); err == nil {
		t.Fatal("expected error for empty dataDir")
	}
}

func TestNew_CorruptIDFile_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := node.New(dir, "auto"); err == nil {
		t.Fatal("expected error for corrupt node_id file")
	}
}

func TestNewID_UniqueAndIncreasing(t *testing.T) {
	prev := ""
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		if seen[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		if id <= prev {
			t.Fatalf("expected %s > %s", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestIDTime_RoundTripsCreationTime(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	id := node.MustNewID()

	ts, err := node.IDTime(id)
	if err != nil {
		t.Fatalf("IDTime: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Millisecond)) {
		t.Errorf("IDTime %v outside expected window", ts)
	}
	if _, err := node.IDTime("nope"); err == nil {
		t.Error("expected error for malformed id")
	}
}
