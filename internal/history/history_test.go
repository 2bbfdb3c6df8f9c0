package history

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/swarmguard/devworkflowd/internal/dagmodel"
)

func TestArchive_RecordAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	archive, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer archive.Close()

	state := dagmodel.WorkflowState{Tasks: map[string]dagmodel.Task{
		"A": {ID: "A", Status: dagmodel.StatusPending},
	}}
	if _, err := archive.RecordImported("ship it", state); err != nil {
		t.Fatalf("record imported: %v", err)
	}
	if _, err := archive.RecordRejected("bad plan", errors.New("cycle detected at A")); err != nil {
		t.Fatalf("record rejected: %v", err)
	}

	runs, err := archive.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
}

func TestArchive_ListRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	archive, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer archive.Close()

	for i := 0; i < 5; i++ {
		if _, err := archive.RecordImported("goal", dagmodel.WorkflowState{Tasks: map[string]dagmodel.Task{}}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	runs, err := archive.List(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
}
