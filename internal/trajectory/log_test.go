package trajectory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLog_AppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory.jsonl")
	log := New(path, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := log.Append(ctx, NewEvent(fmt.Sprintf("event-%d", i), map[string]any{"i": float64(i)})); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := log.Tail(ctx, 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for idx, want := range []int{3, 4, 5} {
		got, _ := events[idx].Fields["i"].(float64)
		if int(got) != want {
			t.Fatalf("event %d: expected i=%d, got %v", idx, want, got)
		}
	}
}

func TestLog_TailOnLargeFileReturnsLastN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory.jsonl")
	log := New(path, nil)
	ctx := context.Background()

	const total = 50000
	for i := 0; i < total; i++ {
		if err := log.Append(ctx, NewEvent("e", map[string]any{"i": float64(i)})); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := log.Tail(ctx, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	for idx, want := range []int{49990, 49991, 49992, 49993, 49994, 49995, 49996, 49997, 49998, 49999} {
		got, _ := events[idx].Fields["i"].(float64)
		if int(got) != want {
			t.Fatalf("event %d: expected i=%d, got %v", idx, want, got)
		}
	}
}

func TestLog_TailSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory.jsonl")
	log := New(path, nil)
	ctx := context.Background()

	if err := log.Append(ctx, NewEvent("good-1", nil)); err != nil {
		t.Fatalf("append: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString("{not valid json\n"); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}
	f.Close()

	if err := log.Append(ctx, NewEvent("good-2", nil)); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := log.Tail(ctx, 10)
	if err != nil {
		t.Fatalf("tail should tolerate corruption, got error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 valid events surviving corruption, got %d", len(events))
	}
}

func TestLog_TailOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.jsonl")
	log := New(path, nil)
	events, err := log.Tail(context.Background(), 5)
	if err != nil {
		t.Fatalf("expected no error on missing file, got %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events, got %v", events)
	}
}
