package signals

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatch_FiresOnCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	w, err := Watch(dir)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	if w.Requested() {
		t.Fatal("requested before any signal")
	}
	if err := os.WriteFile(filepath.Join(dir, CancelFile), []byte("stop"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Cancelled():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel not observed")
	}
	if !w.Requested() {
		t.Error("Requested() = false after cancel")
	}
}

func TestWatch_ExistingFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, CancelFile), nil, 0644); err != nil {
		t.Fatal(err)
	}
	w, err := Watch(dir)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	select {
	case <-w.Cancelled():
	default:
		t.Error("pre-existing cancel file not reported")
	}
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := Watch(dir)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "pause"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Cancelled():
		t.Error("unrelated file triggered cancel")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClose_Idempotent(t *testing.T) {
	w, err := Watch(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
