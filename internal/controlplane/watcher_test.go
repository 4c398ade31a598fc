package controlplane

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/kagura/internal/registry"
	"github.com/harunnryd/kagura/internal/task"
)

func setupWatcher(t *testing.T) (*Watcher, string, *fakeSender, *task.Store) {
	t.Helper()

	tenants := registry.NewStore("main", nil)
	if _, err := tenants.Register("0@g.us", "main", "Main"); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.Register("1@g.us", "family", "Family"); err != nil {
		t.Fatal(err)
	}

	tasks, err := task.NewStore(filepath.Join(t.TempDir(), "tasks.json"), "", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	sender := newFakeSender()
	dispatcher := NewDispatcher(tenants, tasks, sender, nil)

	baseDir := t.TempDir()
	w := NewWatcher(WatcherConfig{BaseDir: baseDir}, dispatcher, tenants)
	if err := w.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return w, baseDir, sender, tasks
}

func dropFile(t *testing.T, baseDir, folder, channel, name, payload string) string {
	t.Helper()
	path := filepath.Join(baseDir, folder, channel, name)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSweepDispatchesAndDeletes(t *testing.T) {
	w, baseDir, sender, _ := setupWatcher(t)

	path := dropFile(t, baseDir, "family", "messages", "001.json",
		`{"type":"message","jid":"1@g.us","text":"hello from sandbox"}`)

	w.Sweep(context.Background())

	if got := sender.sends["1@g.us"]; len(got) != 1 || got[0] != "hello from sandbox" {
		t.Errorf("message not dispatched, got %v", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("dispatched file must be deleted")
	}
}

func TestSweepQuarantinesMalformed(t *testing.T) {
	w, baseDir, sender, _ := setupWatcher(t)

	dropFile(t, baseDir, "family", "messages", "bad.json", `{{{not json`)
	// A healthy file behind the bad one still goes through.
	dropFile(t, baseDir, "family", "messages", "ok.json",
		`{"type":"message","jid":"1@g.us","text":"still works"}`)

	w.Sweep(context.Background())

	quarantined := filepath.Join(baseDir, "errors", "family-bad.json")
	if _, err := os.Stat(quarantined); err != nil {
		t.Errorf("malformed file not quarantined: %v", err)
	}
	if got := sender.sends["1@g.us"]; len(got) != 1 {
		t.Errorf("sweep should continue past bad files, got %v", got)
	}
}

func TestSweepQuarantinesUnauthorized(t *testing.T) {
	w, baseDir, sender, _ := setupWatcher(t)

	// family tries to message main's chat.
	dropFile(t, baseDir, "family", "messages", "cross.json",
		`{"type":"message","jid":"0@g.us","text":"impersonation"}`)

	w.Sweep(context.Background())

	quarantined := filepath.Join(baseDir, "errors", "family-cross.json")
	if _, err := os.Stat(quarantined); err != nil {
		t.Errorf("unauthorized file not quarantined: %v", err)
	}
	if len(sender.sends) != 0 {
		t.Error("unauthorized message must not be delivered")
	}
}

func TestSweepStampsSourceFromLocation(t *testing.T) {
	w, baseDir, _, tasks := setupWatcher(t)

	// The payload is dropped in family's inbox; whatever it claims, the task
	// lands under family.
	dropFile(t, baseDir, "family", "tasks", "sched.json",
		`{"type":"schedule_task","prompt":"p","schedule_type":"interval","schedule_value":"60000"}`)

	w.Sweep(context.Background())

	got := tasks.ByFolder("family")
	if len(got) != 1 {
		t.Fatalf("expected task under family, got %d", len(got))
	}
}

func TestMainInboxMayRegister(t *testing.T) {
	w, baseDir, _, _ := setupWatcher(t)

	dropFile(t, baseDir, "main", "messages", "reg.json",
		`{"type":"register_group","jid":"5@g.us","folder":"friends","name":"Friends"}`)

	w.Sweep(context.Background())

	// Registration creates the new tenant's inbox via the OnRegister hook.
	for _, ch := range subChannels {
		if _, err := os.Stat(filepath.Join(baseDir, "friends", ch)); err != nil {
			t.Errorf("inbox %s not created for new tenant: %v", ch, err)
		}
	}
}

func TestSweepIgnoresNonJSONFiles(t *testing.T) {
	w, baseDir, sender, _ := setupWatcher(t)

	dropFile(t, baseDir, "family", "messages", "notes.txt", "scratch")
	w.Sweep(context.Background())

	if len(sender.sends) != 0 {
		t.Error("non-json files must be ignored")
	}
	if _, err := os.Stat(filepath.Join(baseDir, "family", "messages", "notes.txt")); err != nil {
		t.Error("ignored files must be left alone")
	}
}
