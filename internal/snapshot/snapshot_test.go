package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/kagura/internal/registry"
	"github.com/harunnryd/kagura/internal/task"
)

func setupWriter(t *testing.T) (*Writer, *registry.Store, *task.Store) {
	t.Helper()

	tenants := registry.NewStore("main", nil)
	if _, err := tenants.Register("0@g.us", "main", "Main"); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.Register("1@g.us", "family", "Family"); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.Register("2@g.us", "work", "Work"); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	tasks, err := task.NewStore(filepath.Join(dir, "tasks.json"), "", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := tasks.Create("family", "1@g.us", "family task", task.ScheduleInterval, "60000", task.ContextGroup, now); err != nil {
		t.Fatal(err)
	}
	if _, err := tasks.Create("work", "2@g.us", "work task", task.ScheduleInterval, "60000", task.ContextGroup, now); err != nil {
		t.Fatal(err)
	}

	return NewWriter(tenants, tasks), tenants, tasks
}

func TestMainSeesEverything(t *testing.T) {
	w, _, _ := setupWriter(t)

	groups := w.Groups("main")
	if len(groups.Groups) != 3 {
		t.Errorf("main should see all 3 tenants, got %d", len(groups.Groups))
	}
	tasks := w.Tasks("main")
	if len(tasks.Tasks) != 2 {
		t.Errorf("main should see all 2 tasks, got %d", len(tasks.Tasks))
	}
}

func TestNonMainScopedToSelf(t *testing.T) {
	w, _, _ := setupWriter(t)

	groups := w.Groups("family")
	if len(groups.Groups) != 1 {
		t.Fatalf("family should see only itself, got %d entries", len(groups.Groups))
	}
	if groups.Groups[0].JID != "1@g.us" {
		t.Errorf("family sees wrong tenant %q", groups.Groups[0].JID)
	}

	tasks := w.Tasks("family")
	if len(tasks.Tasks) != 1 {
		t.Fatalf("family should see only its task, got %d", len(tasks.Tasks))
	}
	if tasks.Tasks[0].GroupFolder != "family" {
		t.Errorf("family sees foreign task owned by %q", tasks.Tasks[0].GroupFolder)
	}
}

func TestWriteProducesDocuments(t *testing.T) {
	w, _, _ := setupWriter(t)

	dir := t.TempDir()
	if err := w.Write(dir, "family"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var groups GroupsSnapshot
	data, err := os.ReadFile(filepath.Join(dir, "groups.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &groups); err != nil {
		t.Fatalf("groups.json unparsable: %v", err)
	}
	if len(groups.Groups) != 1 {
		t.Errorf("expected scoped groups document, got %d entries", len(groups.Groups))
	}

	var tasks TasksSnapshot
	data, err = os.ReadFile(filepath.Join(dir, "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("tasks.json unparsable: %v", err)
	}
	if len(tasks.Tasks) != 1 {
		t.Errorf("expected scoped tasks document, got %d entries", len(tasks.Tasks))
	}
}
