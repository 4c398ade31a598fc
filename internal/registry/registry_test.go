package registry

import (
	"errors"
	"testing"
	"time"

	kerrors "github.com/harunnryd/kagura/internal/errors"
)

func TestRegisterAndLookup(t *testing.T) {
	st := NewStore("main", nil)

	tenant, err := st.Register("123@g.us", "family", "Family Chat")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if tenant.Folder != "family" {
		t.Errorf("unexpected folder %q", tenant.Folder)
	}

	byFolder, ok := st.ByFolder("family")
	if !ok || byFolder.JID != "123@g.us" {
		t.Error("ByFolder lookup failed")
	}
	byJID, ok := st.ByJID("123@g.us")
	if !ok || byJID.Folder != "family" {
		t.Error("ByJID lookup failed")
	}
}

func TestRegisterRejectsDuplicatesAndBadFolders(t *testing.T) {
	st := NewStore("main", nil)

	if _, err := st.Register("1@g.us", "family", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Register("2@g.us", "family", ""); !errors.Is(err, kerrors.ErrValidation) {
		t.Errorf("duplicate folder should be a validation error, got %v", err)
	}
	if _, err := st.Register("1@g.us", "other", ""); !errors.Is(err, kerrors.ErrValidation) {
		t.Errorf("duplicate jid should be a validation error, got %v", err)
	}

	bad := []string{"", "Family", "has space", "-leading", "a/b", "über"}
	for _, folder := range bad {
		if _, err := st.Register("x@g.us", folder, ""); err == nil {
			t.Errorf("expected rejection of folder %q", folder)
		}
	}
}

func TestIsMain(t *testing.T) {
	st := NewStore("main", nil)
	if !st.IsMain("main") {
		t.Error("main folder not recognized")
	}
	if st.IsMain("family") {
		t.Error("non-main folder treated as main")
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := NewStore("main", nil)
	if _, ok := st.Session("family"); ok {
		t.Error("unexpected session for unknown folder")
	}

	if err := st.SetSession("family", "tok-1"); err != nil {
		t.Fatal(err)
	}
	token, ok := st.Session("family")
	if !ok || token != "tok-1" {
		t.Errorf("expected tok-1, got %q", token)
	}

	// Replacement keeps exactly one token per folder.
	if err := st.SetSession("family", "tok-2"); err != nil {
		t.Fatal(err)
	}
	token, _ = st.Session("family")
	if token != "tok-2" {
		t.Errorf("expected tok-2, got %q", token)
	}

	if err := st.ClearSession("family"); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Session("family"); ok {
		t.Error("session should be cleared")
	}
}

func TestPersistRoundtrip(t *testing.T) {
	dir := t.TempDir()
	persister, err := NewFilePersister(dir)
	if err != nil {
		t.Fatal(err)
	}

	st := NewStore("main", persister)
	if _, err := st.Register("123@g.us", "family", "Family"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSession("family", "tok-9"); err != nil {
		t.Fatal(err)
	}

	reloaded := NewStore("main", persister)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	tenant, ok := reloaded.ByFolder("family")
	if !ok || tenant.JID != "123@g.us" {
		t.Error("tenant lost across reload")
	}
	token, ok := reloaded.Session("family")
	if !ok || token != "tok-9" {
		t.Errorf("session lost across reload, got %q", token)
	}
}

func TestUpdateSettings(t *testing.T) {
	st := NewStore("main", nil)
	if _, err := st.Register("123@g.us", "family", "Family"); err != nil {
		t.Fatal(err)
	}

	err := st.UpdateSettings("family", Settings{
		Name:            "Family Chat",
		RequireTrigger:  true,
		EnableFastPath:  true,
		Persona:         "cheerful",
		SystemPrompt:    "be brief",
		EnableWebSearch: true,
		Sandbox:         &SandboxOverride{MemoryMB: 4096},
	})
	if err != nil {
		t.Fatal(err)
	}

	tenant, _ := st.ByFolder("family")
	if !tenant.RequireTrigger || !tenant.EnableFastPath || !tenant.EnableWebSearch {
		t.Error("boolean settings not applied")
	}
	if tenant.Persona != "cheerful" || tenant.SystemPrompt != "be brief" {
		t.Error("prompt settings not applied")
	}
	if tenant.Sandbox == nil || tenant.Sandbox.MemoryMB != 4096 {
		t.Error("sandbox override not applied")
	}
	if tenant.Folder != "family" {
		t.Error("folder must be immutable")
	}

	if err := st.UpdateSettings("ghost", Settings{}); !errors.Is(err, kerrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUpdateSettingsClearsPrompts(t *testing.T) {
	st := NewStore("main", nil)
	if _, err := st.Register("123@g.us", "family", "Family"); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateSettings("family", Settings{
		Name:         "Family",
		Persona:      "cheerful",
		SystemPrompt: "be brief",
	}); err != nil {
		t.Fatal(err)
	}

	// Settings is a full replacement: empty prompt fields reset the tenant
	// back to having none.
	if err := st.UpdateSettings("family", Settings{Name: "Family"}); err != nil {
		t.Fatal(err)
	}

	tenant, _ := st.ByFolder("family")
	if tenant.Persona != "" || tenant.SystemPrompt != "" {
		t.Errorf("prompt fields not cleared: persona=%q system=%q", tenant.Persona, tenant.SystemPrompt)
	}
}

func TestTouchActivity(t *testing.T) {
	st := NewStore("main", nil)
	if _, err := st.Register("123@g.us", "family", ""); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	st.TouchActivity("family", at)

	tenant, _ := st.ByFolder("family")
	if !tenant.LastActivity.Equal(at) {
		t.Errorf("expected %v, got %v", at, tenant.LastActivity)
	}
}
