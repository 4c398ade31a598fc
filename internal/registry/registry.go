// Package registry holds registered tenant records and the per-tenant
// continuation-token map. It is the single owner of this shared mutable
// state; every read and write goes through its synchronized accessors.
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	kerrors "github.com/harunnryd/kagura/internal/errors"
)

// folderPattern restricts tenant folder ids to a filesystem-safe charset.
var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// SandboxOverride is an optional per-tenant sandbox configuration.
type SandboxOverride struct {
	Image    string `json:"image,omitempty"`
	MemoryMB int64  `json:"memory_mb,omitempty"`
	Command  string `json:"command,omitempty"`
}

// Tenant is a registered chat group with its own folder, settings, and
// isolation boundary. Folder is immutable after registration.
type Tenant struct {
	JID             string           `json:"jid"`
	Folder          string           `json:"folder"`
	Name            string           `json:"name"`
	RequireTrigger  bool             `json:"require_trigger"`
	EnableWebSearch bool             `json:"enable_web_search"`
	EnableFastPath  bool             `json:"enable_fast_path"`
	Persona         string           `json:"persona,omitempty"`
	SystemPrompt    string           `json:"system_prompt,omitempty"`
	Sandbox         *SandboxOverride `json:"sandbox,omitempty"`
	LastActivity    time.Time        `json:"last_activity,omitempty"`
}

// Settings carries the mutable tenant fields for updates. It is a full
// replacement: callers pass the complete desired state, and empty Persona or
// SystemPrompt clears the field. A nil Sandbox keeps the current override.
type Settings struct {
	Name            string
	RequireTrigger  bool
	EnableWebSearch bool
	EnableFastPath  bool
	Persona         string
	SystemPrompt    string
	Sandbox         *SandboxOverride
}

// Store holds tenants keyed by chat JID plus the session map keyed by tenant
// folder. Exactly one session token exists per folder at any time.
type Store struct {
	mainFolder string

	mu       sync.RWMutex
	tenants  map[string]*Tenant // jid -> tenant
	byFolder map[string]string  // folder -> jid
	sessions map[string]string  // folder -> continuation token

	persist Persister
}

// Persister saves and loads the registry's durable state.
type Persister interface {
	LoadState() (tenants map[string]*Tenant, sessions map[string]string, err error)
	SaveTenants(tenants map[string]*Tenant) error
	SaveSessions(sessions map[string]string) error
}

func NewStore(mainFolder string, persist Persister) *Store {
	return &Store{
		mainFolder: mainFolder,
		tenants:    make(map[string]*Tenant),
		byFolder:   make(map[string]string),
		sessions:   make(map[string]string),
		persist:    persist,
	}
}

// MainFolder returns the reserved main tenant folder id.
func (s *Store) MainFolder() string {
	return s.mainFolder
}

// IsMain reports whether folder is the privileged main tenant.
func (s *Store) IsMain(folder string) bool {
	return folder == s.mainFolder
}

// Load hydrates the store from its persister.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	tenants, sessions, err := s.persist.LoadState()
	if err != nil {
		return fmt.Errorf("load registry state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tenants != nil {
		s.tenants = tenants
		s.byFolder = make(map[string]string, len(tenants))
		for jid, t := range tenants {
			s.byFolder[t.Folder] = jid
		}
	}
	if sessions != nil {
		s.sessions = sessions
	}
	return nil
}

// Save flushes tenants and sessions through the persister.
func (s *Store) Save() error {
	if s.persist == nil {
		return nil
	}
	s.mu.RLock()
	tenants := make(map[string]*Tenant, len(s.tenants))
	for jid, t := range s.tenants {
		cp := *t
		tenants[jid] = &cp
	}
	sessions := make(map[string]string, len(s.sessions))
	for k, v := range s.sessions {
		sessions[k] = v
	}
	s.mu.RUnlock()

	if err := s.persist.SaveTenants(tenants); err != nil {
		return fmt.Errorf("save tenants: %w", err)
	}
	if err := s.persist.SaveSessions(sessions); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

// Register adds a tenant. Folder ids are charset-restricted and unique; the
// record is never deleted in normal operation.
func (s *Store) Register(jid, folder, name string) (*Tenant, error) {
	if !folderPattern.MatchString(folder) {
		return nil, kerrors.Validation(fmt.Sprintf("invalid tenant folder %q", folder))
	}
	if jid == "" {
		return nil, kerrors.Validation("tenant jid is empty")
	}

	s.mu.Lock()
	if _, exists := s.byFolder[folder]; exists {
		s.mu.Unlock()
		return nil, kerrors.Validation(fmt.Sprintf("tenant folder %q already registered", folder))
	}
	if _, exists := s.tenants[jid]; exists {
		s.mu.Unlock()
		return nil, kerrors.Validation(fmt.Sprintf("tenant jid %q already registered", jid))
	}

	t := &Tenant{
		JID:          jid,
		Folder:       folder,
		Name:         name,
		LastActivity: time.Now(),
	}
	s.tenants[jid] = t
	s.byFolder[folder] = jid
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// ByFolder returns the tenant owning folder.
func (s *Store) ByFolder(folder string) (*Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jid, ok := s.byFolder[folder]
	if !ok {
		return nil, false
	}
	cp := *s.tenants[jid]
	return &cp, true
}

// ByJID returns the tenant registered under the chat identifier.
func (s *Store) ByJID(jid string) (*Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[jid]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// All returns all tenants sorted by folder for stable iteration.
func (s *Store) All() []*Tenant {
	s.mu.RLock()
	tenants := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		tenants = append(tenants, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Folder < tenants[j].Folder })
	return tenants
}

// UpdateSettings mutates a tenant's settings. The folder is immutable.
func (s *Store) UpdateSettings(folder string, settings Settings) error {
	s.mu.Lock()
	jid, ok := s.byFolder[folder]
	if !ok {
		s.mu.Unlock()
		return kerrors.NotFound(fmt.Sprintf("tenant %q", folder))
	}
	t := s.tenants[jid]
	if settings.Name != "" {
		t.Name = settings.Name
	}
	t.RequireTrigger = settings.RequireTrigger
	t.EnableWebSearch = settings.EnableWebSearch
	t.EnableFastPath = settings.EnableFastPath
	t.Persona = settings.Persona
	t.SystemPrompt = settings.SystemPrompt
	if settings.Sandbox != nil {
		t.Sandbox = settings.Sandbox
	}
	s.mu.Unlock()

	return s.Save()
}

// TouchActivity records the last chat activity for a tenant.
func (s *Store) TouchActivity(folder string, at time.Time) {
	s.mu.Lock()
	if jid, ok := s.byFolder[folder]; ok {
		s.tenants[jid].LastActivity = at
	}
	s.mu.Unlock()
}

// Session returns the continuation token for a tenant folder, if any.
func (s *Store) Session(folder string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.sessions[folder]
	return token, ok
}

// SetSession stores the continuation token for a tenant folder, replacing any
// previous one.
func (s *Store) SetSession(folder, token string) error {
	s.mu.Lock()
	if token == "" {
		delete(s.sessions, folder)
	} else {
		s.sessions[folder] = token
	}
	sessions := make(map[string]string, len(s.sessions))
	for k, v := range s.sessions {
		sessions[k] = v
	}
	s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	return s.persist.SaveSessions(sessions)
}

// ClearSession drops the continuation token for a tenant folder.
func (s *Store) ClearSession(folder string) error {
	return s.SetSession(folder, "")
}
