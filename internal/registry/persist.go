package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

const (
	tenantsFile  = "tenants.json"
	sessionsFile = "sessions.json"
	lockFile     = "registry.lock"
)

// FilePersister stores registry state as JSON files. Writes are atomic and a
// flock guards against a second host process mutating the same state dir.
type FilePersister struct {
	dir  string
	lock *flock.Flock
}

func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FilePersister{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFile)),
	}, nil
}

type tenantsDoc struct {
	Tenants map[string]*Tenant `json:"tenants"`
}

type sessionsDoc struct {
	Sessions map[string]string `json:"sessions"`
}

func (p *FilePersister) LoadState() (map[string]*Tenant, map[string]string, error) {
	if err := p.lock.Lock(); err != nil {
		return nil, nil, fmt.Errorf("acquire registry lock: %w", err)
	}
	defer p.lock.Unlock()

	var td tenantsDoc
	if err := readJSON(filepath.Join(p.dir, tenantsFile), &td); err != nil {
		return nil, nil, err
	}
	var sd sessionsDoc
	if err := readJSON(filepath.Join(p.dir, sessionsFile), &sd); err != nil {
		return nil, nil, err
	}
	return td.Tenants, sd.Sessions, nil
}

func (p *FilePersister) SaveTenants(tenants map[string]*Tenant) error {
	if err := p.lock.Lock(); err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	defer p.lock.Unlock()
	return writeJSON(filepath.Join(p.dir, tenantsFile), tenantsDoc{Tenants: tenants})
}

func (p *FilePersister) SaveSessions(sessions map[string]string) error {
	if err := p.lock.Lock(); err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	defer p.lock.Unlock()
	return writeJSON(filepath.Join(p.dir, sessionsFile), sessionsDoc{Sessions: sessions})
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
