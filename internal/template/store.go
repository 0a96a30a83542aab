// Package template loads deployed report bundles from a directory tree and
// serves them as compiled templates.
//
// A bundle is a directory containing:
//
//	report.json               definition, query and columns
//	i18n/messages.json        optional root translation bundle
//	i18n/messages_<loc>.json  optional localized bundles (e.g. messages_de_AT.json)
//	subreports/               optional subreport resources
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/params"
	"github.com/user/reportd/internal/types"
)

const (
	manifestName = "report.json"
	i18nDir      = "i18n"
	subreportDir = "subreports"
)

type manifest struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	Title      string                  `json:"title"`
	Query      string                  `json:"query"`
	Args       []string                `json:"args"`
	Columns    []types.Column          `json:"columns"`
	Parameters []types.ReportParameter `json:"parameters"`
}

// Compile reads and validates the bundle in dir without registering it.
func Compile(dir string) (*types.Template, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestName, err)
	}

	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("report id %q: %w", m.ID, err)
	}
	if m.Name == "" {
		return nil, errors.New("report name is required")
	}
	if strings.TrimSpace(m.Query) == "" {
		return nil, errors.New("report query is required")
	}
	if len(m.Columns) == 0 {
		return nil, errors.New("report declares no columns")
	}

	declared := make(map[string]bool, len(m.Parameters))
	for i := range m.Parameters {
		p := &m.Parameters[i]
		if p.Name == "" {
			return nil, fmt.Errorf("parameter %d has no name", i)
		}
		if declared[p.Name] {
			return nil, fmt.Errorf("parameter %q declared twice", p.Name)
		}
		if _, err := params.ParseType(p.Type); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		p.System = params.IsSystemName(p.Name)
		declared[p.Name] = true
	}
	for _, arg := range m.Args {
		if !declared[arg] && !params.IsSystemName(arg) {
			return nil, fmt.Errorf("query argument %q is not a declared parameter", arg)
		}
	}
	sort.SliceStable(m.Parameters, func(i, j int) bool {
		return m.Parameters[i].Index < m.Parameters[j].Index
	})

	title := m.Title
	if title == "" {
		title = m.Name
	}
	tmpl := &types.Template{
		Definition: types.ReportDefinition{ID: id, Name: m.Name, Parameters: m.Parameters},
		Title:      title,
		Query:      m.Query,
		Args:       m.Args,
		Columns:    m.Columns,
		Dir:        dir,
	}
	if fi, err := os.Stat(filepath.Join(dir, subreportDir)); err == nil && fi.IsDir() {
		tmpl.SubreportDir = filepath.Join(dir, subreportDir)
	}
	if _, err := loadBundles(dir); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// Store holds the compiled templates of one deployment directory.
type Store struct {
	root string

	mu    sync.RWMutex
	byID  map[uuid.UUID]*types.Template
	byDir map[string]uuid.UUID
}

// NewStore creates an empty store rooted at dir. Call Rescan to populate it.
func NewStore(dir string) *Store {
	return &Store{
		root:  dir,
		byID:  make(map[uuid.UUID]*types.Template),
		byDir: make(map[string]uuid.UUID),
	}
}

// Root returns the deployment directory.
func (s *Store) Root() string {
	return s.root
}

// Rescan compiles every bundle below the root. Broken bundles are logged and
// skipped. It returns the number of templates registered.
func (s *Store) Rescan() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read deploy dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := s.Add(filepath.Join(s.root, e.Name())); err != nil {
			slog.Warn("skipping report bundle", "dir", e.Name(), "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Add compiles the bundle in dir and registers it, replacing any template
// previously loaded from the same directory or carrying the same id.
func (s *Store) Add(dir string) (*types.Template, error) {
	tmpl, err := Compile(dir)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byDir[dir]; ok {
		delete(s.byID, old)
	}
	if prev, ok := s.byID[tmpl.Definition.ID]; ok && prev.Dir != dir {
		slog.Warn("report id deployed twice", "report_id", tmpl.Definition.ID, "old_dir", prev.Dir, "new_dir", dir)
		delete(s.byDir, prev.Dir)
	}
	s.byID[tmpl.Definition.ID] = tmpl
	s.byDir[dir] = tmpl.Definition.ID
	slog.Info("report deployed", "report_id", tmpl.Definition.ID, "name", tmpl.Definition.Name)
	return tmpl, nil
}

// Remove unregisters the template deployed from dir.
func (s *Store) Remove(dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byDir[dir]
	if !ok {
		return false
	}
	delete(s.byDir, dir)
	delete(s.byID, id)
	slog.Info("report undeployed", "report_id", id, "dir", dir)
	return true
}

// List returns the ids of all deployed reports in a stable order.
func (s *Store) List() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Load returns the template for id or an error wrapping types.ErrNotFound.
func (s *Store) Load(id uuid.UUID) (*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, types.ErrNotFound)
	}
	return tmpl, nil
}

// Definitions returns the definitions of all deployed reports.
func (s *Store) Definitions() []types.ReportDefinition {
	ids := s.List()
	defs := make([]types.ReportDefinition, 0, len(ids))
	for _, id := range ids {
		if tmpl, err := s.Load(id); err == nil {
			defs = append(defs, tmpl.Definition)
		}
	}
	return defs
}
