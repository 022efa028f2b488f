// Package tempfiles tracks the files a capture run creates so they can be
// removed when the run ends, whichever way it ends.
//
// Each run gets its own Scope. Stages ask the scope for paths, and the
// orchestrator defers Scope.Release. Registry.Close releases any scope still
// open at shutdown.
package tempfiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrReleased is returned when a path is requested from a released scope.
	ErrReleased = errors.New("tempfiles: scope already released")

	// ErrClosed is returned by NewScope after the registry is closed.
	ErrClosed = errors.New("tempfiles: registry closed")
)

// Registry owns every live scope.
type Registry struct {
	dir    string
	retain bool
	log    logrus.FieldLogger

	mu     sync.Mutex
	scopes map[string]*Scope
	closed bool
}

// NewRegistry creates dir if needed. With retain set, released scopes keep
// their files on disk.
func NewRegistry(dir string, retain bool, log logrus.FieldLogger) (*Registry, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Registry{
		dir:    dir,
		retain: retain,
		log:    log,
		scopes: make(map[string]*Scope),
	}, nil
}

// Dir is the directory new files are placed in.
func (r *Registry) Dir() string { return r.dir }

// NewScope opens a scope for one run. An empty runID gets a generated one.
func (r *Registry) NewScope(runID string) (*Scope, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, dup := r.scopes[runID]; dup {
		return nil, fmt.Errorf("tempfiles: scope %q already open", runID)
	}
	s := &Scope{reg: r, id: runID}
	r.scopes[runID] = s
	return s, nil
}

// Active reports how many scopes have not been released.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scopes)
}

// Close releases every open scope and refuses new ones.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	open := make([]*Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		open = append(open, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := s.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.scopes, id)
	r.mu.Unlock()
}

// Scope is the set of files belonging to one run.
type Scope struct {
	reg *Registry
	id  string

	mu       sync.Mutex
	paths    []string
	released bool
}

// ID is the run identifier the scope was opened with.
func (s *Scope) ID() string { return s.id }

// Path reserves a unique file path ending in suffix. The file is not created;
// it is removed on Release if something did create it.
func (s *Scope) Path(suffix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", ErrReleased
	}
	name := fmt.Sprintf("screenshot_%s_%d%s", s.id, len(s.paths), suffix)
	p := filepath.Join(s.reg.dir, name)
	s.paths = append(s.paths, p)
	return p, nil
}

// Paths lists the reserved paths in creation order.
func (s *Scope) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Retained reports whether Release leaves files on disk.
func (s *Scope) Retained() bool { return s.reg.retain }

// Release removes the scope's files, unless the registry retains artifacts,
// and detaches the scope from the registry. It is safe to call more than once.
func (s *Scope) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	paths := s.paths
	s.mu.Unlock()

	defer s.reg.forget(s.id)

	if s.reg.retain {
		existing := make([]string, 0, len(paths))
		for _, p := range paths {
			if _, err := os.Stat(p); err == nil {
				existing = append(existing, p)
			}
		}
		sort.Strings(existing)
		if len(existing) > 0 && s.reg.log != nil {
			s.reg.log.WithFields(logrus.Fields{"run_id": s.id, "paths": existing}).Debug("retaining artifacts")
		}
		return nil
	}

	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		if s.reg.log != nil {
			s.reg.log.WithError(err).WithField("run_id", s.id).Warn("failed to remove temp files")
		}
		return err
	}
	return nil
}
