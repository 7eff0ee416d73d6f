// Package catalog owns the live project/environment tree shared by the probe
// engine, the persistence coordinator and the API.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/splax/statusboard/internal/domain"
)

var (
	// ErrNotFound indicates an unknown project or environment id.
	ErrNotFound = errors.New("catalog: not found")
	// ErrInvalidDocument indicates an import payload that could not be decoded.
	ErrInvalidDocument = errors.New("catalog: invalid document")
)

// EnvironmentInput carries user-supplied environment fields.
type EnvironmentInput struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// EnvironmentUpdate carries optional environment edits. Nil fields are left untouched.
type EnvironmentUpdate struct {
	Name *string `json:"name,omitempty"`
	URL  *string `json:"url,omitempty"`
}

// Target identifies an environment to probe together with the URL seen at
// selection time.
type Target struct {
	ProjectID   string
	Environment domain.Environment
}

// Store guards the Catalog. All reads return copies; callers never hold
// references into the live tree.
type Store struct {
	mu      sync.RWMutex
	catalog domain.Catalog
}

// New wraps initial in a Store.
func New(initial domain.Catalog) *Store {
	return &Store{catalog: initial.Clone()}
}

// Snapshot returns a deep copy of the current catalog.
func (s *Store) Snapshot() domain.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog.Clone()
}

// Marshal serializes the catalog as it is at the time of the call.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.MarshalDocument(s.catalog)
}

// Replace swaps in a new catalog.
func (s *Store) Replace(c domain.Catalog) {
	c = c.Clone()
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
}

// Import decodes data and replaces the catalog. On failure the catalog is left untouched.
func (s *Store) Import(data []byte) error {
	c, err := domain.DecodeDocument(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	s.Replace(c)
	return nil
}

// Project returns a copy of the project with the given id.
func (s *Store) Project(projectID string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.projectIndex(projectID)
	if idx < 0 {
		return domain.Project{}, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	return s.catalog.Projects[idx].Clone(), nil
}

// Environment returns a copy of the environment and the id of its project.
func (s *Store) Environment(envID string) (domain.Environment, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pi, ei := s.environmentIndex(envID)
	if pi < 0 {
		return domain.Environment{}, "", fmt.Errorf("%w: environment %s", ErrNotFound, envID)
	}
	p := s.catalog.Projects[pi]
	return p.Environments[ei].Clone(), p.ID, nil
}

// AddProject appends a project. A first environment is created when first
// carries a name or URL.
func (s *Store) AddProject(name string, first *EnvironmentInput) domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := domain.Project{
		ID:           s.unusedID(domain.ProjectIDPrefix),
		Name:         orDefault(name, domain.DefaultProjectName),
		Environments: []domain.Environment{},
	}
	if first != nil && (strings.TrimSpace(first.Name) != "" || strings.TrimSpace(first.URL) != "") {
		p.Environments = append(p.Environments, s.newEnvironment(*first))
	}
	s.catalog.Projects = append(s.catalog.Projects, p)
	return p.Clone()
}

// RenameProject updates a project's display name.
func (s *Store) RenameProject(projectID, name string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.projectIndex(projectID)
	if idx < 0 {
		return domain.Project{}, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	s.catalog.Projects[idx].Name = orDefault(name, domain.DefaultProjectName)
	return s.catalog.Projects[idx].Clone(), nil
}

// DeleteProject removes a project and all of its environments.
func (s *Store) DeleteProject(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.projectIndex(projectID)
	if idx < 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	s.catalog.Projects = append(s.catalog.Projects[:idx:idx], s.catalog.Projects[idx+1:]...)
	return nil
}

// AddEnvironment appends an environment to a project.
func (s *Store) AddEnvironment(projectID string, input EnvironmentInput) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.projectIndex(projectID)
	if idx < 0 {
		return domain.Environment{}, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	env := s.newEnvironment(input)
	s.catalog.Projects[idx].Environments = append(s.catalog.Projects[idx].Environments, env)
	return env.Clone(), nil
}

// UpdateEnvironment applies name and URL edits. Any URL edit discards prior
// probe evidence.
func (s *Store) UpdateEnvironment(envID string, update EnvironmentUpdate) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ei := s.environmentIndex(envID)
	if pi < 0 {
		return domain.Environment{}, fmt.Errorf("%w: environment %s", ErrNotFound, envID)
	}
	env := &s.catalog.Projects[pi].Environments[ei]
	if update.Name != nil {
		env.Name = orDefault(*update.Name, domain.DefaultEnvironmentName)
	}
	if update.URL != nil {
		env.URL = domain.SanitizeURL(*update.URL)
		env.LastStatus = domain.UnknownResult()
	}
	return env.Clone(), nil
}

// RenameEnvironment updates an environment's display name.
func (s *Store) RenameEnvironment(envID, name string) (domain.Environment, error) {
	return s.UpdateEnvironment(envID, EnvironmentUpdate{Name: &name})
}

// SetEnvironmentURL replaces an environment's URL and resets its status.
func (s *Store) SetEnvironmentURL(envID, url string) (domain.Environment, error) {
	return s.UpdateEnvironment(envID, EnvironmentUpdate{URL: &url})
}

// DeleteEnvironment removes an environment from its project.
func (s *Store) DeleteEnvironment(envID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ei := s.environmentIndex(envID)
	if pi < 0 {
		return "", fmt.Errorf("%w: environment %s", ErrNotFound, envID)
	}
	p := &s.catalog.Projects[pi]
	p.Environments = append(p.Environments[:ei:ei], p.Environments[ei+1:]...)
	return p.ID, nil
}

// Targets lists environments to probe, for one project or, when projectID is
// empty, for the whole catalog.
func (s *Store) Targets(projectID string) ([]Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var targets []Target
	for _, p := range s.catalog.Projects {
		if projectID != "" && p.ID != projectID {
			continue
		}
		for _, e := range p.Environments {
			targets = append(targets, Target{ProjectID: p.ID, Environment: e.Clone()})
		}
		if projectID != "" {
			return targets, nil
		}
	}
	if projectID != "" {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	return targets, nil
}

// ApplyProbeResult records result for envID. The result is dropped, and false
// returned, when the environment was deleted or its URL changed since probedURL
// was read.
func (s *Store) ApplyProbeResult(envID, probedURL string, result domain.ProbeResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ei := s.environmentIndex(envID)
	if pi < 0 {
		return false
	}
	env := &s.catalog.Projects[pi].Environments[ei]
	if env.URL != probedURL {
		return false
	}
	env.LastStatus = result.Clone()
	return true
}

func (s *Store) projectIndex(projectID string) int {
	for i, p := range s.catalog.Projects {
		if p.ID == projectID {
			return i
		}
	}
	return -1
}

func (s *Store) environmentIndex(envID string) (int, int) {
	for pi, p := range s.catalog.Projects {
		for ei, e := range p.Environments {
			if e.ID == envID {
				return pi, ei
			}
		}
	}
	return -1, -1
}

func (s *Store) newEnvironment(input EnvironmentInput) domain.Environment {
	return domain.Environment{
		ID:         s.unusedID(domain.EnvironmentIDPrefix),
		Name:       orDefault(input.Name, domain.DefaultEnvironmentName),
		URL:        domain.SanitizeURL(input.URL),
		LastStatus: domain.UnknownResult(),
	}
}

// unusedID must be called with s.mu held.
func (s *Store) unusedID(prefix string) string {
	for {
		id := domain.NewID(prefix)
		if s.projectIndex(id) < 0 {
			if pi, _ := s.environmentIndex(id); pi < 0 {
				return id
			}
		}
	}
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
