// Package board is the single owner of the live catalog. It routes edits and
// probe results through the store, schedules saves and publishes events.
package board

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/splax/statusboard/internal/catalog"
	"github.com/splax/statusboard/internal/domain"
	"github.com/splax/statusboard/internal/repository"
	"github.com/splax/statusboard/internal/ws"
)

// Event types published to subscribers.
const (
	EventCatalogUpdated     = "catalog.updated"
	EventEnvironmentChecked = "environment.checked"
	EventPersistenceWarning = "persistence.warning"
)

const (
	defaultConcurrency = 16
	healthTimeout      = 2 * time.Second
)

// Event is the payload sent to stream subscribers.
type Event struct {
	Type          string              `json:"type"`
	ProjectID     string              `json:"projectId,omitempty"`
	EnvironmentID string              `json:"environmentId,omitempty"`
	Result        *domain.ProbeResult `json:"result,omitempty"`
	Message       string              `json:"message,omitempty"`
	At            time.Time           `json:"at"`
}

// Prober resolves the state of one environment.
type Prober interface {
	Probe(ctx context.Context, env domain.Environment) domain.ProbeResult
}

// Persister is the durable side of the catalog.
type Persister interface {
	RequestSave()
	SaveNow(ctx context.Context) error
	Connect(ctx context.Context, handle repository.FileHandle) error
	Disconnect()
	Connected() (string, bool)
}

// Publisher fans payloads out by topic.
type Publisher interface {
	Broadcast(topic string, payload []byte)
}

// Options tunes probing fan-out.
type Options struct {
	Concurrency   int
	RatePerSecond float64
	Fallback      repository.FallbackStore
}

// Service orchestrates catalog edits, checks and persistence.
type Service struct {
	store       *catalog.Store
	prober      Prober
	persist     Persister
	publisher   Publisher
	fallback    repository.FallbackStore
	limiter     *rate.Limiter
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs a Service.
func New(store *catalog.Store, prober Prober, persist Persister, publisher Publisher, logger *slog.Logger, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		prober:      prober,
		persist:     persist,
		publisher:   publisher,
		fallback:    opts.Fallback,
		limiter:     rate.NewLimiter(limit, opts.Concurrency),
		concurrency: opts.Concurrency,
		logger:      logger.With("component", "board"),
		now:         time.Now,
	}
}

// Catalog returns a copy of the current catalog.
func (s *Service) Catalog() domain.Catalog {
	return s.store.Snapshot()
}

// Project returns a copy of one project.
func (s *Service) Project(projectID string) (domain.Project, error) {
	return s.store.Project(projectID)
}

// Export serializes the catalog in the persisted document format.
func (s *Service) Export() ([]byte, error) {
	return s.store.Marshal()
}

// Import replaces the catalog with data. Nothing changes when data cannot be decoded.
func (s *Service) Import(data []byte) error {
	if err := s.store.Import(data); err != nil {
		return err
	}
	s.logger.Info("catalog imported", "bytes", len(data))
	s.changed("")
	return nil
}

// AddProject creates a project, optionally with a first environment.
func (s *Service) AddProject(name string, first *catalog.EnvironmentInput) domain.Project {
	p := s.store.AddProject(name, first)
	s.logger.Info("project added", "project_id", p.ID)
	s.changed(p.ID)
	return p
}

// RenameProject renames a project.
func (s *Service) RenameProject(projectID, name string) (domain.Project, error) {
	p, err := s.store.RenameProject(projectID, name)
	if err != nil {
		return domain.Project{}, err
	}
	s.changed(projectID)
	return p, nil
}

// DeleteProject removes a project and its environments.
func (s *Service) DeleteProject(projectID string) error {
	if err := s.store.DeleteProject(projectID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", projectID)
	s.changed(projectID)
	return nil
}

// AddEnvironment appends an environment to a project.
func (s *Service) AddEnvironment(projectID string, input catalog.EnvironmentInput) (domain.Environment, error) {
	env, err := s.store.AddEnvironment(projectID, input)
	if err != nil {
		return domain.Environment{}, err
	}
	s.changed(projectID)
	return env, nil
}

// UpdateEnvironment edits name and/or URL. A URL edit resets the status.
func (s *Service) UpdateEnvironment(envID string, update catalog.EnvironmentUpdate) (domain.Environment, error) {
	env, err := s.store.UpdateEnvironment(envID, update)
	if err != nil {
		return domain.Environment{}, err
	}
	_, projectID, _ := s.store.Environment(envID)
	s.changed(projectID)
	return env, nil
}

// DeleteEnvironment removes an environment.
func (s *Service) DeleteEnvironment(envID string) error {
	projectID, err := s.store.DeleteEnvironment(envID)
	if err != nil {
		return err
	}
	s.changed(projectID)
	return nil
}

// CheckEnvironment probes one environment and returns the result, even when
// the result was not recorded because the environment changed while the
// probe was running or ctx ended before it finished.
func (s *Service) CheckEnvironment(ctx context.Context, envID string) (domain.ProbeResult, error) {
	env, projectID, err := s.store.Environment(envID)
	if err != nil {
		return domain.ProbeResult{}, err
	}
	return s.check(ctx, catalog.Target{ProjectID: projectID, Environment: env}), nil
}

// CheckProject probes a project's environments one after another.
func (s *Service) CheckProject(ctx context.Context, projectID string) error {
	targets, err := s.store.Targets(projectID)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		s.check(ctx, target)
	}
	return nil
}

// CheckAll probes every environment in the catalog.
func (s *Service) CheckAll(ctx context.Context) error {
	targets, err := s.store.Targets("")
	if err != nil {
		return err
	}
	return s.checkAll(ctx, targets)
}

func (s *Service) checkAll(ctx context.Context, targets []catalog.Target) error {
	if len(targets) == 0 {
		return nil
	}
	start := s.now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, target := range targets {
		g.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			s.check(ctx, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Debug("checks finished", "environments", len(targets), "duration", s.now().Sub(start))
	return nil
}

func (s *Service) check(ctx context.Context, target catalog.Target) domain.ProbeResult {
	env := target.Environment
	result := s.prober.Probe(ctx, env)
	if err := ctx.Err(); err != nil {
		// The caller gave up; a failed attempt says nothing about the endpoint.
		s.logger.Debug("discarded interrupted probe result", "environment_id", env.ID, "error", err)
		return result
	}
	if !s.store.ApplyProbeResult(env.ID, env.URL, result) {
		s.logger.Debug("discarded stale probe result", "environment_id", env.ID)
		return result
	}
	s.persist.RequestSave()
	r := result
	s.publish(target.ProjectID, Event{
		Type:          EventEnvironmentChecked,
		ProjectID:     target.ProjectID,
		EnvironmentID: env.ID,
		Result:        &r,
	})
	return result
}

// Save writes through to the connected handle immediately.
func (s *Service) Save(ctx context.Context) error {
	return s.persist.SaveNow(ctx)
}

// Connect adopts handle as the write-through target.
func (s *Service) Connect(ctx context.Context, handle repository.FileHandle) error {
	if err := s.persist.Connect(ctx, handle); err != nil {
		return err
	}
	s.publish(ws.AllTopics, Event{Type: EventCatalogUpdated, Message: "connected " + handle.Name()})
	return nil
}

// Disconnect drops the connected handle.
func (s *Service) Disconnect() {
	s.persist.Disconnect()
}

// Connection reports the connected handle name.
func (s *Service) Connection() (string, bool) {
	return s.persist.Connected()
}

// PersistenceWarning publishes a background save failure.
func (s *Service) PersistenceWarning(err error) {
	s.publish(ws.AllTopics, Event{Type: EventPersistenceWarning, Message: err.Error()})
}

// CatalogReloaded publishes that an external edit replaced the catalog.
func (s *Service) CatalogReloaded(source string) {
	s.publish(ws.AllTopics, Event{Type: EventCatalogUpdated, Message: "reloaded from " + source})
}

// Health summarises the storage backends.
type Health struct {
	Fallback  string `json:"fallback"`
	Connected string `json:"connected,omitempty"`
	Projects  int    `json:"projects"`
}

// Health pings the fallback store and reports the connected handle.
func (s *Service) Health(ctx context.Context) (Health, bool) {
	h := Health{Fallback: "disabled", Projects: len(s.store.Snapshot().Projects)}
	ok := true
	if s.fallback != nil {
		ctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := s.fallback.Ping(ctx); err != nil {
			h.Fallback = "error: " + err.Error()
			ok = false
		} else {
			h.Fallback = "ok"
		}
	}
	if name, connected := s.persist.Connected(); connected {
		h.Connected = name
	}
	return h, ok
}

// changed schedules a save and tells subscribers the catalog changed. An
// empty projectID addresses every subscriber.
func (s *Service) changed(projectID string) {
	s.persist.RequestSave()
	s.publish(projectID, Event{Type: EventCatalogUpdated, ProjectID: projectID})
}

func (s *Service) publish(topic string, event Event) {
	if s.publisher == nil {
		return
	}
	event.At = s.now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("encode event", "type", event.Type, "error", err)
		return
	}
	s.publisher.Broadcast(topic, payload)
}
