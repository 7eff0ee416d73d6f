package board

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/statusboard/internal/catalog"
	"github.com/splax/statusboard/internal/domain"
	"github.com/splax/statusboard/internal/probe"
	"github.com/splax/statusboard/internal/repository"
	"github.com/splax/statusboard/internal/repository/memory"
)

type stubProber struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	before   func(env domain.Environment)
}

func (p *stubProber) Probe(_ context.Context, env domain.Environment) domain.ProbeResult {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.before != nil {
		p.before(env)
	}
	time.Sleep(p.delay)
	code := 200
	now := time.Now().UTC()
	detail := "CORS OK"
	return domain.ProbeResult{State: domain.StateUp, HTTPStatus: &code, CheckedAt: &now, Detail: &detail}
}

type stubPersister struct {
	saves     atomic.Int32
	saveErr   error
	connected string
}

func (p *stubPersister) RequestSave()                 { p.saves.Add(1) }
func (p *stubPersister) SaveNow(context.Context) error { return p.saveErr }
func (p *stubPersister) Connect(_ context.Context, h repository.FileHandle) error {
	p.connected = h.Name()
	return nil
}
func (p *stubPersister) Disconnect() { p.connected = "" }
func (p *stubPersister) Connected() (string, bool) {
	return p.connected, p.connected != ""
}

type published struct {
	topic string
	event Event
}

type stubPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *stubPublisher) Broadcast(topic string, payload []byte) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.events = append(p.events, published{topic: topic, event: e})
	p.mu.Unlock()
}

func (p *stubPublisher) ofType(kind string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.event.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc       *Service
	store     *catalog.Store
	prober    *stubProber
	persist   *stubPersister
	publisher *stubPublisher
}

func newFixture(opts Options) fixture {
	store := catalog.New(domain.Catalog{})
	f := fixture{
		store:     store,
		prober:    &stubProber{},
		persist:   &stubPersister{},
		publisher: &stubPublisher{},
	}
	f.svc = New(store, f.prober, f.persist, f.publisher, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	return f
}

func TestMutationsSaveAndPublish(t *testing.T) {
	f := newFixture(Options{})
	p := f.svc.AddProject("Billing", &catalog.EnvironmentInput{Name: "Prod", URL: "https://billing.example.com"})
	if _, err := f.svc.RenameProject(p.ID, "Payments"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := f.svc.AddEnvironment(p.ID, catalog.EnvironmentInput{Name: "Staging"}); err != nil {
		t.Fatalf("add environment: %v", err)
	}

	if got := f.persist.saves.Load(); got != 3 {
		t.Fatalf("expected 3 save requests, got %d", got)
	}
	updates := f.publisher.ofType(EventCatalogUpdated)
	if len(updates) != 3 {
		t.Fatalf("expected 3 catalog updates, got %d", len(updates))
	}
	if updates[0].topic != p.ID || updates[0].event.ProjectID != p.ID {
		t.Fatalf("expected update addressed to project, got %+v", updates[0])
	}
}

func TestMissingEntitiesReturnNotFound(t *testing.T) {
	f := newFixture(Options{})
	if _, err := f.svc.RenameProject("nope", "x"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.CheckEnvironment(context.Background(), "nope"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.CheckProject(context.Background(), "nope"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.persist.saves.Load() != 0 {
		t.Fatal("failed mutations requested a save")
	}
}

func TestCheckAllRecordsEveryResultWithinLimit(t *testing.T) {
	f := newFixture(Options{Concurrency: 2})
	f.prober.delay = 10 * time.Millisecond
	for i := 0; i < 3; i++ {
		p := f.svc.AddProject("P", nil)
		for j := 0; j < 2; j++ {
			f.svc.AddEnvironment(p.ID, catalog.EnvironmentInput{Name: "E", URL: "https://svc.example.com"})
		}
	}
	savesBefore := f.persist.saves.Load()

	if err := f.svc.CheckAll(context.Background()); err != nil {
		t.Fatalf("check all: %v", err)
	}
	for _, p := range f.store.Snapshot().Projects {
		for _, env := range p.Environments {
			if env.LastStatus.State != domain.StateUp {
				t.Fatalf("environment %s not updated: %s", env.ID, env.LastStatus.State)
			}
		}
	}
	if peak := f.prober.peak.Load(); peak > 2 {
		t.Fatalf("concurrency limit exceeded: %d", peak)
	}
	checked := f.publisher.ofType(EventEnvironmentChecked)
	if len(checked) != 6 {
		t.Fatalf("expected 6 check events, got %d", len(checked))
	}
	if checked[0].event.Result == nil || checked[0].event.Result.State != domain.StateUp {
		t.Fatalf("check event missing result: %+v", checked[0].event)
	}
	if got := f.persist.saves.Load() - savesBefore; got != 6 {
		t.Fatalf("expected a save request per result, got %d", got)
	}
}

func TestCheckProjectIsSequentialAndScoped(t *testing.T) {
	f := newFixture(Options{Concurrency: 4})
	f.prober.delay = 5 * time.Millisecond
	target := f.svc.AddProject("Target", nil)
	for i := 0; i < 3; i++ {
		f.svc.AddEnvironment(target.ID, catalog.EnvironmentInput{Name: "E", URL: "https://svc.example.com"})
	}
	other := f.svc.AddProject("Other", &catalog.EnvironmentInput{Name: "E", URL: "https://other.example.com"})

	if err := f.svc.CheckProject(context.Background(), target.ID); err != nil {
		t.Fatalf("check project: %v", err)
	}
	if peak := f.prober.peak.Load(); peak != 1 {
		t.Fatalf("expected sequential probes, peak concurrency %d", peak)
	}
	p, _ := f.store.Project(target.ID)
	for _, env := range p.Environments {
		if env.LastStatus.State != domain.StateUp {
			t.Fatalf("environment %s not checked", env.ID)
		}
	}
	o, _ := f.store.Project(other.ID)
	if o.Environments[0].LastStatus.State != domain.StateUnknown {
		t.Fatalf("other project was probed")
	}
	if got := len(f.publisher.ofType(EventEnvironmentChecked)); got != 3 {
		t.Fatalf("expected 3 check events, got %d", got)
	}
}

func TestCheckDiscardsResultForEditedURL(t *testing.T) {
	f := newFixture(Options{})
	p := f.svc.AddProject("Billing", &catalog.EnvironmentInput{Name: "Prod", URL: "https://old.example.com"})
	envID := p.Environments[0].ID
	newURL := "https://new.example.com"
	f.prober.before = func(domain.Environment) {
		f.svc.UpdateEnvironment(envID, catalog.EnvironmentUpdate{URL: &newURL})
	}

	result, err := f.svc.CheckEnvironment(context.Background(), envID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.State != domain.StateUp {
		t.Fatalf("expected probe result to be returned, got %s", result.State)
	}
	env, _, _ := f.store.Environment(envID)
	if env.LastStatus.State != domain.StateUnknown {
		t.Fatalf("stale result recorded against edited URL: %s", env.LastStatus.State)
	}
	if n := len(f.publisher.ofType(EventEnvironmentChecked)); n != 0 {
		t.Fatalf("stale result published %d times", n)
	}
}

func TestCheckAllStopsOnCancelledContext(t *testing.T) {
	f := newFixture(Options{RatePerSecond: 0.001, Concurrency: 1})
	p := f.svc.AddProject("P", nil)
	f.svc.AddEnvironment(p.ID, catalog.EnvironmentInput{URL: "https://a.example.com"})
	f.svc.AddEnvironment(p.ID, catalog.EnvironmentInput{URL: "https://b.example.com"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.svc.CheckAll(ctx); err == nil {
		t.Fatal("expected rate limiter wait to fail on deadline")
	}
}

type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ string, _ probe.Mode) (*probe.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInterruptedProbeKeepsPreviousStatus(t *testing.T) {
	cases := []struct {
		name  string
		check func(ctx context.Context, svc *Service, envID string) error
	}{
		{
			name:  "check all",
			check: func(ctx context.Context, svc *Service, _ string) error { return svc.CheckAll(ctx) },
		},
		{
			name: "check environment",
			check: func(ctx context.Context, svc *Service, envID string) error {
				_, err := svc.CheckEnvironment(ctx, envID)
				return err
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(Options{})
			p := f.svc.AddProject("Billing", &catalog.EnvironmentInput{Name: "Prod", URL: "https://billing.example.com"})
			envID := p.Environments[0].ID
			if err := f.svc.CheckAll(context.Background()); err != nil {
				t.Fatalf("seed check: %v", err)
			}
			savesBefore := f.persist.saves.Load()
			eventsBefore := len(f.publisher.ofType(EventEnvironmentChecked))

			engine := probe.New(blockingFetcher{}, nil, probe.WithTimeouts(time.Minute, time.Minute))
			svc := New(f.store, engine, f.persist, f.publisher, nil, Options{})
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(50*time.Millisecond, cancel)
			defer cancel()

			_ = tc.check(ctx, svc, envID)

			env, _, _ := f.store.Environment(envID)
			if env.LastStatus.State != domain.StateUp {
				t.Fatalf("cancelled probe overwrote status: %s", env.LastStatus.State)
			}
			if got := f.persist.saves.Load() - savesBefore; got != 0 {
				t.Fatalf("cancelled probe requested %d saves", got)
			}
			if got := len(f.publisher.ofType(EventEnvironmentChecked)) - eventsBefore; got != 0 {
				t.Fatalf("cancelled probe published %d events", got)
			}
		})
	}
}

func TestImportIsAtomic(t *testing.T) {
	f := newFixture(Options{})
	f.svc.AddProject("Keep", nil)
	before, _ := f.svc.Export()
	saves := f.persist.saves.Load()

	if err := f.svc.Import([]byte("[]")); !errors.Is(err, catalog.ErrInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
	after, _ := f.svc.Export()
	if string(before) != string(after) || f.persist.saves.Load() != saves {
		t.Fatal("failed import changed state")
	}

	if err := f.svc.Import([]byte(`{"projects":[{"name":"Imported"}]}`)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := f.svc.Catalog().Projects; len(got) != 1 || got[0].Name != "Imported" {
		t.Fatalf("unexpected catalog after import: %+v", got)
	}
}

func TestWarningsAndHealth(t *testing.T) {
	f := newFixture(Options{Fallback: memory.New()})
	f.svc.PersistenceWarning(errors.New("disk full"))
	warnings := f.publisher.ofType(EventPersistenceWarning)
	if len(warnings) != 1 || warnings[0].event.Message != "disk full" {
		t.Fatalf("unexpected warnings %+v", warnings)
	}

	f.persist.connected = "resources.json"
	h, ok := f.svc.Health(context.Background())
	if !ok || h.Fallback != "ok" || h.Connected != "resources.json" {
		t.Fatalf("unexpected health %+v ok=%v", h, ok)
	}
}
