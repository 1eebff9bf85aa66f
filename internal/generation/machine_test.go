package generation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studio/internal/domain"
	"studio/internal/events"
	"studio/internal/infra"
	"studio/internal/jobs"
	"studio/internal/remote"
	"studio/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StatusEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []events.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.StatusEvent(nil), p.events...)
}

type settled struct {
	key     string
	applied bool
}

type recordingSink struct {
	mu  sync.Mutex
	got []settled
}

func (r *recordingSink) Settle(_ context.Context, _ string, a domain.Artifact, applied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, settled{key: a.StorageKey, applied: applied})
}

func (r *recordingSink) all() []settled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]settled(nil), r.got...)
}

// gatedRepo holds the first BeginAttempt until gate is closed.
type gatedRepo struct {
	*store.Memory
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedRepo) BeginAttempt(ctx context.Context, id string) (int64, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.gate
	}
	return g.Memory.BeginAttempt(ctx, id)
}

type fixture struct {
	repo      *store.Memory
	registry  *jobs.Registry
	publisher *recordingPublisher
	machine   *Machine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{repo: store.NewMemory(), registry: jobs.NewRegistry(), publisher: &recordingPublisher{}}
	opts.Repo = f.repo
	opts.Registry = f.registry
	opts.Publisher = f.publisher
	f.machine = NewMachine(opts)
	return f
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	e := &domain.Entity{Prompt: "a lighthouse at dusk"}
	if err := f.repo.Create(context.Background(), e); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return e.ID
}

func (f *fixture) get(t *testing.T, id string) *domain.Entity {
	t.Helper()
	e, err := f.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	return e
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("attempt did not conclude")
	}
}

// blockingJob waits for cancellation and reports it the way the remote client does.
func blockingJob(started chan<- struct{}) Job {
	return func(ctx context.Context) (*domain.Artifact, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return nil, errors.Join(remote.ErrCancelled, context.Cause(ctx))
	}
}

func TestGenerateSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.create(t)

	err := f.machine.Generate(context.Background(), id, func(ctx context.Context) (*domain.Artifact, error) {
		if !f.machine.Running(id) {
			t.Errorf("attempt should be registered while running")
		}
		if got := f.get(t, id).Status; got != domain.StatusGenerating {
			t.Errorf("status during job = %s, want generating", got)
		}
		return &domain.Artifact{URI: "data:image/png;base64,AAAA", MIME: "image/png", Size: 3}, nil
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	e := f.get(t, id)
	if e.Status != domain.StatusSucceeded || !e.HasArtifact() || e.LastError != "" {
		t.Fatalf("entity = %+v, want succeeded with artifact", e)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("registry size = %d, want 0", f.registry.Len())
	}
	evs := f.publisher.all()
	if len(evs) != 1 || evs[0].Status != domain.StatusSucceeded || evs[0].EntityID != id {
		t.Fatalf("events = %+v", evs)
	}
}

func TestGenerateFailureMessages(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind domain.FailureKind
		wantMsg  string
	}{
		{"remote error", &remote.RemoteError{Message: "Job Failed: quota exceeded"}, domain.FailureError, "Job Failed: quota exceeded"},
		{"auth", &remote.AuthError{Status: 401, Message: "Authentication failed (HTTP 401): bad key"}, domain.FailureAuth, "Authentication failed (HTTP 401): bad key"},
		{"protocol", &remote.ProtocolError{Reason: "no output"}, domain.FailureError, "remote: protocol error: no output"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			id := f.create(t)
			err := f.machine.Generate(context.Background(), id, func(context.Context) (*domain.Artifact, error) {
				return nil, tc.err
			})
			if err != nil {
				t.Fatalf("job failures must not propagate, got %v", err)
			}
			e := f.get(t, id)
			if e.Status != domain.StatusFailed || e.FailureKind != tc.wantKind || e.LastError != tc.wantMsg {
				t.Fatalf("entity = %s/%s/%q, want failed/%s/%q", e.Status, e.FailureKind, e.LastError, tc.wantKind, tc.wantMsg)
			}
			if e.Artifact != nil {
				t.Fatalf("failed entity must not carry an artifact")
			}
		})
	}
}

func TestStopCancelsAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.create(t)
	started := make(chan struct{})

	done, err := f.machine.Start(context.Background(), id, blockingJob(started))
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	<-started
	if !f.machine.Stop(id) {
		t.Fatalf("Stop should report a running attempt")
	}
	waitDone(t, done)

	e := f.get(t, id)
	if e.Status != domain.StatusFailed || e.FailureKind != domain.FailureCancelled || e.LastError != domain.MessageStopped {
		t.Fatalf("entity = %s/%s/%q, want stopped", e.Status, e.FailureKind, e.LastError)
	}
	if f.machine.Stop(id) {
		t.Fatalf("second Stop should be a no-op")
	}
	if f.registry.Len() != 0 {
		t.Fatalf("registry size = %d, want 0", f.registry.Len())
	}
}

func TestTimeoutCancelsAttempt(t *testing.T) {
	f := newFixture(t, Options{Timeout: 30 * time.Millisecond})
	id := f.create(t)

	start := time.Now()
	if err := f.machine.Generate(context.Background(), id, blockingJob(nil)); err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("timeout took %s", took)
	}
	e := f.get(t, id)
	if e.Status != domain.StatusFailed || e.FailureKind != domain.FailureCancelled || e.LastError != domain.MessageTimedOut {
		t.Fatalf("entity = %s/%s/%q, want timed out", e.Status, e.FailureKind, e.LastError)
	}
}

func TestCallerContextDoesNotCancelAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.create(t)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	done, err := f.machine.Start(ctx, id, func(jobCtx context.Context) (*domain.Artifact, error) {
		<-release
		if jobCtx.Err() != nil {
			return nil, jobCtx.Err()
		}
		return &domain.Artifact{URI: "data:,ok"}, nil
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()
	close(release)
	waitDone(t, done)

	if got := f.get(t, id).Status; got != domain.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got)
	}
}

func TestRejectOverlappingAttempt(t *testing.T) {
	f := newFixture(t, Options{Policy: infra.OverlapReject})
	id := f.create(t)

	done, err := f.machine.Start(context.Background(), id, blockingJob(nil))
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, err := f.machine.Start(context.Background(), id, blockingJob(nil)); !errors.Is(err, domain.ErrGenerationInFlight) {
		t.Fatalf("second Start = %v, want ErrGenerationInFlight", err)
	}
	if got := f.get(t, id).Attempt; got != 1 {
		t.Fatalf("attempt = %d, rejected request must not start an attempt", got)
	}
	f.machine.Stop(id)
	waitDone(t, done)
}

func TestSupersedeOverlappingAttempt(t *testing.T) {
	f := newFixture(t, Options{Policy: infra.OverlapSupersede})
	id := f.create(t)

	var firstCause error
	first, err := f.machine.Start(context.Background(), id, func(ctx context.Context) (*domain.Artifact, error) {
		<-ctx.Done()
		firstCause = context.Cause(ctx)
		return nil, errors.Join(remote.ErrCancelled, firstCause)
	})
	if err != nil {
		t.Fatalf("first Start error: %v", err)
	}

	release := make(chan struct{})
	second, err := f.machine.Start(context.Background(), id, func(ctx context.Context) (*domain.Artifact, error) {
		<-release
		return &domain.Artifact{URI: "data:,second"}, nil
	})
	if err != nil {
		t.Fatalf("second Start error: %v", err)
	}
	waitDone(t, first)
	if !errors.Is(firstCause, jobs.ErrSuperseded) {
		t.Fatalf("first attempt cause = %v, want ErrSuperseded", firstCause)
	}
	if !f.machine.Running(id) {
		t.Fatalf("superseded attempt must not release the newer registry entry")
	}
	if got := f.get(t, id).Status; got != domain.StatusGenerating {
		t.Fatalf("status = %s, stale outcome must be discarded", got)
	}

	close(release)
	waitDone(t, second)
	e := f.get(t, id)
	if e.Status != domain.StatusSucceeded || e.Artifact.URI != "data:,second" || e.Attempt != 2 {
		t.Fatalf("entity = %+v, want second attempt's artifact", e)
	}
	if evs := f.publisher.all(); len(evs) != 1 || evs[0].Attempt != 2 {
		t.Fatalf("events = %+v, want only the second attempt", evs)
	}
}

func TestGenerateUnknownEntity(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.machine.Generate(context.Background(), "missing", blockingJob(nil))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("registry size = %d, want 0", f.registry.Len())
	}
}

func TestPanickingJobFails(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.create(t)
	if err := f.machine.Generate(context.Background(), id, func(context.Context) (*domain.Artifact, error) {
		panic("boom")
	}); err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	e := f.get(t, id)
	if e.Status != domain.StatusFailed || !strings.Contains(e.LastError, "boom") {
		t.Fatalf("entity = %s/%q, want failed mentioning the panic", e.Status, e.LastError)
	}
}

func TestEmptyArtifactFails(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.create(t)
	_ = f.machine.Generate(context.Background(), id, func(context.Context) (*domain.Artifact, error) {
		return nil, nil
	})
	if got := f.get(t, id).Status; got != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
}

func TestNewAttemptClearsPreviousError(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.create(t)
	_ = f.machine.Generate(context.Background(), id, func(context.Context) (*domain.Artifact, error) {
		return nil, errors.New("first failure")
	})

	_ = f.machine.Generate(context.Background(), id, func(context.Context) (*domain.Artifact, error) {
		if e := f.get(t, id); e.LastError != "" || e.Status != domain.StatusGenerating {
			t.Errorf("entity during retry = %s/%q, want generating without error", e.Status, e.LastError)
		}
		return &domain.Artifact{URI: "data:,x"}, nil
	})
	if got := f.get(t, id).Status; got != domain.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got)
	}
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, Options{})
	var dones []<-chan struct{}
	for i := 0; i < 3; i++ {
		done, err := f.machine.Start(context.Background(), f.create(t), blockingJob(nil))
		if err != nil {
			t.Fatalf("Start error: %v", err)
		}
		dones = append(dones, done)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.machine.StopAll(ctx); err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
	for _, done := range dones {
		waitDone(t, done)
	}
	list, _ := f.repo.List(context.Background(), domain.EntityFilter{Status: domain.StatusGenerating})
	if len(list) != 0 {
		t.Fatalf("%d entities left generating", len(list))
	}
}

func TestUnauthorizedRemoteRun(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	client, err := remote.NewClient(remoteOptions(srv))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	f := newFixture(t, Options{})
	id := f.create(t)
	err = f.machine.Generate(context.Background(), id, func(ctx context.Context) (*domain.Artifact, error) {
		out, err := client.Run(ctx, remote.Request{Prompt: "a lighthouse", Mode: remote.ModeRender})
		if err != nil {
			return nil, err
		}
		return &domain.Artifact{URI: out.DataURI, MIME: out.MIME, Size: int64(len(out.Data))}, nil
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	e := f.get(t, id)
	if e.Status != domain.StatusFailed || e.FailureKind != domain.FailureAuth {
		t.Fatalf("entity = %s/%s, want failed/auth", e.Status, e.FailureKind)
	}
	if !strings.Contains(strings.ToLower(e.LastError), "authentication") {
		t.Fatalf("message %q should mention authentication", e.LastError)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1 (no polling after 401)", got)
	}
}

func TestRemoteRequestTimeoutIsNotAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := remote.NewClient(remote.Options{APIKey: "k", BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	f := newFixture(t, Options{Timeout: time.Minute})
	id := f.create(t)
	err = f.machine.Generate(context.Background(), id, func(ctx context.Context) (*domain.Artifact, error) {
		out, err := client.Run(ctx, remote.Request{Prompt: "a lighthouse", Mode: remote.ModeRender})
		if err != nil {
			return nil, err
		}
		return &domain.Artifact{URI: out.DataURI, MIME: out.MIME, Size: int64(len(out.Data))}, nil
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	e := f.get(t, id)
	if e.Status != domain.StatusFailed || e.FailureKind != domain.FailureError {
		t.Fatalf("entity = %s/%s, want failed/error", e.Status, e.FailureKind)
	}
	if e.LastError == domain.MessageTimedOut {
		t.Fatalf("request timeout recorded as the attempt timeout")
	}
}

// remoteOptions points a client at srv with a key the server rejects.
func remoteOptions(srv *httptest.Server) remote.Options {
	return remote.Options{APIKey: "bad", BaseURL: srv.URL, PollInterval: time.Millisecond, HTTPClient: srv.Client()}
}

func TestConcurrentStartsKeepAttemptOrder(t *testing.T) {
	for _, policy := range []string{infra.OverlapSupersede, infra.OverlapReject} {
		t.Run(policy, func(t *testing.T) {
			repo := &gatedRepo{Memory: store.NewMemory(), entered: make(chan struct{}), gate: make(chan struct{})}
			m := NewMachine(Options{Repo: repo, Policy: policy})
			e := &domain.Entity{Prompt: "a lighthouse"}
			if err := repo.Create(context.Background(), e); err != nil {
				t.Fatalf("create entity: %v", err)
			}

			type started struct {
				done <-chan struct{}
				err  error
			}
			first := make(chan started, 1)
			go func() {
				done, err := m.Start(context.Background(), e.ID, blockingJob(nil))
				first <- started{done, err}
			}()
			<-repo.entered
			if policy == infra.OverlapReject {
				m.Stop(e.ID)
			}

			second := make(chan started, 1)
			go func() {
				done, err := m.Start(context.Background(), e.ID, func(context.Context) (*domain.Artifact, error) {
					return &domain.Artifact{URI: "data:,newest"}, nil
				})
				second <- started{done, err}
			}()
			// Give the second Start the chance to overtake the first one.
			time.Sleep(20 * time.Millisecond)
			close(repo.gate)

			a, b := <-first, <-second
			if a.err != nil || b.err != nil {
				t.Fatalf("Start errors = %v, %v", a.err, b.err)
			}
			waitDone(t, a.done)
			waitDone(t, b.done)

			got, err := repo.Get(context.Background(), e.ID)
			if err != nil {
				t.Fatalf("get entity: %v", err)
			}
			if got.Status != domain.StatusSucceeded || got.Attempt != 2 || got.Artifact == nil || got.Artifact.URI != "data:,newest" {
				t.Fatalf("entity = %s attempt=%d %q, want the newest attempt to win", got.Status, got.Attempt, got.LastError)
			}
		})
	}
}

func TestStaleArtifactIsHandedBackAsDiscarded(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, Options{Policy: infra.OverlapSupersede, Artifacts: sink})
	id := f.create(t)

	releaseFirst := make(chan struct{})
	first, err := f.machine.Start(context.Background(), id, func(context.Context) (*domain.Artifact, error) {
		<-releaseFirst
		return &domain.Artifact{URI: "data:,first", StorageKey: "artifacts/first.png"}, nil
	})
	if err != nil {
		t.Fatalf("first Start error: %v", err)
	}
	releaseSecond := make(chan struct{})
	second, err := f.machine.Start(context.Background(), id, func(context.Context) (*domain.Artifact, error) {
		<-releaseSecond
		return &domain.Artifact{URI: "data:,second", StorageKey: "artifacts/second.png"}, nil
	})
	if err != nil {
		t.Fatalf("second Start error: %v", err)
	}

	close(releaseFirst)
	waitDone(t, first)
	close(releaseSecond)
	waitDone(t, second)

	want := []settled{{key: "artifacts/first.png", applied: false}, {key: "artifacts/second.png", applied: true}}
	if got := sink.all(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("settled = %+v, want %+v", got, want)
	}
}
