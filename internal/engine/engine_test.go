package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/shopagent/internal/action"
	"github.com/seantiz/shopagent/internal/browser"
	"github.com/seantiz/shopagent/internal/engine"
	"github.com/seantiz/shopagent/internal/evidence"
	"github.com/seantiz/shopagent/internal/model"
	"github.com/seantiz/shopagent/internal/store"
)

// pageDriver answers every selector. Text returns title.
type pageDriver struct {
	mu     sync.Mutex
	title  string
	filled []string
	clicks int
	quits  int
}

func (d *pageDriver) Navigate(context.Context, string) error { return nil }

func (d *pageDriver) Click(context.Context, browser.Selector) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks++
	return nil
}

func (d *pageDriver) Fill(_ context.Context, sel browser.Selector, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filled = append(d.filled, sel.Value)
	return nil
}

func (d *pageDriver) Submit(context.Context, browser.Selector) error                { return nil }
func (d *pageDriver) Text(context.Context, browser.Selector) (string, error)        { return d.title, nil }
func (d *pageDriver) Exists(context.Context, browser.Selector) (bool, error)        { return false, nil }
func (d *pageDriver) Rows(context.Context, browser.RowQuery) ([]browser.Row, error) { return nil, nil }
func (d *pageDriver) Screenshot(context.Context) ([]byte, error)                    { return []byte("png"), nil }

func (d *pageDriver) Quit(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quits++
	return nil
}

func (d *pageDriver) quitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quits
}

type fakeProvider struct {
	mu      sync.Mutex
	err     error
	drivers []*pageDriver
}

func (p *fakeProvider) Open(context.Context, string) (browser.Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	d := &pageDriver{title: "Old title"}
	p.drivers = append(p.drivers, d)
	return d, nil
}

func (p *fakeProvider) driver(t *testing.T) *pageDriver {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.drivers) != 1 {
		t.Fatalf("opened %d drivers, want 1", len(p.drivers))
	}
	return p.drivers[0]
}

// countingSessions wraps a Manager and counts acquires and releases.
type countingSessions struct {
	*browser.Manager
	mu       sync.Mutex
	acquires int
	releases int
}

func (c *countingSessions) Acquire(ctx context.Context, shopID string) (*browser.Session, error) {
	s, err := c.Manager.Acquire(ctx, shopID)
	if err == nil {
		c.mu.Lock()
		c.acquires++
		c.mu.Unlock()
	}
	return s, err
}

func (c *countingSessions) Release(s *browser.Session) {
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
	c.Manager.Release(s)
}

func (c *countingSessions) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquires, c.releases
}

type harness struct {
	eng      *engine.Engine
	store    store.Store
	provider *fakeProvider
	sessions *countingSessions
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg engine.Config, handlers ...action.Handler) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return newHarnessWithStore(t, s, cfg, handlers...)
}

func newHarnessWithStore(t *testing.T, s store.Store, cfg engine.Config, handlers ...action.Handler) *harness {
	t.Helper()
	ev, err := evidence.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}

	logger := discardLogger()
	provider := &fakeProvider{}
	sessions := &countingSessions{Manager: browser.NewManager(provider, logger)}
	t.Cleanup(sessions.Close)

	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-test"
	}
	reg := action.NewRegistry(handlers...)
	return &harness{
		eng:      engine.NewEngine(s, reg, sessions, ev, cfg, logger),
		store:    s,
		provider: provider,
		sessions: sessions,
	}
}

func (h *harness) enqueue(t *testing.T, act string, payload map[string]any, dryRun bool) *model.Task {
	t.Helper()
	task := &model.Task{ShopID: "shop-1", Action: act, Payload: payload, DryRun: dryRun}
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (h *harness) processOne(t *testing.T) {
	t.Helper()
	ok, err := h.eng.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !ok {
		t.Fatal("ProcessNext found no task")
	}
}

func (h *harness) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func (h *harness) runs(t *testing.T, taskID string) []*model.Run {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), taskID)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	return runs
}

func (h *harness) artifactTypes(t *testing.T, runID string) []string {
	t.Helper()
	arts, err := h.store.ListArtifacts(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	types := make([]string, len(arts))
	for i, a := range arts {
		types[i] = a.Type
	}
	return types
}

type noParams struct{}

func handlerFunc(name string, timeout time.Duration, fn func(ctx context.Context, env action.Env) (map[string]any, error)) action.Handler {
	return action.Define(name, timeout, func(ctx context.Context, env action.Env, _ noParams) (map[string]any, error) {
		return fn(ctx, env)
	})
}

func TestProcessNextEmptyQueue(t *testing.T) {
	h := newHarness(t, engine.Config{})
	ok, err := h.eng.ProcessNext(context.Background())
	if ok || err != nil {
		t.Errorf("ProcessNext = %v, %v; want false, nil", ok, err)
	}
}

func TestRunIdlesOnEmptyQueueUntilCancelled(t *testing.T) {
	h := newHarness(t, engine.Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	stats, err := h.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 || stats.TotalRuns != 0 {
		t.Errorf("stats = %+v, want empty ledger", stats)
	}
	if acq, _ := h.sessions.counts(); acq != 0 {
		t.Errorf("acquires = %d, want 0", acq)
	}
}

func TestSuccessfulAttempt(t *testing.T) {
	h := newHarness(t, engine.Config{}, handlerFunc("ping", 0, func(context.Context, action.Env) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	}))
	task := h.enqueue(t, "ping", nil, false)

	h.processOne(t)

	got := h.task(t, task.ID)
	if got.Status != model.StatusSuccess || got.Error != "" || got.RetryCount != 0 {
		t.Errorf("task = %+v", got)
	}
	runs := h.runs(t, task.ID)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	r := runs[0]
	if !r.Closed() || r.Error != "" || r.Result["pong"] != true || r.WorkerID != "worker-test" {
		t.Errorf("run = %+v", r)
	}
	if types := h.artifactTypes(t, r.ID); len(types) != 2 || types[0] != model.ArtifactBefore || types[1] != model.ArtifactAfter {
		t.Errorf("artifacts = %v, want [before after]", types)
	}
	if acq, rel := h.sessions.counts(); acq != 1 || rel != 1 {
		t.Errorf("acquires, releases = %d, %d; want 1, 1", acq, rel)
	}
	if h.sessions.Len() != 1 {
		t.Error("session not kept warm after success")
	}
}

func TestUnknownActionFailsWithoutRun(t *testing.T) {
	h := newHarness(t, engine.Config{})
	task := h.enqueue(t, "delete_shop", nil, false)

	h.processOne(t)

	got := h.task(t, task.ID)
	if got.Status != model.StatusFailed || !strings.HasPrefix(got.Error, "UnknownAction: ") {
		t.Errorf("task = %+v", got)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if runs := h.runs(t, task.ID); len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
	if acq, _ := h.sessions.counts(); acq != 0 {
		t.Errorf("acquires = %d, want 0", acq)
	}
}

func TestInvalidPayloadFailsWithoutRun(t *testing.T) {
	h := newHarness(t, engine.Config{}, action.UpdateTitle())
	task := h.enqueue(t, "update_title", map[string]any{"new_title": "x"}, false)

	h.processOne(t)

	got := h.task(t, task.ID)
	if got.Status != model.StatusFailed || !strings.HasPrefix(got.Error, "InvalidPayload: ") {
		t.Errorf("task = %+v", got)
	}
	if !strings.Contains(got.Error, "product_id") {
		t.Errorf("error %q does not name the missing field", got.Error)
	}
	if runs := h.runs(t, task.ID); len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
	if acq, _ := h.sessions.counts(); acq != 0 {
		t.Errorf("acquires = %d, want 0", acq)
	}
}

// corruptPayloadStore hands out claims as the store does for a row whose
// payload is not a JSON object.
type corruptPayloadStore struct {
	store.Store
}

func (s corruptPayloadStore) ClaimNext(ctx context.Context) (*model.Task, error) {
	task, err := s.Store.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}
	task.Payload = nil
	task.PayloadError = "payload is not a JSON object: json: cannot unmarshal array into Go value of type map[string]interface {}"
	return task, nil
}

func TestNonObjectPayloadFailsWithoutRun(t *testing.T) {
	base, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { base.Close() })
	h := newHarnessWithStore(t, corruptPayloadStore{Store: base}, engine.Config{}, action.FetchAdsSummary())
	task := h.enqueue(t, "fetch_ads_summary", nil, false)

	h.processOne(t)

	got := h.task(t, task.ID)
	if got.Status != model.StatusFailed || !strings.HasPrefix(got.Error, "InvalidPayload: ") {
		t.Errorf("task = %+v", got)
	}
	if runs := h.runs(t, task.ID); len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
	if acq, _ := h.sessions.counts(); acq != 0 {
		t.Errorf("acquires = %d, want 0", acq)
	}
}

func TestProcessNextClaimsNothingAfterCancel(t *testing.T) {
	h := newHarness(t, engine.Config{}, handlerFunc("ping", 0, func(context.Context, action.Env) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	task := h.enqueue(t, "ping", nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := h.eng.ProcessNext(ctx)
	if ok || err != nil {
		t.Errorf("ProcessNext = %v, %v; want false, nil", ok, err)
	}
	if got := h.task(t, task.ID); got.Status != model.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
}

func TestSessionAcquisitionFailure(t *testing.T) {
	h := newHarness(t, engine.Config{}, handlerFunc("ping", 0, func(context.Context, action.Env) (map[string]any, error) {
		return nil, nil
	}))
	h.provider.err = errors.New("browser unreachable")
	task := h.enqueue(t, "ping", nil, false)

	h.processOne(t)

	got := h.task(t, task.ID)
	if got.Status != model.StatusFailed || !strings.HasPrefix(got.Error, "SessionAcquisitionError: ") {
		t.Errorf("task = %+v", got)
	}
	if runs := h.runs(t, task.ID); len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
	if _, rel := h.sessions.counts(); rel != 0 {
		t.Errorf("releases = %d, want 0", rel)
	}
}

// lateHandler ignores its deadline and tries to record evidence after it.
type lateHandler struct {
	delay    time.Duration
	captured chan error
}

func (lateHandler) Name() string           { return "slow" }
func (lateHandler) Timeout() time.Duration { return 20 * time.Millisecond }

func (lateHandler) Decode(map[string]any) (any, error) { return struct{}{}, nil }

func (h lateHandler) Execute(ctx context.Context, env action.Env, _ any) (map[string]any, error) {
	if err := env.Evidence.Capture(ctx, model.ArtifactBefore); err != nil {
		h.captured <- err
		return nil, err
	}
	time.Sleep(h.delay)
	h.captured <- env.Evidence.Capture(context.Background(), model.ArtifactAfter)
	return map[string]any{"late": true}, nil
}

func TestHandlerTimeout(t *testing.T) {
	late := lateHandler{delay: 200 * time.Millisecond, captured: make(chan error, 1)}
	h := newHarness(t, engine.Config{}, late)
	task := h.enqueue(t, "slow", nil, false)

	start := time.Now()
	h.processOne(t)
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("ProcessNext waited %v for an overrunning handler", elapsed)
	}

	got := h.task(t, task.ID)
	if got.Status != model.StatusFailed || !strings.HasPrefix(got.Error, "HandlerTimeout: ") {
		t.Errorf("task = %+v", got)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	runs := h.runs(t, task.ID)
	if len(runs) != 1 || !runs[0].Closed() || !strings.HasPrefix(runs[0].Error, "HandlerTimeout: ") || runs[0].Result != nil {
		t.Fatalf("runs = %+v", runs)
	}
	if acq, rel := h.sessions.counts(); acq != 1 || rel != 1 {
		t.Errorf("acquires, releases = %d, %d; want 1, 1", acq, rel)
	}
	if d := h.provider.driver(t); d.quitCount() != 1 {
		t.Errorf("driver quits = %d, want 1 (timed out session discarded)", d.quitCount())
	}

	select {
	case err := <-late.captured:
		if err == nil {
			t.Error("late capture succeeded after the run was closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late handler did not finish")
	}
	if types := h.artifactTypes(t, runs[0].ID); len(types) != 1 || types[0] != model.ArtifactBefore {
		t.Errorf("artifacts = %v, want only before", types)
	}
}

func TestHandlerPanic(t *testing.T) {
	h := newHarness(t, engine.Config{}, handlerFunc("boom", 0, func(context.Context, action.Env) (map[string]any, error) {
		panic("selector table corrupted")
	}))
	task := h.enqueue(t, "boom", nil, false)

	h.processOne(t)

	got := h.task(t, task.ID)
	if got.Status != model.StatusFailed || !strings.HasPrefix(got.Error, "HandlerExecutionError: ") {
		t.Errorf("task = %+v", got)
	}
	if !strings.Contains(got.Error, "selector table corrupted") {
		t.Errorf("error %q does not carry the panic value", got.Error)
	}
	runs := h.runs(t, task.ID)
	if len(runs) != 1 || !runs[0].Closed() {
		t.Fatalf("runs = %+v", runs)
	}
	if _, rel := h.sessions.counts(); rel != 1 {
		t.Errorf("releases = %d, want 1", rel)
	}
	if d := h.provider.driver(t); d.quitCount() != 1 {
		t.Errorf("driver quits = %d, want 1", d.quitCount())
	}
}

func TestHandlerErrorKeepsSessionWarm(t *testing.T) {
	h := newHarness(t, engine.Config{}, action.FetchProductSnapshot())
	task := h.enqueue(t, "fetch_product_snapshot", map[string]any{"limit": 5}, false)

	h.processOne(t)

	got := h.task(t, task.ID)
	if got.Status != model.StatusFailed || !strings.HasPrefix(got.Error, "HandlerExecutionError: NO_PRODUCTS") {
		t.Errorf("task = %+v", got)
	}
	runs := h.runs(t, task.ID)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if types := h.artifactTypes(t, runs[0].ID); len(types) != 2 || types[1] != model.ArtifactError {
		t.Errorf("artifacts = %v, want [before error]", types)
	}
	if d := h.provider.driver(t); d.quitCount() != 0 {
		t.Errorf("driver quits = %d, want 0", d.quitCount())
	}
}

func TestDryRunUpdateTitle(t *testing.T) {
	h := newHarness(t, engine.Config{}, action.UpdateTitle())
	task := h.enqueue(t, "update_title", map[string]any{"product_id": "p-1", "new_title": "New title"}, true)

	h.processOne(t)

	got := h.task(t, task.ID)
	if got.Status != model.StatusSuccess {
		t.Fatalf("task = %+v", got)
	}
	runs := h.runs(t, task.ID)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	res := runs[0].Result
	if res["dry_run"] != true || res["before_title"] != "Old title" || res["after_title"] != "Old title" {
		t.Errorf("result = %v", res)
	}

	d := h.provider.driver(t)
	titleInput, _ := action.NewCatalog().For(action.DefaultSite).Selector("product_edit.title_input")
	for _, v := range d.filled {
		if v == titleInput.Value {
			t.Error("dry run filled the title field")
		}
	}
	if len(d.filled) != 1 {
		t.Errorf("filled = %v, want only the search box", d.filled)
	}

	if types := h.artifactTypes(t, runs[0].ID); len(types) != 2 || types[0] != model.ArtifactBefore || types[1] != model.ArtifactAfter {
		t.Errorf("artifacts = %v, want [before after]", types)
	}
}

func TestProductSnapshotLimitThroughEngine(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ev, err := evidence.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}

	var page browser.StubPage
	for i := range 15 {
		page.Rows = append(page.Rows, browser.Row{
			Fields: map[string]string{"name": fmt.Sprintf("Produk %d", i), "sku": fmt.Sprintf("SKU-%d", i)},
			Attrs:  map[string]string{"data-product-id": fmt.Sprint(1000 + i)},
		})
	}
	sessions := browser.NewManager(browser.NewStubProvider(page), discardLogger())
	t.Cleanup(sessions.Close)
	eng := engine.NewEngine(s, action.NewRegistry(action.DefaultHandlers()...), sessions, ev,
		engine.Config{WorkerID: "worker-test"}, discardLogger())

	task := &model.Task{ShopID: "shop-1", Action: "fetch_product_snapshot", Payload: map[string]any{"limit": 10}}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if ok, err := eng.ProcessNext(context.Background()); !ok || err != nil {
		t.Fatalf("ProcessNext = %v, %v", ok, err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusSuccess {
		t.Fatalf("status = %s (%s), want success", got.Status, got.Error)
	}
	runs, err := s.ListRuns(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].EndAt == nil || runs[0].Error != "" {
		t.Fatalf("runs = %+v, want one closed successful run", runs)
	}
	products, _ := runs[0].Result["products"].([]any)
	if len(products) == 0 || len(products) > 10 {
		t.Errorf("products = %d, want 1..10", len(products))
	}
	if count, _ := runs[0].Result["count"].(float64); int(count) != len(products) {
		t.Errorf("count = %v, want %d", runs[0].Result["count"], len(products))
	}
}

func TestClaimOrderFollowsPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	h := newHarness(t, engine.Config{}, action.Define("note", 0, func(_ context.Context, _ action.Env, p struct {
		Label string `json:"label"`
	}) (map[string]any, error) {
		mu.Lock()
		order = append(order, p.Label)
		mu.Unlock()
		return nil, nil
	}))

	for _, tt := range []struct {
		label    string
		priority int
	}{{"low", 0}, {"high", 10}, {"mid", 5}} {
		task := &model.Task{ShopID: "shop-1", Action: "note", Payload: map[string]any{"label": tt.label}, Priority: tt.priority}
		if err := h.store.CreateTask(context.Background(), task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	for range 3 {
		h.processOne(t)
	}
	if strings.Join(order, ",") != "high,mid,low" {
		t.Errorf("order = %v, want high,mid,low", order)
	}
}

func TestLocatorsFollowShopSite(t *testing.T) {
	sites := make(chan string, 1)
	h := newHarness(t, engine.Config{Sites: map[string]string{"shop-1": "my"}},
		handlerFunc("site", 0, func(_ context.Context, env action.Env) (map[string]any, error) {
			sites <- env.Locators.Site()
			return nil, nil
		}))
	h.enqueue(t, "site", nil, false)

	h.processOne(t)

	if got := <-sites; got != "my" {
		t.Errorf("site = %q, want my", got)
	}
}

// failingStore fails selected ledger writes.
type failingStore struct {
	store.Store
	failFinalize bool
}

func (s *failingStore) FinalizeTask(ctx context.Context, taskID, status, errMsg string) error {
	if s.failFinalize {
		return errors.New("connection reset")
	}
	return s.Store.FinalizeTask(ctx, taskID, status, errMsg)
}

func TestStoreFailureAfterClaimLeavesTaskRunning(t *testing.T) {
	base, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { base.Close() })
	fs := &failingStore{Store: base, failFinalize: true}

	h := newHarnessWithStore(t, fs, engine.Config{}, handlerFunc("ping", 0, func(context.Context, action.Env) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	task := h.enqueue(t, "ping", nil, false)

	ok, err := h.eng.ProcessNext(context.Background())
	if !ok {
		t.Fatal("ProcessNext found no task")
	}
	if !engine.IsKind(err, engine.KindStoreError) {
		t.Fatalf("err = %v, want StoreError", err)
	}

	if got := h.task(t, task.ID); got.Status != model.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if _, rel := h.sessions.counts(); rel != 1 {
		t.Errorf("releases = %d, want 1", rel)
	}

	// Not re-claimed.
	ok, err = h.eng.ProcessNext(context.Background())
	if ok || err != nil {
		t.Errorf("second ProcessNext = %v, %v; want false, nil", ok, err)
	}
}

type claimFailStore struct {
	store.Store
}

func (claimFailStore) ClaimNext(context.Context) (*model.Task, error) {
	return nil, errors.New("database is locked")
}

func TestClaimFailureAbandonsCycle(t *testing.T) {
	base, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { base.Close() })
	h := newHarnessWithStore(t, claimFailStore{Store: base}, engine.Config{})

	ok, err := h.eng.ProcessNext(context.Background())
	if ok || !engine.IsKind(err, engine.KindStoreError) {
		t.Errorf("ProcessNext = %v, %v; want false, StoreError", ok, err)
	}
}

func TestEventsFollowAttempt(t *testing.T) {
	h := newHarness(t, engine.Config{}, handlerFunc("ping", 0, func(context.Context, action.Env) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	task := h.enqueue(t, "ping", nil, false)

	events, unsub := h.eng.Broker().Subscribe(task.ID)
	defer unsub()

	h.processOne(t)

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
		if ev.TaskID != task.ID {
			t.Errorf("event for task %s", ev.TaskID)
		}
	}
	want := []string{engine.EventClaimed, engine.EventRunStarted, engine.EventArtifact, engine.EventArtifact, engine.EventFinished}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", types, want)
	}
}

// notifyingStore signals a queued task on demand.
type notifyingStore struct {
	store.Store
	ch chan struct{}
}

func (s *notifyingStore) Notify() <-chan struct{} { return s.ch }

func TestRunWakesOnNotification(t *testing.T) {
	base, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { base.Close() })
	ns := &notifyingStore{Store: base, ch: make(chan struct{}, 1)}

	h := newHarnessWithStore(t, ns, engine.Config{PollInterval: time.Hour}, handlerFunc("ping", 0, func(context.Context, action.Env) (map[string]any, error) {
		return map[string]any{}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Let Run reach its idle wait before enqueueing.
	time.Sleep(50 * time.Millisecond)
	task := h.enqueue(t, "ping", nil, false)
	ns.ch <- struct{}{}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.task(t, task.ID).Status == model.StatusSuccess {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task not processed after notification")
}
