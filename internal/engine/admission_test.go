package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/privacytap/dpquery/internal/broker"
	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/dpbackend"
	"github.com/privacytap/dpquery/internal/dummy"
	"github.com/privacytap/dpquery/internal/engine"
	"github.com/privacytap/dpquery/internal/timingshaper"
)

// ---- fakes ----

type fakeAdmin struct {
	mu       sync.Mutex
	users    map[string]domain.User
	budgets  map[string]domain.BudgetEntry
	archives []domain.Archive
	credits  int

	debitErr error
}

func key(userID, dataset string) string { return userID + "/" + dataset }

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		users:   make(map[string]domain.User),
		budgets: make(map[string]domain.BudgetEntry),
	}
}

func (a *fakeAdmin) GetUser(_ context.Context, userID string) (domain.User, error) {
	u, ok := a.users[userID]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (a *fakeAdmin) UpsertUser(_ context.Context, u domain.User) error {
	a.users[u.UserID] = u
	return nil
}

func (a *fakeAdmin) GetBudget(_ context.Context, userID, datasetName string) (domain.BudgetEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.budgets[key(userID, datasetName)]
	if !ok {
		return domain.BudgetEntry{}, domain.ErrBudgetExceeded
	}
	return b, nil
}

func (a *fakeAdmin) ListBudgets(_ context.Context, userID string) ([]domain.BudgetEntry, error) {
	var out []domain.BudgetEntry
	for _, b := range a.budgets {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (a *fakeAdmin) SetBudget(_ context.Context, entry domain.BudgetEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budgets[key(entry.UserID, entry.DatasetName)] = entry
	return nil
}

func (a *fakeAdmin) DebitBudget(_ context.Context, userID, datasetName string, epsilon, delta float64, expectedVersion int64) (domain.BudgetEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.debitErr != nil {
		return domain.BudgetEntry{}, a.debitErr
	}
	b := a.budgets[key(userID, datasetName)]
	if b.Version != expectedVersion {
		return domain.BudgetEntry{}, domain.ErrCASConflict
	}
	b.SpentEpsilon += epsilon
	b.SpentDelta += delta
	b.Version++
	a.budgets[key(userID, datasetName)] = b
	return b, nil
}

func (a *fakeAdmin) CreditBudget(_ context.Context, userID, datasetName string, epsilon, delta float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credits++
	b := a.budgets[key(userID, datasetName)]
	b.SpentEpsilon -= epsilon
	b.SpentDelta -= delta
	a.budgets[key(userID, datasetName)] = b
	return nil
}

func (a *fakeAdmin) AppendArchive(_ context.Context, ar domain.Archive) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archives = append(a.archives, ar)
	return nil
}

func (a *fakeAdmin) ListArchives(_ context.Context, userID, datasetName string) ([]domain.Archive, error) {
	var out []domain.Archive
	for _, ar := range a.archives {
		if ar.UserID == userID && (datasetName == "" || ar.DatasetName == datasetName) {
			out = append(out, ar)
		}
	}
	return out, nil
}

func (a *fakeAdmin) Ping(_ context.Context) error { return nil }

type fakeCatalog struct {
	datasets map[string]domain.Dataset
}

func (c *fakeCatalog) GetDataset(_ context.Context, name string) (domain.Dataset, error) {
	d, ok := c.datasets[name]
	if !ok {
		return domain.Dataset{}, domain.ErrDatasetNotFound
	}
	return d, nil
}
func (c *fakeCatalog) ListDatasets(_ context.Context) ([]domain.Dataset, error) {
	var out []domain.Dataset
	for _, d := range c.datasets {
		out = append(out, d)
	}
	return out, nil
}
func (c *fakeCatalog) CreateDataset(_ context.Context, d domain.Dataset) error {
	c.datasets[d.Name] = d
	return nil
}
func (c *fakeCatalog) DropDataset(_ context.Context, name string) error {
	delete(c.datasets, name)
	return nil
}
func (c *fakeCatalog) BulkLoad(_ context.Context, _ []byte) (int, error) { return 0, nil }
func (c *fakeCatalog) Invalidate(_ context.Context) error                { return nil }

// fakeBroker replies with a fixed status for every enqueued envelope.
type fakeBroker struct {
	mu          sync.Mutex
	enqueued    []broker.Envelope
	replyStatus domain.Status
	replyResult []byte
	enqueueErr  error
	awaitErr    error
}

func (b *fakeBroker) Enqueue(_ context.Context, env broker.Envelope) error {
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.mu.Lock()
	b.enqueued = append(b.enqueued, env)
	b.mu.Unlock()
	return nil
}
func (b *fakeBroker) Depth(_ context.Context, _ domain.LibraryTag) (int64, error) { return 0, nil }
func (b *fakeBroker) Claim(_ context.Context, _ domain.LibraryTag, _ string, _ time.Duration) (*broker.Delivery, error) {
	return nil, nil
}
func (b *fakeBroker) Ack(_ context.Context, _ domain.LibraryTag, _ broker.Delivery) error { return nil }
func (b *fakeBroker) ReclaimStale(_ context.Context, _ domain.LibraryTag, _ time.Duration) (int, error) {
	return 0, nil
}
func (b *fakeBroker) PublishReply(_ context.Context, _ broker.Reply) error { return nil }
func (b *fakeBroker) AwaitReply(_ context.Context, jobID string) (broker.Reply, error) {
	if b.awaitErr != nil {
		return broker.Reply{}, b.awaitErr
	}
	return broker.Reply{JobID: jobID, Status: b.replyStatus, Result: b.replyResult}, nil
}
func (b *fakeBroker) Ping(_ context.Context) error { return nil }

// fakeQuerier answers with a fixed estimate. The admission path only ever
// calls Validate/EstimateCost on it directly; Execute is invoked either by
// the worker pool (real queries) or by ExecuteDummyQuery (dummy queries).
type fakeQuerier struct {
	epsilon, delta float64
	validateErr    error
}

func (q fakeQuerier) Validate(_ domain.QueryPayload) error { return q.validateErr }
func (q fakeQuerier) EstimateCost(_ domain.QueryPayload) (float64, float64, error) {
	return q.epsilon, q.delta, nil
}
func (q fakeQuerier) Execute(_ context.Context, _ connector.Connector, _ domain.QueryPayload) ([]byte, error) {
	return []byte(`{}`), nil
}

// ---- test setup ----

const (
	testUser    = "alice"
	testDataset = "clinic_visits"
)

func newTestEngine(t *testing.T, admin *fakeAdmin, cat *fakeCatalog, b *fakeBroker, q dpbackend.Querier) *engine.Engine {
	t.Helper()
	registry := dpbackend.NewRegistry()
	registry.Register(domain.LibrarySQL, q)

	return engine.New(engine.Deps{
		Admin:         admin,
		Catalog:       cat,
		Registry:      registry,
		Broker:        b,
		DG:            dummy.New(),
		Shaper:        timingshaper.New(timingshaper.MethodNone, 0),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		SubmitLimit:   10,
		CASMaxRetries: 3,
		ReplyTimeout:  time.Second,
	})
}

func baseFixtures() (*fakeAdmin, *fakeCatalog) {
	admin := newFakeAdmin()
	admin.users[testUser] = domain.User{UserID: testUser, MayQuery: true}
	admin.budgets[key(testUser, testDataset)] = domain.BudgetEntry{
		UserID: testUser, DatasetName: testDataset,
		InitialEpsilon: 1.0, InitialDelta: 0,
	}
	cat := &fakeCatalog{datasets: map[string]domain.Dataset{
		testDataset: {Name: testDataset, ConnectorKind: domain.ConnectorInMemory},
	}}
	return admin, cat
}

func payload() domain.QueryPayload {
	return domain.QueryPayload{Tag: domain.LibrarySQL, Statement: "COUNT:*"}
}

// ---- ExecuteQuery ----

func TestExecuteQuery_OK_DebitsBudgetAndArchives(t *testing.T) {
	admin, cat := baseFixtures()
	b := &fakeBroker{replyStatus: domain.StatusOK, replyResult: []byte(`{"value":42}`)}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	result, err := e.ExecuteQuery(context.Background(), testUser, testDataset, payload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"value":42}` {
		t.Errorf("result = %s", result)
	}

	budget := admin.budgets[key(testUser, testDataset)]
	if budget.SpentEpsilon != 0.1 {
		t.Errorf("spent epsilon = %v, want 0.1", budget.SpentEpsilon)
	}
	if len(admin.archives) != 1 || admin.archives[0].Status != domain.StatusOK {
		t.Errorf("expected one OK archive entry, got %+v", admin.archives)
	}
	if admin.credits != 0 {
		t.Errorf("expected no compensation on success, got %d credits", admin.credits)
	}
}

func TestExecuteQuery_LibFail_CompensatesDebit(t *testing.T) {
	admin, cat := baseFixtures()
	b := &fakeBroker{replyStatus: domain.StatusLibFail}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	_, err := e.ExecuteQuery(context.Background(), testUser, testDataset, payload())
	if !errors.Is(err, domain.ErrExternalLib) {
		t.Fatalf("want ErrExternalLib, got %v", err)
	}

	budget := admin.budgets[key(testUser, testDataset)]
	if budget.SpentEpsilon != 0 {
		t.Errorf("spent epsilon = %v, want 0 after compensation", budget.SpentEpsilon)
	}
	if admin.credits != 1 {
		t.Errorf("expected exactly one compensation credit, got %d", admin.credits)
	}
}

func TestExecuteQuery_AwaitTimeout_DoesNotCompensate(t *testing.T) {
	admin, cat := baseFixtures()
	b := &fakeBroker{awaitErr: context.DeadlineExceeded}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	_, err := e.ExecuteQuery(context.Background(), testUser, testDataset, payload())
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("want ErrInternal, got %v", err)
	}

	budget := admin.budgets[key(testUser, testDataset)]
	if budget.SpentEpsilon != 0.1 {
		t.Errorf("spent epsilon = %v, want 0.1 (debit stands on timeout)", budget.SpentEpsilon)
	}
	if admin.credits != 0 {
		t.Errorf("expected no compensation on timeout, got %d credits", admin.credits)
	}
}

func TestExecuteQuery_BudgetExceeded_NeverEnqueues(t *testing.T) {
	admin, cat := baseFixtures()
	admin.budgets[key(testUser, testDataset)] = domain.BudgetEntry{
		UserID: testUser, DatasetName: testDataset,
		InitialEpsilon: 0.05,
	}
	b := &fakeBroker{replyStatus: domain.StatusOK}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	_, err := e.ExecuteQuery(context.Background(), testUser, testDataset, payload())
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("want ErrInvalidQuery, got %v", err)
	}
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
	if len(b.enqueued) != 0 {
		t.Errorf("expected no enqueue when budget insufficient, got %d", len(b.enqueued))
	}
}

func TestExecuteQuery_MayNotQuery_Rejected(t *testing.T) {
	admin, cat := baseFixtures()
	admin.users[testUser] = domain.User{UserID: testUser, MayQuery: false}
	b := &fakeBroker{replyStatus: domain.StatusOK}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	_, err := e.ExecuteQuery(context.Background(), testUser, testDataset, payload())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestExecuteQuery_UnknownDataset_InvalidQuery(t *testing.T) {
	admin, cat := baseFixtures()
	b := &fakeBroker{replyStatus: domain.StatusOK}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	_, err := e.ExecuteQuery(context.Background(), testUser, "does-not-exist", payload())
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("want ErrInvalidQuery, got %v", err)
	}
}

func TestExecuteQuery_EnqueueFailure_CompensatesImmediately(t *testing.T) {
	admin, cat := baseFixtures()
	b := &fakeBroker{enqueueErr: errors.New("broker unavailable")}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	_, err := e.ExecuteQuery(context.Background(), testUser, testDataset, payload())
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("want ErrInternal, got %v", err)
	}
	if admin.credits != 1 {
		t.Errorf("expected compensation on enqueue failure, got %d credits", admin.credits)
	}
}

// ---- EstimateCost ----

func TestEstimateCost_DoesNotTouchBudgetOrBroker(t *testing.T) {
	admin, cat := baseFixtures()
	b := &fakeBroker{}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	epsilon, delta, err := e.EstimateCost(context.Background(), testUser, testDataset, payload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if epsilon != 0.1 || delta != 0 {
		t.Errorf("estimate = (%v, %v), want (0.1, 0)", epsilon, delta)
	}

	budget := admin.budgets[key(testUser, testDataset)]
	if budget.SpentEpsilon != 0 {
		t.Errorf("expected budget untouched, spent = %v", budget.SpentEpsilon)
	}
	if len(b.enqueued) != 0 {
		t.Errorf("expected no enqueue from EstimateCost, got %d", len(b.enqueued))
	}
}

func TestEstimateCost_NoGrant_Unauthorized(t *testing.T) {
	admin, cat := baseFixtures()
	delete(admin.budgets, key(testUser, testDataset))
	b := &fakeBroker{}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	_, _, err := e.EstimateCost(context.Background(), testUser, testDataset, payload())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for ungranted dataset, got %v", err)
	}
}

// ---- ExecuteDummyQuery ----

func TestExecuteDummyQuery_DoesNotSpendBudget(t *testing.T) {
	admin, cat := baseFixtures()
	cat.datasets[testDataset] = domain.Dataset{
		Name: testDataset, ConnectorKind: domain.ConnectorInMemory,
		Metadata: domain.Metadata{
			DatasetName: testDataset,
			Columns: []domain.ColumnSpec{
				{Name: "age", Kind: domain.ColumnNumeric, Min: 0, Max: 100},
			},
		},
	}
	b := &fakeBroker{}
	e := newTestEngine(t, admin, cat, b, fakeQuerier{epsilon: 0.1})

	body, err := e.ExecuteDummyQuery(context.Background(), testUser, testDataset, payload(), 5, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body) == 0 {
		t.Fatal("expected non-empty dummy rows")
	}

	budget := admin.budgets[key(testUser, testDataset)]
	if budget.SpentEpsilon != 0 {
		t.Errorf("expected dummy query to spend no epsilon, got %v", budget.SpentEpsilon)
	}
	if len(b.enqueued) != 0 {
		t.Errorf("expected dummy query to never reach the broker, got %d enqueued", len(b.enqueued))
	}
}

func TestExecuteDummyQuery_Deterministic(t *testing.T) {
	admin, cat := baseFixtures()
	cat.datasets[testDataset] = domain.Dataset{
		Name: testDataset, ConnectorKind: domain.ConnectorInMemory,
		Metadata: domain.Metadata{
			DatasetName: testDataset,
			Columns: []domain.ColumnSpec{
				{Name: "age", Kind: domain.ColumnNumeric, Min: 0, Max: 100},
			},
		},
	}
	e := newTestEngine(t, admin, cat, &fakeBroker{}, fakeQuerier{epsilon: 0.1})

	first, err := e.ExecuteDummyQuery(context.Background(), testUser, testDataset, payload(), 5, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := e.ExecuteDummyQuery(context.Background(), testUser, testDataset, payload(), 5, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("dummy generation not deterministic for identical seed:\n%s\n%s", first, second)
	}
}

func TestExecuteDummyQuery_NoGrant_Unauthorized(t *testing.T) {
	admin, cat := baseFixtures()
	delete(admin.budgets, key(testUser, testDataset))
	cat.datasets[testDataset] = domain.Dataset{
		Name: testDataset, ConnectorKind: domain.ConnectorInMemory,
		Metadata: domain.Metadata{
			DatasetName: testDataset,
			Columns: []domain.ColumnSpec{
				{Name: "age", Kind: domain.ColumnNumeric, Min: 0, Max: 100},
			},
		},
	}
	e := newTestEngine(t, admin, cat, &fakeBroker{}, fakeQuerier{epsilon: 0.1})

	_, err := e.ExecuteDummyQuery(context.Background(), testUser, testDataset, payload(), 5, 42)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for ungranted dataset, got %v", err)
	}
}

func TestGetDummyDataset_NoGrant_Unauthorized(t *testing.T) {
	admin, cat := baseFixtures()
	delete(admin.budgets, key(testUser, testDataset))
	cat.datasets[testDataset] = domain.Dataset{
		Name: testDataset, ConnectorKind: domain.ConnectorInMemory,
		Metadata: domain.Metadata{
			DatasetName: testDataset,
			Columns: []domain.ColumnSpec{
				{Name: "age", Kind: domain.ColumnNumeric, Min: 0, Max: 100},
			},
		},
	}
	e := newTestEngine(t, admin, cat, &fakeBroker{}, fakeQuerier{epsilon: 0.1})

	_, err := e.GetDummyDataset(context.Background(), testUser, testDataset, 5, 42)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for ungranted dataset, got %v", err)
	}
}

func TestGetDummyDataset_ReturnsRowsWithoutBackend(t *testing.T) {
	admin, cat := baseFixtures()
	cat.datasets[testDataset] = domain.Dataset{
		Name: testDataset, ConnectorKind: domain.ConnectorInMemory,
		Metadata: domain.Metadata{
			DatasetName: testDataset,
			Columns: []domain.ColumnSpec{
				{Name: "age", Kind: domain.ColumnNumeric, Min: 0, Max: 100},
			},
		},
	}
	e := newTestEngine(t, admin, cat, &fakeBroker{}, fakeQuerier{epsilon: 0.1})

	body, err := e.GetDummyDataset(context.Background(), testUser, testDataset, 5, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body) == 0 {
		t.Fatal("expected non-empty dummy rows")
	}
}
