package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/privacytap/dpquery/internal/broker"
	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/metrics"
)

// acquireSlot implements the submit_limit admission gate: a full ticket
// channel means the system is saturated, surfaced as an internal error,
// not as a caller-correctable invalid-query response.
func (e *Engine) acquireSlot() (release func(), err error) {
	select {
	case e.inFlightTickets <- struct{}{}:
		metrics.QueriesInFlight.Inc()
		return func() {
			<-e.inFlightTickets
			metrics.QueriesInFlight.Dec()
		}, nil
	default:
		return nil, fmt.Errorf("%w: %v", domain.ErrInternal, domain.ErrAdmissionSaturated)
	}
}

func (e *Engine) gateCheck(ctx context.Context, userID string) error {
	user, err := e.admin.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if !user.MayQuery {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, domain.ErrMayNotQuery)
	}
	return nil
}

// checkGrant confirms userID holds a budget grant against datasetName —
// an administrator must have provisioned the pair before any cost
// estimate, dummy query, or real query against that dataset proceeds.
// It does not check affordability; that is ExecuteQuery's job alone.
func (e *Engine) checkGrant(ctx context.Context, userID, datasetName string) error {
	if _, err := e.admin.GetBudget(ctx, userID, datasetName); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return nil
}

// EstimateCost runs gate checks and payload normalization — tag validity,
// backend validation, dataset existence — then delegates cost estimation
// to the resolved backend, without touching the budget or the broker.
func (e *Engine) EstimateCost(ctx context.Context, userID, datasetName string, payload domain.QueryPayload) (epsilon, delta float64, err error) {
	if err := e.gateCheck(ctx, userID); err != nil {
		return 0, 0, err
	}
	if !payload.Tag.Valid() {
		return 0, 0, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, domain.ErrUnknownLibraryTag)
	}
	querier, err := e.registry.Lookup(payload.Tag)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	if err := querier.Validate(payload); err != nil {
		return 0, 0, err
	}
	if _, err := e.catalog.GetDataset(ctx, datasetName); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	if err := e.checkGrant(ctx, userID, datasetName); err != nil {
		return 0, 0, err
	}
	epsilon, delta, err = querier.EstimateCost(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	return epsilon, delta, nil
}

// ExecuteQuery runs the full admission protocol: gate checks,
// normalization, cost estimation, budget pre-check, CAS debit with
// bounded retry, enqueue, await with timeout, terminal disposition
// (archive, and compensation only on a confirmed external-library
// failure).
func (e *Engine) ExecuteQuery(ctx context.Context, userID, datasetName string, payload domain.QueryPayload) ([]byte, error) {
	start := time.Now()
	release, err := e.acquireSlot()
	if err != nil {
		metrics.AdmissionLatency.WithLabelValues("execute_query", "saturated").Observe(time.Since(start).Seconds())
		e.shaper.Apply(time.Since(start), ctx.Done())
		return nil, err
	}
	defer release()

	result, status, err := e.admit(ctx, userID, datasetName, payload)
	metrics.AdmissionLatency.WithLabelValues("execute_query", string(status)).Observe(time.Since(start).Seconds())

	e.shaper.Apply(time.Since(start), ctx.Done())
	return result, err
}

func (e *Engine) admit(ctx context.Context, userID, datasetName string, payload domain.QueryPayload) ([]byte, domain.Status, error) {
	if err := e.gateCheck(ctx, userID); err != nil {
		return nil, "", err
	}

	querier, err := e.registry.Lookup(payload.Tag)
	if err != nil || !payload.Tag.Valid() {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidQuery, domain.ErrUnknownLibraryTag)
	}
	if err := querier.Validate(payload); err != nil {
		return nil, "", err
	}
	if _, err := e.catalog.GetDataset(ctx, datasetName); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}

	epsilon, delta, err := querier.EstimateCost(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}

	budget, err := e.admin.GetBudget(ctx, userID, datasetName)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if !budget.CanAfford(epsilon, delta) {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidQuery, domain.ErrBudgetExceeded)
	}

	if _, err := e.debitWithRetry(ctx, userID, datasetName, epsilon, delta, budget.Version); err != nil {
		return nil, "", err
	}

	jobID := uuid.NewString()
	submittedAt := time.Now()
	env := broker.Envelope{
		JobID:       jobID,
		UserID:      userID,
		DatasetName: datasetName,
		Payload:     payload,
		SubmittedAt: submittedAt,
	}

	if depth, derr := e.broker.Depth(ctx, payload.Tag); derr == nil {
		metrics.BrokerBacklogDepth.WithLabelValues(string(payload.Tag)).Set(float64(depth))
	}

	if err := e.broker.Enqueue(ctx, env); err != nil {
		// Enqueue failure means no worker will ever see this job: the debit
		// never had a chance to be spent, so it is compensated immediately.
		e.compensate(context.WithoutCancel(ctx), userID, datasetName, epsilon, delta)
		return nil, "", fmt.Errorf("%w: enqueue: %v", domain.ErrInternal, err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, e.replyTimeout)
	defer cancel()

	reply, err := e.broker.AwaitReply(awaitCtx, jobID)
	completedAt := time.Now()

	if err != nil {
		// Timeout or cancellation: the backend may or may not have run.
		// Per the conservative decision recorded in SPEC_FULL.md, no
		// compensation is issued — the debit stands.
		e.archive(context.WithoutCancel(ctx), domain.Archive{
			JobID: jobID, UserID: userID, DatasetName: datasetName,
			LibraryTag: payload.Tag, PayloadHash: hashPayload(payload),
			MeasuredEpsilon: epsilon, MeasuredDelta: delta,
			Status: domain.StatusInternalFail, SubmittedAt: submittedAt, CompletedAt: completedAt,
		})
		return nil, domain.StatusInternalFail, fmt.Errorf("%w: awaiting reply: %v", domain.ErrInternal, err)
	}

	switch reply.Status {
	case domain.StatusOK:
		e.archive(context.WithoutCancel(ctx), domain.Archive{
			JobID: jobID, UserID: userID, DatasetName: datasetName,
			LibraryTag: payload.Tag, PayloadHash: hashPayload(payload),
			MeasuredEpsilon: epsilon, MeasuredDelta: delta,
			Status: domain.StatusOK, SubmittedAt: submittedAt, CompletedAt: completedAt,
		})
		return reply.Result, domain.StatusOK, nil

	case domain.StatusLibFail:
		// Confirmed backend failure: the debit is reversed, the only case
		// compensation ever fires.
		e.compensate(context.WithoutCancel(ctx), userID, datasetName, epsilon, delta)
		metrics.BudgetCompensationsTotal.Inc()
		e.archive(context.WithoutCancel(ctx), domain.Archive{
			JobID: jobID, UserID: userID, DatasetName: datasetName,
			LibraryTag: payload.Tag, PayloadHash: hashPayload(payload),
			MeasuredEpsilon: 0, MeasuredDelta: 0,
			Status: domain.StatusLibFail, SubmittedAt: submittedAt, CompletedAt: completedAt,
		})
		return nil, domain.StatusLibFail, fmt.Errorf("%w: %s", domain.ErrExternalLib, reply.Detail)

	default:
		e.archive(context.WithoutCancel(ctx), domain.Archive{
			JobID: jobID, UserID: userID, DatasetName: datasetName,
			LibraryTag: payload.Tag, PayloadHash: hashPayload(payload),
			MeasuredEpsilon: epsilon, MeasuredDelta: delta,
			Status: domain.StatusInternalFail, SubmittedAt: submittedAt, CompletedAt: completedAt,
		})
		return nil, domain.StatusInternalFail, fmt.Errorf("%w: %s", domain.ErrInternal, reply.Detail)
	}
}

// debitWithRetry is the admission protocol's bounded CAS loop: each
// attempt re-reads the budget only on a version conflict, never
// re-checking affordability against a higher cost (the cost was already
// fixed before the loop started).
func (e *Engine) debitWithRetry(ctx context.Context, userID, datasetName string, epsilon, delta float64, version int64) (domain.BudgetEntry, error) {
	var lastErr error
	for attempt := 0; attempt < e.casMaxRetries; attempt++ {
		entry, err := e.admin.DebitBudget(ctx, userID, datasetName, epsilon, delta, version)
		if err == nil {
			metrics.BudgetDebitRetries.Observe(float64(attempt))
			metrics.BudgetDebitsTotal.WithLabelValues("ok").Inc()
			return entry, nil
		}
		if !errors.Is(err, domain.ErrCASConflict) {
			metrics.BudgetDebitsTotal.WithLabelValues("error").Inc()
			return domain.BudgetEntry{}, fmt.Errorf("%w: debit: %v", domain.ErrInternal, err)
		}
		lastErr = err
		fresh, rerr := e.admin.GetBudget(ctx, userID, datasetName)
		if rerr != nil {
			metrics.BudgetDebitsTotal.WithLabelValues("error").Inc()
			return domain.BudgetEntry{}, fmt.Errorf("%w: re-read budget: %v", domain.ErrInternal, rerr)
		}
		if !fresh.CanAfford(epsilon, delta) {
			metrics.BudgetDebitsTotal.WithLabelValues("exceeded").Inc()
			return domain.BudgetEntry{}, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, domain.ErrBudgetExceeded)
		}
		version = fresh.Version
	}
	metrics.BudgetDebitsTotal.WithLabelValues("retries_exhausted").Inc()
	return domain.BudgetEntry{}, fmt.Errorf("%w: debit retries exhausted: %v", domain.ErrInternal, lastErr)
}

func (e *Engine) compensate(ctx context.Context, userID, datasetName string, epsilon, delta float64) {
	if err := e.admin.CreditBudget(ctx, userID, datasetName, epsilon, delta); err != nil {
		e.logger.Error("compensation credit failed", "user_id", userID, "dataset", datasetName, "error", err)
	}
}

func (e *Engine) archive(ctx context.Context, a domain.Archive) {
	if err := e.admin.AppendArchive(ctx, a); err != nil {
		e.logger.Error("archive append failed", "job_id", a.JobID, "error", err)
	}
}

func hashPayload(payload domain.QueryPayload) string {
	body, _ := json.Marshal(payload)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
