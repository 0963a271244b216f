package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

// AuditSink receives one summary event per completed request. The
// dispatcher treats it as fire-and-forget: sink failures are logged, never
// propagated.
type AuditSink interface {
	QueryExecuted(ev QueryEvent)
}

// QueryEvent summarizes one fan-out request for the audit trail. It never
// carries the SQL text, only the caller-supplied content hash.
type QueryEvent struct {
	SQLHash     string `json:"sql_hash,omitempty"`
	OfficeCount int    `json:"office_count"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	DurationMS  int64  `json:"duration_ms"`
}

// Dispatcher fans one query out across offices with bounded concurrency
// and per-office fault isolation, then merges the outcomes into a single
// ordered result.
type Dispatcher struct {
	transport Transport
	creds     CredentialProvider
	policy    RetryPolicy

	// Audit is optional. SQLHash is optional metadata supplied by the
	// caller on the request.
	Audit AuditSink
}

// NewDispatcher creates a dispatcher over the given transport and
// credential provider, using policy for per-office retries.
func NewDispatcher(transport Transport, creds CredentialProvider, policy RetryPolicy) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		creds:     creds,
		policy:    policy,
	}
}

// Dispatch validates the request, runs every office to a terminal state
// and returns the merged result. One office failing never fails the call;
// only request-level validation errors abort before dispatch. The caller's
// context carries the overall deadline: offices still pending when it
// fires are marked failed with a timeout kind.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.QueryRequest) (*model.MergedResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	start := time.Now()

	sortKey := ExtractSortKey(req.SQL)
	sql := EnsureOrderBy(req.SQL)

	maxConcurrency := req.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	zap.L().Info("dispatching query",
		zap.Int("offices", len(req.OfficeIDs)),
		zap.Int("max_concurrency", maxConcurrency),
		zap.Duration("per_office_timeout", req.PerOfficeTimeout),
		zap.Int("sort_terms", len(sortKey)),
	)

	outcomes := make([]model.OfficeOutcome, len(req.OfficeIDs))

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var wg sync.WaitGroup

	for i, office := range req.OfficeIDs {
		// Blocking acquire keeps admission first-requested, first-started.
		if err := sem.Acquire(ctx, 1); err != nil {
			// Overall deadline fired while this office was still queued.
			outcomes[i] = pendingOutcome(office, ctx)
			continue
		}

		wg.Add(1)
		go func(slot int, office model.OfficeID) {
			defer wg.Done()
			defer sem.Release(1)

			exec := &officeExecutor{
				office:    office,
				sql:       sql,
				timeout:   req.PerOfficeTimeout,
				transport: d.transport,
				creds:     d.creds,
				policy:    d.policy,
			}
			outcomes[slot] = exec.run(ctx)
		}(i, office)
	}

	wg.Wait()

	result := Merge(sortKey, outcomes)
	result.Elapsed = time.Since(start)

	zap.L().Info("query complete",
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("rows", len(result.Rows)),
		zap.Bool("schema_consistent", result.SchemaConsistent),
		zap.Duration("elapsed", result.Elapsed),
	)

	d.emitAudit(req, result)
	return result, nil
}

func (d *Dispatcher) emitAudit(req model.QueryRequest, result *model.MergedResult) {
	if d.Audit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("audit sink panicked", zap.Any("panic", r))
		}
	}()
	d.Audit.QueryExecuted(QueryEvent{
		SQLHash:     req.SQLHash,
		OfficeCount: len(req.OfficeIDs),
		Succeeded:   len(result.Succeeded),
		Failed:      len(result.Failed),
		DurationMS:  result.Elapsed.Milliseconds(),
	})
}

// validate rejects caller input errors before any network activity.
func validate(req model.QueryRequest) error {
	if strings.TrimSpace(req.SQL) == "" {
		return model.NewKindError(model.ErrKindValidation, eris.New("empty SQL"))
	}
	if len(req.OfficeIDs) == 0 {
		return model.NewKindError(model.ErrKindValidation, eris.New("no offices specified"))
	}
	seen := make(map[model.OfficeID]bool, len(req.OfficeIDs))
	for _, office := range req.OfficeIDs {
		if office == "" {
			return model.NewKindError(model.ErrKindValidation, eris.New("empty office ID"))
		}
		if seen[office] {
			return model.NewKindError(model.ErrKindValidation,
				eris.Errorf("duplicate office ID %q", office))
		}
		seen[office] = true
	}
	if !IsReadOnly(req.SQL) {
		return model.NewKindError(model.ErrKindValidation,
			eris.New("only read-only SELECT/SHOW/DESCRIBE/EXPLAIN statements are allowed"))
	}
	return nil
}

// pendingOutcome records an office that never started because the overall
// deadline or a caller abort arrived first.
func pendingOutcome(office model.OfficeID, ctx context.Context) model.OfficeOutcome {
	kind := model.ErrKindTimeout
	if ctx.Err() == context.Canceled {
		kind = model.ErrKindCancelled
	}
	return model.OfficeOutcome{
		OfficeID: office,
		ErrKind:  kind,
		Err:      model.NewKindError(kind, ctx.Err()),
		Attempts: 0,
	}
}
