package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

// Transport executes one single-shot query against one office. It performs
// no internal retry; that lives in the executor.
type Transport interface {
	Query(ctx context.Context, office model.OfficeID, cred model.Credential, sql string) (rows []model.Row, columns []string, err error)
}

// CredentialProvider hands out per-office API credentials. Implementations
// serialize concurrent access internally.
type CredentialProvider interface {
	Credential(office model.OfficeID) (model.Credential, error)
}

// officeExecutor runs one office's query to a terminal state: success,
// retried-then-success, or failure. It owns its retry state exclusively;
// nothing is shared with other offices.
type officeExecutor struct {
	office    model.OfficeID
	sql       string
	timeout   time.Duration
	transport Transport
	creds     CredentialProvider
	policy    RetryPolicy
}

// run produces exactly one OfficeOutcome. The per-office timeout is a hard
// ceiling across all attempts combined, including backoff sleeps.
func (e *officeExecutor) run(ctx context.Context) model.OfficeOutcome {
	start := time.Now()

	octx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	policy := e.policy.withDefaults()
	log := zap.L().With(zap.String("office", string(e.office)))

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		attempts = attempt + 1

		// Credentials are re-read on every attempt: the vault may have
		// locked, or the office's keys may have been rotated, since the
		// previous try.
		cred, err := e.creds.Credential(e.office)
		if err != nil {
			return e.failed(start, attempts, model.NewKindError(model.ErrKindCredential, err))
		}

		rows, columns, err := e.transport.Query(octx, e.office, cred, e.sql)
		if err == nil {
			return model.OfficeOutcome{
				OfficeID: e.office,
				Success:  true,
				Rows:     rows,
				Columns:  columns,
				Attempts: attempts,
				Elapsed:  time.Since(start),
			}
		}
		lastErr = err

		if octx.Err() != nil {
			return e.failed(start, attempts, e.deadlineError(ctx))
		}
		if policy.Classify(err) != ClassRetryable {
			return e.failed(start, attempts, err)
		}
		if attempt >= policy.MaxAttempts-1 {
			break
		}

		delay := policy.NextDelay(attempt)
		log.Warn("retrying office query",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-octx.Done():
			timer.Stop()
			return e.failed(start, attempts, e.deadlineError(ctx))
		case <-timer.C:
		}
	}

	return e.failed(start, attempts, lastErr)
}

func (e *officeExecutor) failed(start time.Time, attempts int, err error) model.OfficeOutcome {
	kind := model.KindOf(err)
	if kind == model.ErrKindNone {
		switch {
		case errors.Is(err, context.Canceled):
			kind = model.ErrKindCancelled
		case errors.Is(err, context.DeadlineExceeded):
			kind = model.ErrKindTimeout
		default:
			kind = model.ErrKindTransport
		}
	}
	return model.OfficeOutcome{
		OfficeID: e.office,
		ErrKind:  kind,
		Err:      err,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}
}

// deadlineError distinguishes caller-initiated cancellation from the
// per-office timeout firing.
func (e *officeExecutor) deadlineError(parent context.Context) error {
	if perr := parent.Err(); perr != nil {
		if errors.Is(perr, context.Canceled) {
			return model.NewKindError(model.ErrKindCancelled, perr)
		}
		return model.NewKindError(model.ErrKindTimeout, perr)
	}
	return model.NewKindError(model.ErrKindTimeout,
		eris.Errorf("query exceeded timeout of %s", e.timeout))
}
