package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docchat/api/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_statuses (
	request_id   TEXT PRIMARY KEY,
	request_type TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	message      TEXT NOT NULL DEFAULT '',
	result       JSONB,
	error        JSONB,
	workflow_ref JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS job_statuses_queued_idx
	ON job_statuses (created_at) WHERE status = 'QUEUED';
`

// PostgresStore keeps job statuses in the job_statuses table.
// Updates lock the row with SELECT ... FOR UPDATE and apply the change in one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the table if it's missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create job_statuses schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, status *model.JobStatus) error {
	const q = `
INSERT INTO job_statuses
	(request_id, request_type, status, progress, message, result, error, workflow_ref, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	args, err := rowArgs(status)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert job status: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, requestID string, u model.StatusUpdate) (*model.JobStatus, error) {
	const sel = `
SELECT request_id, request_type, status, progress, message, result, error, workflow_ref, created_at, updated_at
FROM job_statuses
WHERE request_id = $1
FOR UPDATE;
`
	const upd = `
UPDATE job_statuses
SET request_type=$2, status=$3, progress=$4, message=$5, result=$6, error=$7, workflow_ref=$8,
	created_at=$9, updated_at=$10
WHERE request_id=$1;
`
	var out *model.JobStatus
	var rejected error
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanStatus(tx.QueryRow(ctx, sel, requestID))
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := outcomeErr(u.ApplyTo(next, s.now())); err != nil {
			out, rejected = current, err
			return nil
		}

		args, err := rowArgs(next)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, upd, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		out = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return out, rejected
}

func (s *PostgresStore) Get(ctx context.Context, requestID string) (*model.JobStatus, error) {
	const q = `
SELECT request_id, request_type, status, progress, message, result, error, workflow_ref, created_at, updated_at
FROM job_statuses
WHERE request_id = $1;
`
	js, err := scanStatus(s.pool.QueryRow(ctx, q, requestID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}
	return js, err
}

func (s *PostgresStore) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	const q = `
SELECT request_id FROM job_statuses
WHERE status = 'QUEUED' AND created_at < $1
ORDER BY created_at
LIMIT $2;
`
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanStatus(row pgx.Row) (*model.JobStatus, error) {
	var (
		js                         model.JobStatus
		requestType, statusText    string
		resultB, errorB, workflowB []byte
	)
	if err := row.Scan(
		&js.RequestID,
		&requestType,
		&statusText,
		&js.Progress,
		&js.Message,
		&resultB,   // NULL => nil
		&errorB,    // NULL => nil
		&workflowB, // NULL => nil
		&js.CreatedAt,
		&js.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	st, err := model.ParseStatus(statusText)
	if err != nil {
		return nil, err
	}
	js.Status = st
	js.RequestType = model.RequestType(requestType)

	if resultB != nil {
		js.Result = &model.JobResult{}
		if err := json.Unmarshal(resultB, js.Result); err != nil {
			return nil, err
		}
	}
	if errorB != nil {
		js.Error = &model.JobError{}
		if err := json.Unmarshal(errorB, js.Error); err != nil {
			return nil, err
		}
	}
	if workflowB != nil {
		js.WorkflowExecutionRef = &model.WorkflowExecutionRef{}
		if err := json.Unmarshal(workflowB, js.WorkflowExecutionRef); err != nil {
			return nil, err
		}
	}
	return &js, nil
}

func rowArgs(js *model.JobStatus) ([]any, error) {
	resultB, err := nullableJSON(js.Result)
	if err != nil {
		return nil, err
	}
	errorB, err := nullableJSON(js.Error)
	if err != nil {
		return nil, err
	}
	workflowB, err := nullableJSON(js.WorkflowExecutionRef)
	if err != nil {
		return nil, err
	}
	return []any{
		js.RequestID,
		string(js.RequestType),
		string(js.Status),
		js.Progress,
		js.Message,
		resultB,
		errorB,
		workflowB,
		js.CreatedAt,
		js.UpdatedAt,
	}, nil
}

func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column: %w", err)
	}
	return b, nil
}
