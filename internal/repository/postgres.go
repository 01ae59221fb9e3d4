package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chainflow/pkg/models"
)

//go:embed migrations/postgres.sql
var postgresSchema string

const uniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// CreateChain inserts a chain and its graph in one transaction.
func (s *PostgresStore) CreateChain(ctx context.Context, chain *models.Chain) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO chains (`+chainColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			chain.ID, chain.AgentID, chain.Name, chain.Active, chain.ConditionType, chain.ExcludeMatched,
			chain.RunLimit, chain.Timezone, chain.CreatedAt.UTC(), chain.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert chain: %w", err)
		}
		return insertChainGraph(ctx, tx, chain)
	})
}

// ReplaceChain rewrites the chain row and swaps its child rows. Readers see
// either the old graph or the new one.
func (s *PostgresStore) ReplaceChain(ctx context.Context, chain *models.Chain) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE chains
			SET agent_id = $2, name = $3, active = $4, condition_type = $5, exclude_matched = $6,
				run_limit = $7, timezone = $8, updated_at = $9
			WHERE id = $1 AND deleted_at IS NULL`,
			chain.ID, chain.AgentID, chain.Name, chain.Active, chain.ConditionType, chain.ExcludeMatched,
			chain.RunLimit, chain.Timezone, chain.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to update chain: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		for _, table := range []string{"chain_conditions", "chain_steps", "chain_schedules"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE chain_id = $1", chain.ID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return insertChainGraph(ctx, tx, chain)
	})
}

func insertChainGraph(ctx context.Context, tx pgx.Tx, chain *models.Chain) error {
	batch := &pgx.Batch{}
	for _, cond := range chain.Conditions {
		batch.Queue(`INSERT INTO chain_conditions (chain_id, stage_id) VALUES ($1, $2)`, chain.ID, cond.StageID)
	}
	for _, step := range chain.Steps {
		batch.Queue(`INSERT INTO chain_steps (id, chain_id, step_order, delay_value, delay_unit)
			VALUES ($1, $2, $3, $4, $5)`, step.ID, chain.ID, step.Order, step.DelayValue, step.DelayUnit)
		for _, action := range step.Actions {
			batch.Queue(`INSERT INTO chain_step_actions (id, step_id, action_order, type, instruction, params)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				action.ID, step.ID, action.Order, action.Type, action.Instruction, paramsOrEmpty(action.Params))
		}
	}
	for _, day := range chain.Schedule {
		batch.Queue(`INSERT INTO chain_schedules (chain_id, weekday, enabled, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5)`, chain.ID, day.Weekday, day.Enabled, day.StartTime, day.EndTime)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chain graph: %w", err)
	}
	return nil
}

// GetChain loads a chain from a single snapshot.
func (s *PostgresStore) GetChain(ctx context.Context, id string) (*models.Chain, error) {
	var chain *models.Chain
	err := s.readSnapshot(ctx, func(tx pgx.Tx) error {
		var err error
		chain, err = loadChain(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// ListChains lists an agent's chains ordered by creation time.
func (s *PostgresStore) ListChains(ctx context.Context, agentID string) ([]*models.Chain, error) {
	var chains []*models.Chain
	err := s.readSnapshot(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id FROM chains WHERE agent_id = $1 AND deleted_at IS NULL
			ORDER BY created_at, id`, agentID)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, id := range ids {
			chain, err := loadChain(ctx, tx, id)
			if err != nil {
				return err
			}
			chains = append(chains, chain)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chains, nil
}

func (s *PostgresStore) readSnapshot(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, fn)
}

func loadChain(ctx context.Context, tx pgx.Tx, id string) (*models.Chain, error) {
	chain, err := scanChain(tx.QueryRow(ctx, `SELECT `+chainColumns+` FROM chains
		WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT stage_id FROM chain_conditions WHERE chain_id = $1 ORDER BY stage_id`, id)
	if err != nil {
		return nil, err
	}
	stages, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to load conditions: %w", err)
	}
	chain.Conditions = make([]models.ChainCondition, 0, len(stages))
	for _, stage := range stages {
		chain.Conditions = append(chain.Conditions, models.ChainCondition{ChainID: id, StageID: stage})
	}

	rows, err = tx.Query(ctx, `SELECT id, step_order, delay_value, delay_unit FROM chain_steps
		WHERE chain_id = $1 ORDER BY step_order`, id)
	if err != nil {
		return nil, err
	}
	chain.Steps, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ChainStep, error) {
		step := models.ChainStep{ChainID: id}
		err := row.Scan(&step.ID, &step.Order, &step.DelayValue, &step.DelayUnit)
		return step, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	stepIndex := make(map[string]int, len(chain.Steps))
	for i, step := range chain.Steps {
		stepIndex[step.ID] = i
		chain.Steps[i].Actions = []models.ChainStepAction{}
	}

	rows, err = tx.Query(ctx, `SELECT a.id, a.step_id, a.action_order, a.type, a.instruction, a.params
		FROM chain_step_actions a JOIN chain_steps s ON s.id = a.step_id
		WHERE s.chain_id = $1 ORDER BY s.step_order, a.action_order`, id)
	if err != nil {
		return nil, err
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ChainStepAction, error) {
		var a models.ChainStepAction
		err := row.Scan(&a.ID, &a.StepID, &a.Order, &a.Type, &a.Instruction, &a.Params)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}
	for _, action := range actions {
		i := stepIndex[action.StepID]
		chain.Steps[i].Actions = append(chain.Steps[i].Actions, action)
	}

	rows, err = tx.Query(ctx, `SELECT weekday, enabled, start_time, end_time FROM chain_schedules
		WHERE chain_id = $1 ORDER BY weekday`, id)
	if err != nil {
		return nil, err
	}
	chain.Schedule, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ChainSchedule, error) {
		day := models.ChainSchedule{ChainID: id}
		err := row.Scan(&day.Weekday, &day.Enabled, &day.StartTime, &day.EndTime)
		return day, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return chain, nil
}

// DeleteChain soft-deletes a chain and cancels its open runs atomically.
func (s *PostgresStore) DeleteChain(ctx context.Context, id string, at time.Time) (int, error) {
	cancelled := 0
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE chains SET deleted_at = $2, active = FALSE, updated_at = $2
			WHERE id = $1 AND deleted_at IS NULL`, id, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to delete chain: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		tag, err = tx.Exec(ctx, `UPDATE chain_runs
			SET status = $2, cancel_reason = $3, next_fire_at = NULL, finished_at = $4, updated_at = $4,
				version = version + 1
			WHERE chain_id = $1 AND status IN ('pending', 'active')`,
			id, models.RunCancelled, models.CancelReasonChainDeleted, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to cancel runs: %w", err)
		}
		cancelled = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

// CreateRun inserts a run of a live chain. The chain row is share-locked so
// a concurrent DeleteChain either sees the new run or makes the insert fail
// with ErrNotFound. The partial unique index on open runs enforces one live
// run per chain and entity.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.ChainRun) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM chains WHERE id = $1 AND deleted_at IS NULL FOR SHARE`,
			run.ChainID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("chain %s: %w", run.ChainID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock chain: %w", err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO chain_runs (`+runColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			run.ID, run.ChainID, run.EntityID, run.CurrentStepIndex, utc(run.NextFireAt), run.Status,
			run.FiredCount, run.Attempts, run.LastError, run.CancelReason, utc(run.LastFiredAt), run.Version,
			run.CreatedAt.UTC(), run.UpdatedAt.UTC(), utc(run.FinishedAt))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "chain_runs_open_idx" {
			return ErrDuplicateRun
		}
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return nil
	})
	return err
}

// GetRun loads a run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.ChainRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM chain_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// FindOpenRun returns the entity's pending or active run.
func (s *PostgresStore) FindOpenRun(ctx context.Context, chainID, entityID string) (*models.ChainRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM chain_runs
		WHERE chain_id = $1 AND entity_id = $2 AND status IN ('pending', 'active')`, chainID, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// CountRuns counts every run created for a chain and entity.
func (s *PostgresStore) CountRuns(ctx context.Context, chainID, entityID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM chain_runs WHERE chain_id = $1 AND entity_id = $2`,
		chainID, entityID).Scan(&n)
	return n, err
}

// UpdateRun writes a run if its version is unchanged.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.ChainRun) error {
	tag, err := s.db.Exec(ctx, `UPDATE chain_runs
		SET current_step_index = $3, next_fire_at = $4, status = $5, fired_count = $6, attempts = $7,
			last_error = $8, cancel_reason = $9, last_fired_at = $10, updated_at = $11, finished_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		run.ID, run.Version, run.CurrentStepIndex, utc(run.NextFireAt), run.Status, run.FiredCount,
		run.Attempts, run.LastError, run.CancelReason, utc(run.LastFiredAt), run.UpdatedAt.UTC(),
		utc(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chain_runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	run.Version++
	return nil
}

// ListDueRuns returns active runs of live, active chains due at or before
// now.
func (s *PostgresStore) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*models.ChainRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM chain_runs
		WHERE status = 'active' AND next_fire_at <= $1 AND `+runnableChain+`
		ORDER BY next_fire_at, id LIMIT $2`, now.UTC(), listLimit(limit))
}

// ListRuns lists runs matching a filter, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.ChainRun, error) {
	query, args := runFilterQuery(filter, dollar)
	return s.queryRuns(ctx, query, args...)
}

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]*models.ChainRun, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ChainRun, error) {
		return scanRun(row)
	})
}

// CountRunsByStatus groups all runs by status.
func (s *PostgresStore) CountRunsByStatus(ctx context.Context) (map[models.RunStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM chain_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.RunStatus]int)
	for rows.Next() {
		var (
			status models.RunStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountDueRuns counts the runs ListDueRuns would return without a limit.
func (s *PostgresStore) CountDueRuns(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM chain_runs
		WHERE status = 'active' AND next_fire_at <= $1 AND `+runnableChain,
		now.UTC()).Scan(&n)
	return n, err
}

// EnqueueJob persists a queued job and assigns its sequence.
func (s *PostgresStore) EnqueueJob(ctx context.Context, job *models.WebhookJob) error {
	err := s.db.QueryRow(ctx, `INSERT INTO webhook_jobs
		(id, source_id, payload, status, attempts, last_error, received_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`,
		job.ID, job.SourceID, string(job.Payload), job.Status, job.Attempts, job.LastError,
		job.ReceivedAt.UTC(), job.AvailableAt.UTC()).Scan(&job.Seq)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// ClaimNextJob locks the oldest runnable source head. A job is runnable only
// when no earlier job of the same source is still open, and SKIP LOCKED lets
// concurrent workers pass over heads another worker is claiming.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, now time.Time) (*models.WebhookJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `UPDATE webhook_jobs SET status = 'processing', locked_at = $1
		WHERE id = (
			SELECT j.id FROM webhook_jobs j
			WHERE j.status = 'queued' AND j.available_at <= $1
				AND NOT EXISTS (
					SELECT 1 FROM webhook_jobs p
					WHERE p.source_id = j.source_id AND p.seq < j.seq
						AND p.status IN ('queued', 'processing'))
			ORDER BY j.seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+jobColumns, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) execJob(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob marks a job done.
func (s *PostgresStore) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return s.execJob(ctx, `UPDATE webhook_jobs SET status = 'done', locked_at = NULL, finished_at = $2
		WHERE id = $1`, id, at.UTC())
}

// RetryJob returns a job to the queue until availableAt.
func (s *PostgresStore) RetryJob(ctx context.Context, id string, attempts int, lastErr string, availableAt time.Time) error {
	return s.execJob(ctx, `UPDATE webhook_jobs
		SET status = 'queued', attempts = $2, last_error = $3, available_at = $4, locked_at = NULL
		WHERE id = $1`, id, attempts, lastErr, availableAt.UTC())
}

// BuryJob dead-letters a job.
func (s *PostgresStore) BuryJob(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return s.execJob(ctx, `UPDATE webhook_jobs
		SET status = 'dead', attempts = $2, last_error = $3, locked_at = NULL, finished_at = $4
		WHERE id = $1`, id, attempts, lastErr, at.UTC())
}

// RequeueStaleJobs unlocks processing jobs locked before the cutoff.
func (s *PostgresStore) RequeueStaleJobs(ctx context.Context, lockedBefore time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE webhook_jobs SET status = 'queued', locked_at = NULL
		WHERE status = 'processing' AND locked_at < $1`, lockedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RequeueDeadJob moves a dead job back to the queue.
func (s *PostgresStore) RequeueDeadJob(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE webhook_jobs
		SET status = 'queued', attempts = 0, available_at = $2, finished_at = NULL
		WHERE id = $1 AND status = 'dead'`, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, not dead: %w", id, job.Status, ErrConflict)
}

// GetJob loads a job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.WebhookJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM webhook_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListJobs lists jobs in a status, oldest first.
func (s *PostgresStore) ListJobs(ctx context.Context, status models.WebhookJobStatus, limit int) ([]*models.WebhookJob, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM webhook_jobs WHERE status = $1
		ORDER BY seq LIMIT $2`, status, listLimit(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.WebhookJob, error) {
		return scanJob(row)
	})
}

// CountJobsByStatus groups all jobs by status.
func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[models.WebhookJobStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM webhook_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.WebhookJobStatus]int)
	for rows.Next() {
		var (
			status models.WebhookJobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
