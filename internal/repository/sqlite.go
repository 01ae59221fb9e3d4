package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"chainflow/pkg/models"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteStore is a single-node Repository backed by an SQLite file. Writes
// are serialized through one connection; timestamps are stored in UTC so
// text comparison orders them.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database at path. ":memory:" is allowed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sqliteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// CreateChain inserts a chain and its graph in one transaction.
func (s *SQLiteStore) CreateChain(ctx context.Context, chain *models.Chain) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO chains (`+chainColumns+`)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10)`,
			chain.ID, chain.AgentID, chain.Name, chain.Active, string(chain.ConditionType), chain.ExcludeMatched,
			chain.RunLimit, chain.Timezone, chain.CreatedAt.UTC(), chain.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert chain: %w", err)
		}
		return insertChainGraphSQL(ctx, tx, chain)
	})
}

// ReplaceChain rewrites the chain row and swaps its child rows in one
// transaction.
func (s *SQLiteStore) ReplaceChain(ctx context.Context, chain *models.Chain) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chains
			SET agent_id = ?2, name = ?3, active = ?4, condition_type = ?5, exclude_matched = ?6,
				run_limit = ?7, timezone = ?8, updated_at = ?9
			WHERE id = ?1 AND deleted_at IS NULL`,
			chain.ID, chain.AgentID, chain.Name, chain.Active, string(chain.ConditionType), chain.ExcludeMatched,
			chain.RunLimit, chain.Timezone, chain.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to update chain: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		for _, table := range []string{"chain_conditions", "chain_steps", "chain_schedules"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE chain_id = ?1", chain.ID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return insertChainGraphSQL(ctx, tx, chain)
	})
}

func insertChainGraphSQL(ctx context.Context, tx *sql.Tx, chain *models.Chain) error {
	for _, cond := range chain.Conditions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chain_conditions (chain_id, stage_id) VALUES (?1, ?2)`,
			chain.ID, cond.StageID); err != nil {
			return fmt.Errorf("failed to insert condition: %w", err)
		}
	}
	for _, step := range chain.Steps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chain_steps (id, chain_id, step_order, delay_value, delay_unit)
			VALUES (?1, ?2, ?3, ?4, ?5)`, step.ID, chain.ID, step.Order, step.DelayValue, string(step.DelayUnit)); err != nil {
			return fmt.Errorf("failed to insert step: %w", err)
		}
		for _, action := range step.Actions {
			params, err := json.Marshal(paramsOrEmpty(action.Params))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO chain_step_actions (id, step_id, action_order, type, instruction, params)
				VALUES (?1, ?2, ?3, ?4, ?5, ?6)`,
				action.ID, step.ID, action.Order, string(action.Type), action.Instruction, string(params)); err != nil {
				return fmt.Errorf("failed to insert action: %w", err)
			}
		}
	}
	for _, day := range chain.Schedule {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chain_schedules (chain_id, weekday, enabled, start_time, end_time)
			VALUES (?1, ?2, ?3, ?4, ?5)`, chain.ID, day.Weekday, day.Enabled, day.StartTime, day.EndTime); err != nil {
			return fmt.Errorf("failed to insert schedule: %w", err)
		}
	}
	return nil
}

// GetChain loads a chain with its full graph.
func (s *SQLiteStore) GetChain(ctx context.Context, id string) (*models.Chain, error) {
	var chain *models.Chain
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		chain, err = loadChainSQL(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// ListChains lists an agent's chains ordered by creation time.
func (s *SQLiteStore) ListChains(ctx context.Context, agentID string) ([]*models.Chain, error) {
	var chains []*models.Chain
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM chains WHERE agent_id = ?1 AND deleted_at IS NULL
			ORDER BY created_at, id`, agentID)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			chain, err := loadChainSQL(ctx, tx, id)
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

// queryEach runs a query and calls fn per row.
func queryEach(ctx context.Context, tx *sql.Tx, fn func(rowScanner) error, query string, args ...any) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func loadChainSQL(ctx context.Context, tx *sql.Tx, id string) (*models.Chain, error) {
	chain, err := scanChain(tx.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM chains
		WHERE id = ?1 AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}

	chain.Conditions = []models.ChainCondition{}
	err = queryEach(ctx, tx, func(row rowScanner) error {
		cond := models.ChainCondition{ChainID: id}
		if err := row.Scan(&cond.StageID); err != nil {
			return err
		}
		chain.Conditions = append(chain.Conditions, cond)
		return nil
	}, `SELECT stage_id FROM chain_conditions WHERE chain_id = ?1 ORDER BY stage_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conditions: %w", err)
	}

	chain.Steps = []models.ChainStep{}
	stepIndex := make(map[string]int)
	err = queryEach(ctx, tx, func(row rowScanner) error {
		step := models.ChainStep{ChainID: id, Actions: []models.ChainStepAction{}}
		if err := row.Scan(&step.ID, &step.Order, &step.DelayValue, &step.DelayUnit); err != nil {
			return err
		}
		stepIndex[step.ID] = len(chain.Steps)
		chain.Steps = append(chain.Steps, step)
		return nil
	}, `SELECT id, step_order, delay_value, delay_unit FROM chain_steps WHERE chain_id = ?1 ORDER BY step_order`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}

	err = queryEach(ctx, tx, func(row rowScanner) error {
		var (
			a      models.ChainStepAction
			params string
		)
		if err := row.Scan(&a.ID, &a.StepID, &a.Order, &a.Type, &a.Instruction, &params); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(params), &a.Params); err != nil {
			return fmt.Errorf("action %s params: %w", a.ID, err)
		}
		i := stepIndex[a.StepID]
		chain.Steps[i].Actions = append(chain.Steps[i].Actions, a)
		return nil
	}, `SELECT a.id, a.step_id, a.action_order, a.type, a.instruction, a.params
		FROM chain_step_actions a JOIN chain_steps s ON s.id = a.step_id
		WHERE s.chain_id = ?1 ORDER BY s.step_order, a.action_order`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}

	chain.Schedule = []models.ChainSchedule{}
	err = queryEach(ctx, tx, func(row rowScanner) error {
		day := models.ChainSchedule{ChainID: id}
		if err := row.Scan(&day.Weekday, &day.Enabled, &day.StartTime, &day.EndTime); err != nil {
			return err
		}
		chain.Schedule = append(chain.Schedule, day)
		return nil
	}, `SELECT weekday, enabled, start_time, end_time FROM chain_schedules WHERE chain_id = ?1 ORDER BY weekday`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return chain, nil
}

// DeleteChain soft-deletes a chain and cancels its open runs atomically.
func (s *SQLiteStore) DeleteChain(ctx context.Context, id string, at time.Time) (int, error) {
	cancelled := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chains SET deleted_at = ?2, active = 0, updated_at = ?2
			WHERE id = ?1 AND deleted_at IS NULL`, id, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to delete chain: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		res, err = tx.ExecContext(ctx, `UPDATE chain_runs
			SET status = ?2, cancel_reason = ?3, next_fire_at = NULL, finished_at = ?4, updated_at = ?4,
				version = version + 1
			WHERE chain_id = ?1 AND status IN ('pending', 'active')`,
			id, string(models.RunCancelled), models.CancelReasonChainDeleted, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to cancel runs: %w", err)
		}
		n, _ := res.RowsAffected()
		cancelled = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

// CreateRun inserts a run of a live chain; the existence check and the insert
// are one statement. The partial unique index on open runs enforces one live
// run per chain and entity.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.ChainRun) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO chain_runs (`+runColumns+`)
		SELECT ?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15
		WHERE EXISTS (SELECT 1 FROM chains WHERE id = ?2 AND deleted_at IS NULL)`,
		run.ID, run.ChainID, run.EntityID, run.CurrentStepIndex, sqliteTime(run.NextFireAt), string(run.Status),
		run.FiredCount, run.Attempts, run.LastError, run.CancelReason, sqliteTime(run.LastFiredAt), run.Version,
		run.CreatedAt.UTC(), run.UpdatedAt.UTC(), sqliteTime(run.FinishedAt))
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "chain_runs.chain_id") {
		return ErrDuplicateRun
	}
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("chain %s: %w", run.ChainID, ErrNotFound)
	}
	return nil
}

// GetRun loads a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.ChainRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM chain_runs WHERE id = ?1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// FindOpenRun returns the entity's pending or active run.
func (s *SQLiteStore) FindOpenRun(ctx context.Context, chainID, entityID string) (*models.ChainRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM chain_runs
		WHERE chain_id = ?1 AND entity_id = ?2 AND status IN ('pending', 'active')`, chainID, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// CountRuns counts every run created for a chain and entity.
func (s *SQLiteStore) CountRuns(ctx context.Context, chainID, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chain_runs WHERE chain_id = ?1 AND entity_id = ?2`,
		chainID, entityID).Scan(&n)
	return n, err
}

// UpdateRun writes a run if its version is unchanged.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.ChainRun) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chain_runs
		SET current_step_index = ?3, next_fire_at = ?4, status = ?5, fired_count = ?6, attempts = ?7,
			last_error = ?8, cancel_reason = ?9, last_fired_at = ?10, updated_at = ?11, finished_at = ?12,
			version = version + 1
		WHERE id = ?1 AND version = ?2`,
		run.ID, run.Version, run.CurrentStepIndex, sqliteTime(run.NextFireAt), string(run.Status), run.FiredCount,
		run.Attempts, run.LastError, run.CancelReason, sqliteTime(run.LastFiredAt), run.UpdatedAt.UTC(),
		sqliteTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	run.Version++
	return nil
}

// ListDueRuns returns active runs of live, active chains due at or before
// now.
func (s *SQLiteStore) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*models.ChainRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM chain_runs
		WHERE status = 'active' AND next_fire_at <= ?1 AND `+runnableChain+`
		ORDER BY next_fire_at, id LIMIT ?2`, now.UTC(), listLimit(limit))
}

// ListRuns lists runs matching a filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.ChainRun, error) {
	query, args := runFilterQuery(filter, question)
	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*models.ChainRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.ChainRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// CountRunsByStatus groups all runs by status.
func (s *SQLiteStore) CountRunsByStatus(ctx context.Context) (map[models.RunStatus]int, error) {
	raw, err := s.countBy(ctx, `SELECT status, COUNT(*) FROM chain_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.RunStatus]int, len(raw))
	for k, n := range raw {
		counts[models.RunStatus(k)] = n
	}
	return counts, nil
}

// CountDueRuns counts the runs ListDueRuns would return without a limit.
func (s *SQLiteStore) CountDueRuns(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chain_runs
		WHERE status = 'active' AND next_fire_at <= ?1 AND `+runnableChain,
		now.UTC()).Scan(&n)
	return n, err
}

// EnqueueJob persists a queued job and assigns its sequence.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *models.WebhookJob) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO webhook_jobs
		(id, source_id, payload, status, attempts, last_error, received_at, available_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)`,
		job.ID, job.SourceID, string(job.Payload), string(job.Status), job.Attempts, job.LastError,
		job.ReceivedAt.UTC(), job.AvailableAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	job.Seq, err = res.LastInsertId()
	return err
}

// ClaimNextJob claims the oldest runnable source head. The immediate
// transaction lock keeps concurrent claimers serialized.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, now time.Time) (*models.WebhookJob, error) {
	var job *models.WebhookJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT j.id FROM webhook_jobs j
			WHERE j.status = 'queued' AND j.available_at <= ?1
				AND NOT EXISTS (
					SELECT 1 FROM webhook_jobs p
					WHERE p.source_id = j.source_id AND p.seq < j.seq
						AND p.status IN ('queued', 'processing'))
			ORDER BY j.seq
			LIMIT 1`, now.UTC()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE webhook_jobs SET status = 'processing', locked_at = ?2
			WHERE id = ?1`, id, now.UTC()); err != nil {
			return err
		}
		job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM webhook_jobs WHERE id = ?1`, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) execJob(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob marks a job done.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return s.execJob(ctx, `UPDATE webhook_jobs SET status = 'done', locked_at = NULL, finished_at = ?2
		WHERE id = ?1`, id, at.UTC())
}

// RetryJob returns a job to the queue until availableAt.
func (s *SQLiteStore) RetryJob(ctx context.Context, id string, attempts int, lastErr string, availableAt time.Time) error {
	return s.execJob(ctx, `UPDATE webhook_jobs
		SET status = 'queued', attempts = ?2, last_error = ?3, available_at = ?4, locked_at = NULL
		WHERE id = ?1`, id, attempts, lastErr, availableAt.UTC())
}

// BuryJob dead-letters a job.
func (s *SQLiteStore) BuryJob(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return s.execJob(ctx, `UPDATE webhook_jobs
		SET status = 'dead', attempts = ?2, last_error = ?3, locked_at = NULL, finished_at = ?4
		WHERE id = ?1`, id, attempts, lastErr, at.UTC())
}

// RequeueStaleJobs unlocks processing jobs locked before the cutoff.
func (s *SQLiteStore) RequeueStaleJobs(ctx context.Context, lockedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE webhook_jobs SET status = 'queued', locked_at = NULL
		WHERE status = 'processing' AND locked_at < ?1`, lockedBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RequeueDeadJob moves a dead job back to the queue.
func (s *SQLiteStore) RequeueDeadJob(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webhook_jobs
		SET status = 'queued', attempts = 0, available_at = ?2, finished_at = NULL
		WHERE id = ?1 AND status = 'dead'`, id, at.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, not dead: %w", id, job.Status, ErrConflict)
}

// GetJob loads a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.WebhookJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM webhook_jobs WHERE id = ?1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListJobs lists jobs in a status, oldest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, status models.WebhookJobStatus, limit int) ([]*models.WebhookJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM webhook_jobs WHERE status = ?1
		ORDER BY seq LIMIT ?2`, string(status), listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.WebhookJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus groups all jobs by status.
func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[models.WebhookJobStatus]int, error) {
	raw, err := s.countBy(ctx, `SELECT status, COUNT(*) FROM webhook_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.WebhookJobStatus]int, len(raw))
	for k, n := range raw {
		counts[models.WebhookJobStatus(k)] = n
	}
	return counts, nil
}
