package repository

import (
	"fmt"
	"strings"
	"time"

	"chainflow/pkg/models"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const chainColumns = `id, agent_id, name, active, condition_type, exclude_matched, run_limit, timezone, created_at, updated_at`

const runColumns = `id, chain_id, entity_id, current_step_index, next_fire_at, status, fired_count, attempts,
	last_error, cancel_reason, last_fired_at, version, created_at, updated_at, finished_at`

// runnableChain restricts a chain_runs query to runs whose chain is live and
// active. Runs of paused chains stay due and fire once the chain resumes.
const runnableChain = `EXISTS (SELECT 1 FROM chains c
		WHERE c.id = chain_runs.chain_id AND c.active AND c.deleted_at IS NULL)`

const jobColumns = `id, seq, source_id, payload, status, attempts, last_error, received_at, available_at, locked_at, finished_at`

func scanChain(row rowScanner) (*models.Chain, error) {
	var c models.Chain
	err := row.Scan(&c.ID, &c.AgentID, &c.Name, &c.Active, &c.ConditionType, &c.ExcludeMatched,
		&c.RunLimit, &c.Timezone, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRun(row rowScanner) (*models.ChainRun, error) {
	var r models.ChainRun
	err := row.Scan(&r.ID, &r.ChainID, &r.EntityID, &r.CurrentStepIndex, &r.NextFireAt, &r.Status,
		&r.FiredCount, &r.Attempts, &r.LastError, &r.CancelReason, &r.LastFiredAt, &r.Version,
		&r.CreatedAt, &r.UpdatedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanJob(row rowScanner) (*models.WebhookJob, error) {
	var (
		j       models.WebhookJob
		payload []byte
	)
	err := row.Scan(&j.ID, &j.Seq, &j.SourceID, &payload, &j.Status, &j.Attempts, &j.LastError,
		&j.ReceivedAt, &j.AvailableAt, &j.LockedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	return &j, nil
}

// placeholder renders the n-th bind parameter for a dialect.
type placeholder func(n int) string

func dollar(n int) string   { return fmt.Sprintf("$%d", n) }
func question(n int) string { return fmt.Sprintf("?%d", n) }

// runFilterQuery builds the listing query for a RunFilter.
func runFilterQuery(filter models.RunFilter, ph placeholder) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, ph(len(args))))
	}
	if filter.ChainID != "" {
		add("chain_id = %s", filter.ChainID)
	}
	if filter.EntityID != "" {
		add("entity_id = %s", filter.EntityID)
	}
	if filter.Status != "" {
		add("status = %s", string(filter.Status))
	}

	var b strings.Builder
	b.WriteString("SELECT " + runColumns + " FROM chain_runs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, listLimit(filter.Limit))
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT " + ph(len(args)))
	return b.String(), args
}

// utc normalizes optional timestamps before they are written.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func paramsOrEmpty(params map[string]string) map[string]string {
	if params == nil {
		return map[string]string{}
	}
	return params
}
