package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/opflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/opflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	body, err := encodeJSON(def)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=excluded.updated_at`,
		def.ID, def.Name, body, now, now,
	)
	return storeErr("save workflow", err)
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	def := &schema.WorkflowDefinition{}
	return def, decodeJSON(body, def)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := decodeJSON(body, def); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete workflow", err)
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM workflow_versions WHERE workflow_id = ?`, id)
	return storeErr("delete versions", err)
}

const versionColumns = `id, workflow_id, number, major, minor, patch, bump, definition, description, author, active, deprecated, parent_version_id, rolled_back_from, created_at`

func (s *LibSQLStore) AppendVersion(ctx context.Context, v *schema.WorkflowVersion) error {
	body, err := encodeJSON(&v.Definition)
	if err != nil {
		return err
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_versions WHERE workflow_id = ? AND number = ?`, v.WorkflowID, v.Number,
	).Scan(&exists); err != nil {
		return storeErr("check version", err)
	}
	if exists > 0 {
		return conflict("version %d of workflow %q already exists", v.Number, v.WorkflowID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.WorkflowID, v.Number, v.Major, v.Minor, v.Patch, nullStr(string(v.Bump)), body,
		nullStr(v.Description), nullStr(v.Author), boolInt(v.Active), boolInt(v.Deprecated),
		nullStr(v.ParentVersionID), nullInt(v.RolledBackFrom), timeOrNow(v.CreatedAt),
	)
	return storeErr("append version", err)
}

func scanVersion(sc interface{ Scan(...any) error }) (*schema.WorkflowVersion, error) {
	v := &schema.WorkflowVersion{}
	var (
		bump, desc, author, parent sql.NullString
		rolledBack                 sql.NullInt64
		body                       string
	)
	if err := sc.Scan(&v.ID, &v.WorkflowID, &v.Number, &v.Major, &v.Minor, &v.Patch, &bump, &body,
		&desc, &author, &v.Active, &v.Deprecated, &parent, &rolledBack, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Bump = schema.VersionBump(bump.String)
	v.Description = desc.String
	v.Author = author.String
	v.ParentVersionID = parent.String
	v.RolledBackFrom = int(rolledBack.Int64)
	return v, decodeJSON(body, &v.Definition)
}

func (s *LibSQLStore) GetVersion(ctx context.Context, workflowID string, number int) (*schema.WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE workflow_id = ? AND number = ?`, workflowID, number)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "version %d of workflow %q not found", number, workflowID)
	}
	return v, err
}

func (s *LibSQLStore) ListVersions(ctx context.Context, workflowID string) ([]*schema.WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE workflow_id = ? ORDER BY number`, workflowID)
	if err != nil {
		return nil, storeErr("list versions", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SetActiveVersion(ctx context.Context, workflowID string, number int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin activate", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_versions SET active = 1 WHERE workflow_id = ? AND number = ?`, workflowID, number)
	if err != nil {
		return storeErr("activate version", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "version %d of workflow %q not found", number, workflowID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_versions SET active = 0 WHERE workflow_id = ? AND number <> ?`, workflowID, number); err != nil {
		return storeErr("deactivate versions", err)
	}
	return storeErr("commit activate", tx.Commit())
}

func (s *LibSQLStore) SetVersionDeprecated(ctx context.Context, workflowID string, number int, deprecated bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_versions SET deprecated = ? WHERE workflow_id = ? AND number = ?`, boolInt(deprecated), workflowID, number)
	if err != nil {
		return storeErr("deprecate version", err)
	}
	return checkRowsAffected(res, "version", fmt.Sprintf("%s@%d", workflowID, number))
}

// --- Executions ---

const executionColumns = `id, workflow_id, version_number, definition, state, input, variables, error, parent_id, triggered_by, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exe *schema.Execution) error {
	def, err := encodeJSON(&exe.Definition)
	if err != nil {
		return err
	}
	input, err := encodeNullable(exe.Input)
	if err != nil {
		return err
	}
	vars, err := encodeNullable(exe.Variables)
	if err != nil {
		return err
	}
	errJSON, err := encodeNullable(exe.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exe.ID, exe.WorkflowID, exe.VersionNumber, def, string(exe.State), input, vars, errJSON,
		nullStr(exe.ParentID), nullStr(exe.TriggeredBy), timeOrNow(exe.CreatedAt),
		nullTime(exe.StartedAt), nullTime(exe.CompletedAt), timeOrNow(exe.UpdatedAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return conflict("execution %q already exists", exe.ID)
	}
	return storeErr("create execution", err)
}

func scanExecution(sc interface{ Scan(...any) error }) (*schema.Execution, error) {
	exe := &schema.Execution{}
	var (
		def, state             string
		input, vars, errJSON   sql.NullString
		parent, triggeredBy    sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := sc.Scan(&exe.ID, &exe.WorkflowID, &exe.VersionNumber, &def, &state, &input, &vars, &errJSON,
		&parent, &triggeredBy, &exe.CreatedAt, &startedAt, &completedAt, &exe.UpdatedAt); err != nil {
		return nil, err
	}
	exe.State = schema.ExecutionState(state)
	exe.ParentID = parent.String
	exe.TriggeredBy = triggeredBy.String
	exe.StartedAt = timePtr(startedAt)
	exe.CompletedAt = timePtr(completedAt)
	if err := decodeJSON(def, &exe.Definition); err != nil {
		return nil, err
	}
	if err := decodeNullable(input, &exe.Input); err != nil {
		return nil, err
	}
	if err := decodeNullable(vars, &exe.Variables); err != nil {
		return nil, err
	}
	if errJSON.Valid {
		exe.Error = &schema.OpflowError{}
		if err := decodeJSON(errJSON.String, exe.Error); err != nil {
			return nil, err
		}
	}
	return exe, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exe, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, notFound("execution", id)
	}
	return exe, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.Variables != nil {
		vars, err := encodeNullable(update.Variables)
		if err != nil {
			return err
		}
		sets = append(sets, "variables = ?")
		args = append(args, vars)
	}
	if update.Error != nil {
		errJSON, err := encodeNullable(update.Error)
		if err != nil {
			return err
		}
		sets = append(sets, "error = ?")
		args = append(args, errJSON)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update execution", err)
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exe, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exe)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpsertStepState(ctx context.Context, st *schema.StepState) error {
	output, err := encodeNullable(st.Output)
	if err != nil {
		return err
	}
	errJSON, err := encodeNullable(st.Error)
	if err != nil {
		return err
	}
	details, err := encodeNullable(st.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_states (execution_id, step_id, status, attempts, output, error, approval_id, started_at, completed_at, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   status=excluded.status, attempts=excluded.attempts, output=excluded.output, error=excluded.error,
		   approval_id=excluded.approval_id, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   details=excluded.details`,
		st.ExecutionID, st.StepID, string(st.Status), st.Attempts, output, errJSON,
		nullStr(st.ApprovalID), nullTime(st.StartedAt), nullTime(st.CompletedAt), details,
	)
	return storeErr("upsert step state", err)
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, executionID string) ([]*schema.StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, status, attempts, output, error, approval_id, started_at, completed_at, details
		 FROM step_states WHERE execution_id = ? ORDER BY step_id`, executionID)
	if err != nil {
		return nil, storeErr("list step states", err)
	}
	defer rows.Close()

	var out []*schema.StepState
	for rows.Next() {
		st := &schema.StepState{}
		var (
			status                   string
			output, errJSON, details sql.NullString
			approvalID               sql.NullString
			startedAt, completedAt   sql.NullTime
		)
		if err := rows.Scan(&st.ExecutionID, &st.StepID, &status, &st.Attempts, &output, &errJSON,
			&approvalID, &startedAt, &completedAt, &details); err != nil {
			return nil, err
		}
		st.Status = schema.StepStatus(status)
		st.ApprovalID = approvalID.String
		st.StartedAt = timePtr(startedAt)
		st.CompletedAt = timePtr(completedAt)
		if err := decodeNullable(output, &st.Output); err != nil {
			return nil, err
		}
		if err := decodeNullable(details, &st.Details); err != nil {
			return nil, err
		}
		if errJSON.Valid {
			st.Error = &schema.OpflowError{}
			if err := decodeJSON(errJSON.String, st.Error); err != nil {
				return nil, err
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) SaveApproval(ctx context.Context, req *schema.ApprovalRequest) error {
	body, err := encodeJSON(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, execution_id, step_id, status, data, requested_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, data=excluded.data`,
		req.ID, req.ExecutionID, req.StepID, string(req.Status), body, timeOrNow(req.RequestedAt),
	)
	return storeErr("save approval", err)
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM approvals WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, notFound("approval", id)
	}
	if err != nil {
		return nil, storeErr("get approval", err)
	}
	req := &schema.ApprovalRequest{}
	return req, decodeJSON(body, req)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter schema.ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	query := `SELECT data FROM approvals`
	var where []string
	var args []any
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at"
	return queryJSON[schema.ApprovalRequest](ctx, s.db, query, args...)
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sc *schema.Schedule) error {
	body, err := encodeJSON(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, enabled, next_run_at, last_run_at, last_execution_id, last_run_status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.WorkflowID, boolInt(sc.Enabled), nullTime(sc.NextRunAt), nullTime(sc.LastRunAt),
		nullStr(sc.LastExecutionID), nullStr(sc.LastRunStatus), body, timeOrNow(sc.CreatedAt), timeOrNow(sc.UpdatedAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return conflict("schedule %q already exists", sc.ID)
	}
	return storeErr("create schedule", err)
}

const scheduleColumns = `data, enabled, next_run_at, last_run_at, last_execution_id, last_run_status, updated_at`

// scanSchedule decodes the JSON body and overlays the columns mutated by UpdateSchedule.
func scanSchedule(sc interface{ Scan(...any) error }) (*schema.Schedule, error) {
	var (
		body                 string
		enabled              bool
		nextRun, lastRun     sql.NullTime
		lastExec, lastStatus sql.NullString
		updatedAt            time.Time
	)
	if err := sc.Scan(&body, &enabled, &nextRun, &lastRun, &lastExec, &lastStatus, &updatedAt); err != nil {
		return nil, err
	}
	out := &schema.Schedule{}
	if err := decodeJSON(body, out); err != nil {
		return nil, err
	}
	out.Enabled = enabled
	out.NextRunAt = timePtr(nextRun)
	out.LastRunAt = timePtr(lastRun)
	out.LastExecutionID = lastExec.String
	out.LastRunStatus = lastStatus.String
	out.UpdatedAt = updatedAt
	return out, nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, notFound("schedule", id)
	}
	return sc, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update schema.ScheduleUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.ClearNextRun {
		sets = append(sets, "next_run_at = NULL")
	} else if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.LastExecutionID != nil {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, *update.LastExecutionID)
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, *update.LastRunStatus)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter schema.ScheduleFilter) ([]*schema.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list schedules", err)
	}
	defer rows.Close()

	var out []*schema.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Triggers ---

func (s *LibSQLStore) SaveTrigger(ctx context.Context, t *schema.WorkflowTrigger) error {
	body, err := encodeJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workflow_id, event_pattern, enabled, priority, data, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workflow_id=excluded.workflow_id, event_pattern=excluded.event_pattern,
		   enabled=excluded.enabled, priority=excluded.priority, data=excluded.data, updated_at=excluded.updated_at`,
		t.ID, t.WorkflowID, t.EventPattern, boolInt(t.Enabled), t.Priority, body, time.Now().UTC(),
	)
	return storeErr("save trigger", err)
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*schema.WorkflowTrigger, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM triggers WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, notFound("trigger", id)
	}
	if err != nil {
		return nil, storeErr("get trigger", err)
	}
	t := &schema.WorkflowTrigger{}
	return t, decodeJSON(body, t)
}

func (s *LibSQLStore) ListTriggers(ctx context.Context) ([]*schema.WorkflowTrigger, error) {
	return queryJSON[schema.WorkflowTrigger](ctx, s.db, `SELECT data FROM triggers ORDER BY id`)
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete trigger", err)
	}
	return checkRowsAffected(res, "trigger", id)
}

// --- Templates ---

func (s *LibSQLStore) SaveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	body, err := encodeJSON(tpl)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, name, category, data, usage_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category, data=excluded.data, updated_at=excluded.updated_at`,
		tpl.ID, tpl.Name, nullStr(tpl.Category), body, tpl.UsageCount, timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return storeErr("save template", err)
}

func scanTemplate(sc interface{ Scan(...any) error }) (*schema.WorkflowTemplate, error) {
	var body string
	var usage int
	if err := sc.Scan(&body, &usage); err != nil {
		return nil, err
	}
	tpl := &schema.WorkflowTemplate{}
	if err := decodeJSON(body, tpl); err != nil {
		return nil, err
	}
	tpl.UsageCount = usage
	return tpl, nil
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	tpl, err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT data, usage_count FROM templates WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("template", id)
	}
	return tpl, err
}

// ListTemplates filters in Go after the category pre-filter; tag and text
// matching share templateMatches with the memory store.
func (s *LibSQLStore) ListTemplates(ctx context.Context, filter schema.TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	query := `SELECT data, usage_count FROM templates`
	var args []any
	if filter.Category != "" {
		query += ` WHERE category = ? COLLATE NOCASE`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list templates", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		if templateMatches(tpl, filter) {
			out = append(out, tpl)
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete template", err)
	}
	return checkRowsAffected(res, "template", id)
}

func (s *LibSQLStore) IncrementTemplateUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE templates SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return storeErr("increment template usage", err)
	}
	return checkRowsAffected(res, "template", id)
}

// --- Helpers ---

func queryJSON[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		v := new(T)
		if err := decodeJSON(body, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(resource, id)
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeSerialization, "encode column").WithCause(err)
	}
	return string(b), nil
}

// encodeNullable stores nil-ish values as SQL NULL.
func encodeNullable(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *schema.OpflowError:
		if t == nil {
			return nil, nil
		}
	}
	return encodeJSON(v)
}

func decodeJSON(body string, out any) error {
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "decode column").WithCause(err)
	}
	return nil
}

func decodeNullable(ns sql.NullString, out any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return decodeJSON(ns.String, out)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
