package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS command_logs(
	id TEXT PRIMARY KEY,
	label TEXT,
	server_ref TEXT NOT NULL,
	command_ref TEXT NOT NULL,
	command_action TEXT,
	plan_log_id TEXT,
	triggered_plan_log_id TEXT,
	start_date INTEGER NOT NULL,
	finish_date INTEGER,
	status INTEGER NOT NULL DEFAULT 0,
	code TEXT,
	path TEXT,
	response TEXT,
	error TEXT,
	use_sudo TEXT,
	condition TEXT,
	is_skipped INTEGER NOT NULL DEFAULT 0,
	is_stopped INTEGER NOT NULL DEFAULT 0,
	variable_values TEXT
);
CREATE INDEX IF NOT EXISTS idx_command_logs_running ON command_logs(server_ref, command_ref, finish_date);
CREATE INDEX IF NOT EXISTS idx_command_logs_plan ON command_logs(plan_log_id);
CREATE TABLE IF NOT EXISTS plan_logs(
	id TEXT PRIMARY KEY,
	label TEXT,
	server_ref TEXT NOT NULL,
	plan_ref TEXT NOT NULL,
	parent_plan_log_id TEXT,
	start_date INTEGER NOT NULL,
	finish_date INTEGER,
	status INTEGER NOT NULL DEFAULT 0,
	custom_message TEXT,
	is_stopped INTEGER NOT NULL DEFAULT 0,
	executed_line INTEGER NOT NULL DEFAULT 0,
	variable_values TEXT
);
CREATE INDEX IF NOT EXISTS idx_plan_logs_running ON plan_logs(server_ref, plan_ref, finish_date);
`

// SQLiteStore persists logs in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalValues(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func unmarshalValues(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

func toUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func (s *SQLiteStore) SaveCommandLog(log *CommandLog) error {
	if log.ID == "" {
		return fmt.Errorf("command log has no ID")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO command_logs(
		id, label, server_ref, command_ref, command_action, plan_log_id,
		triggered_plan_log_id, start_date, finish_date, status, code, path,
		response, error, use_sudo, condition, is_skipped, is_stopped,
		variable_values)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		log.ID, log.Label, log.ServerRef, log.CommandRef, log.CommandAction,
		log.PlanLogID, log.TriggeredPlanLogID, log.StartDate.UnixMilli(),
		toUnix(log.FinishDate), log.Status, log.Code, log.Path, log.Response,
		log.Error, log.UseSudo, log.Condition, boolInt(log.IsSkipped),
		boolInt(log.IsStopped), marshalValues(log.VariableValues))
	if err != nil {
		return fmt.Errorf("save command log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SavePlanLog(log *PlanLog) error {
	if log.ID == "" {
		return fmt.Errorf("plan log has no ID")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO plan_logs(
		id, label, server_ref, plan_ref, parent_plan_log_id, start_date,
		finish_date, status, custom_message, is_stopped, executed_line,
		variable_values)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		log.ID, log.Label, log.ServerRef, log.PlanRef, log.ParentPlanLogID,
		log.StartDate.UnixMilli(), toUnix(log.FinishDate), log.Status,
		log.CustomMessage, boolInt(log.IsStopped), log.ExecutedLine,
		marshalValues(log.VariableValues))
	if err != nil {
		return fmt.Errorf("save plan log: %w", err)
	}
	return nil
}

const commandLogColumns = `id, label, server_ref, command_ref, command_action,
	plan_log_id, triggered_plan_log_id, start_date, finish_date, status, code,
	path, response, error, use_sudo, condition, is_skipped, is_stopped,
	variable_values`

func scanCommandLog(row interface{ Scan(...interface{}) error }) (*CommandLog, error) {
	var log CommandLog
	var start int64
	var finish sql.NullInt64
	var skipped, stopped int
	var values string
	err := row.Scan(&log.ID, &log.Label, &log.ServerRef, &log.CommandRef,
		&log.CommandAction, &log.PlanLogID, &log.TriggeredPlanLogID, &start,
		&finish, &log.Status, &log.Code, &log.Path, &log.Response, &log.Error,
		&log.UseSudo, &log.Condition, &skipped, &stopped, &values)
	if err != nil {
		return nil, err
	}
	log.StartDate = time.UnixMilli(start)
	log.FinishDate = fromUnix(finish)
	log.IsSkipped = skipped != 0
	log.IsStopped = stopped != 0
	log.VariableValues = unmarshalValues(values)
	return &log, nil
}

func (s *SQLiteStore) CommandLogByID(id string) (*CommandLog, error) {
	row := s.db.QueryRow(`SELECT `+commandLogColumns+` FROM command_logs WHERE id = ?`, id)
	log, err := scanCommandLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("command log %s: %w", id, err)
	}
	return log, nil
}

func (s *SQLiteStore) PlanLogByID(id string) (*PlanLog, error) {
	var log PlanLog
	var start int64
	var finish sql.NullInt64
	var stopped int
	var values string
	err := s.db.QueryRow(`SELECT id, label, server_ref, plan_ref,
		parent_plan_log_id, start_date, finish_date, status, custom_message,
		is_stopped, executed_line, variable_values
		FROM plan_logs WHERE id = ?`, id).
		Scan(&log.ID, &log.Label, &log.ServerRef, &log.PlanRef,
			&log.ParentPlanLogID, &start, &finish, &log.Status,
			&log.CustomMessage, &stopped, &log.ExecutedLine, &values)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("plan log %s: %w", id, err)
	}
	log.StartDate = time.UnixMilli(start)
	log.FinishDate = fromUnix(finish)
	log.IsStopped = stopped != 0
	log.VariableValues = unmarshalValues(values)
	return &log, nil
}

func (s *SQLiteStore) RunningCommandCount(serverRef, commandRef string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM command_logs
		WHERE server_ref = ? AND command_ref = ? AND finish_date IS NULL`,
		serverRef, commandRef).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running commands: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) RunningPlanCount(serverRef, planRef string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM plan_logs
		WHERE server_ref = ? AND plan_ref = ? AND finish_date IS NULL`,
		serverRef, planRef).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running plans: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) RunningCommandLogsForPlan(planLogID string) ([]*CommandLog, error) {
	rows, err := s.db.Query(`SELECT `+commandLogColumns+` FROM command_logs
		WHERE plan_log_id = ? AND finish_date IS NULL ORDER BY start_date`, planLogID)
	if err != nil {
		return nil, fmt.Errorf("query running plan commands: %w", err)
	}
	defer rows.Close()
	return collectCommandLogs(rows)
}

func (s *SQLiteStore) ZombieCommandLogs(cutoff time.Time, actions []string) ([]*CommandLog, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	query := `SELECT ` + commandLogColumns + ` FROM command_logs
		WHERE finish_date IS NULL AND start_date < ? AND command_action IN (`
	args := []interface{}{cutoff.UnixMilli()}
	for i, a := range actions {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, a)
	}
	query += `) ORDER BY start_date`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query zombie commands: %w", err)
	}
	defer rows.Close()
	return collectCommandLogs(rows)
}

func collectCommandLogs(rows *sql.Rows) ([]*CommandLog, error) {
	var logs []*CommandLog
	for rows.Next() {
		log, err := scanCommandLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
