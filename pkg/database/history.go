// Package database persists execution outcomes in a local SQLite file so
// that history survives daemon restarts.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

var log *logrus.Entry

func init() {
	log = logger.WithName("db")
}

// DefaultRetention is the number of outcomes kept after pruning
const DefaultRetention = 50000

// HistoryDB stores outcomes. Reads go straight to the pool, writes go
// through the write queue.
type HistoryDB struct {
	db         *sql.DB
	writeQueue *WriteQueue
	retention  int
}

// HistoryFilter narrows a history query. Zero fields match everything.
type HistoryFilter struct {
	RuleID string               `json:"rule_id,omitempty"`
	Path   string               `json:"path,omitempty"`
	Result models.OutcomeResult `json:"result,omitempty"`
	Since  time.Time            `json:"since,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// OpenHistory opens or creates the history database at path
func OpenHistory(path string, retention int) (*HistoryDB, error) {
	log.WithField("path", path).Info("Opening history database")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	h := &HistoryDB{db: db, retention: retention}
	if err := h.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	h.writeQueue = NewWriteQueue(db, nil)
	h.writeQueue.Start()
	return h, nil
}

func (h *HistoryDB) init() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := h.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := h.db.Exec(`CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY,
		rule_id TEXT NOT NULL,
		rule_name TEXT,
		path TEXT NOT NULL,
		action_json TEXT NOT NULL,
		result TEXT CHECK(result IN ('success', 'skipped', 'failed', 'aborted')),
		reason TEXT,
		destination TEXT,
		output TEXT,
		exit_code INTEGER,
		ts INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	if _, err := h.db.Exec("CREATE INDEX IF NOT EXISTS idx_outcomes_rule ON outcomes(rule_id, ts)"); err != nil {
		return err
	}
	if _, err := h.db.Exec("CREATE INDEX IF NOT EXISTS idx_outcomes_ts ON outcomes(ts)"); err != nil {
		return err
	}
	return nil
}

// Close flushes pending writes and closes the database
func (h *HistoryDB) Close() error {
	h.writeQueue.Stop()
	return h.db.Close()
}

// Record inserts one outcome
func (h *HistoryDB) Record(ctx context.Context, o models.ExecutionOutcome) error {
	action, err := json.Marshal(o.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return h.writeQueue.Submit(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO outcomes
			(rule_id, rule_name, path, action_json, result, reason, destination, output, exit_code, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.RuleID, o.RuleName, o.Path, string(action), string(o.Result),
			o.Reason, o.Destination, o.Output, o.ExitCode, ts.UnixNano())
		return err
	})
}

// OnOutcome records o, logging instead of returning failures
func (h *HistoryDB) OnOutcome(o models.ExecutionOutcome) {
	if err := h.Record(context.Background(), o); err != nil {
		log.WithError(err).WithField("path", o.Path).Warn("Failed to record outcome")
	}
}

// Query returns the newest outcomes matching f, oldest first
func (h *HistoryDB) Query(ctx context.Context, f HistoryFilter) ([]models.ExecutionOutcome, error) {
	var (
		where []string
		args  []any
	)
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.Path != "" {
		where = append(where, "path = ?")
		args = append(args, f.Path)
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(f.Result))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT rule_id, rule_name, path, action_json, result, reason, destination, output, exit_code, ts FROM outcomes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	if logger.IsLevelEnabled(logrus.TraceLevel) {
		log.WithFields(logrus.Fields{"query": query, "args": args}).Trace("Querying history")
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionOutcome
	for rows.Next() {
		var (
			o                              models.ExecutionOutcome
			ruleName, reason, dest, output sql.NullString
			action, result                 string
			exitCode                       sql.NullInt64
			ts                             int64
		)
		if err := rows.Scan(&o.RuleID, &ruleName, &o.Path, &action, &result, &reason, &dest, &output, &exitCode, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(action), &o.Action); err != nil {
			return nil, fmt.Errorf("failed to decode action: %w", err)
		}
		o.RuleName = ruleName.String
		o.Result = models.OutcomeResult(result)
		o.Reason = reason.String
		o.Destination = dest.String
		o.Output = output.String
		o.ExitCode = int(exitCode.Int64)
		o.Timestamp = time.Unix(0, ts)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []models.ExecutionOutcome{}
	}
	return out, nil
}

// Count returns the number of stored outcomes
func (h *HistoryDB) Count(ctx context.Context) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outcomes").Scan(&n)
	return n, err
}

// Prune deletes everything but the newest retention outcomes
func (h *HistoryDB) Prune(ctx context.Context) (int64, error) {
	var removed int64
	err := h.writeQueue.SubmitTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM outcomes WHERE id NOT IN
			(SELECT id FROM outcomes ORDER BY ts DESC, id DESC LIMIT ?)`, h.retention)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	if removed > 0 {
		log.WithField("removed", removed).Info("Pruned outcome history")
	}
	return removed, nil
}
