package approval

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ayatoki/aihub/internal/memstore"
)

// SQLAudit persists approval records through the memory-service SQL
// gateway.
type SQLAudit struct {
	db memstore.SQLClient
}

func NewSQLAudit(db memstore.SQLClient) *SQLAudit {
	return &SQLAudit{db: db}
}

func (a *SQLAudit) Write(ctx context.Context, rec Record) error {
	return a.db.Exec(ctx, `INSERT INTO approval_log
		(phase, context, experiment, production_impact, urgent,
		 implementation_summary, test_result, error_report,
		 approved, reason, raw_response, elapsed_ms, timed_out, had_error, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Phase, rec.Context, b2i(rec.Experiment), b2i(rec.ProductionImpact), b2i(rec.Urgent),
		rec.ImplementationSummary, rec.TestResult, rec.ErrorReport,
		b2i(rec.Approved), rec.Reason, rec.RawResponse,
		rec.Elapsed.Milliseconds(), b2i(rec.TimedOut), b2i(rec.HadError),
		rec.DecidedAt.UTC().Format(time.RFC3339))
}

// Stats summarizes the audit log for the status command.
type Stats struct {
	Total    int64
	Approved int64
	TimedOut int64
	Errored  int64
}

func (a *SQLAudit) Stats(ctx context.Context) (Stats, error) {
	rows, err := a.db.Query(ctx, `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(approved), 0) AS approved,
		COALESCE(SUM(timed_out), 0) AS timed_out,
		COALESCE(SUM(had_error), 0) AS had_error
		FROM approval_log`)
	if err != nil {
		return Stats{}, err
	}
	if len(rows) == 0 {
		return Stats{}, nil
	}
	r := rows[0]
	return Stats{
		Total:    toInt64(r["total"]),
		Approved: toInt64(r["approved"]),
		TimedOut: toInt64(r["timed_out"]),
		Errored:  toInt64(r["had_error"]),
	}, nil
}

// toInt64 mirrors the gateway's loose numeric decoding: depending on
// the build, aggregate columns arrive as float64, int64, or strings.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i
	}
	return 0
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
