package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"StratSplit/internal/domain/models"
	domrepo "StratSplit/internal/domain/repository"
	pkgch "StratSplit/pkg/clickhouse"
	applogger "StratSplit/pkg/logger"
)

const (
	observationsTable = "experiment_observations"
	decisionsTable    = "experiment_decisions"
	// rows per INSERT statement
	chunkSize = 2000
)

// JournalSchema is the DDL for the audit tables.
var JournalSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + observationsTable + ` (
        ts          DateTime64(3, 'UTC'),
        experiment  LowCardinality(String),
        variant     LowCardinality(String),
        trade_id    String,
        pnl         Float64,
        latency_us  UInt64
    ) ENGINE = MergeTree
    PARTITION BY toYYYYMM(ts)
    ORDER BY (experiment, variant, ts)`,
	`CREATE TABLE IF NOT EXISTS ` + decisionsTable + ` (
        ts          DateTime64(3, 'UTC'),
        id          String,
        experiment  LowCardinality(String),
        run_id      String,
        kind        LowCardinality(String),
        winner      String,
        p_value     Float64,
        reason      String,
        report      String
    ) ENGINE = ReplacingMergeTree
    ORDER BY (experiment, run_id)`,
}

// ClickHouseJournal stores observations and stop decisions for audit.
type ClickHouseJournal struct {
	db *sql.DB
	l  *applogger.Logger
}

func NewClickHouseJournal(ch *pkgch.Client, l *applogger.Logger) *ClickHouseJournal {
	return newJournal(ch.DB(), l)
}

func newJournal(db *sql.DB, l *applogger.Logger) *ClickHouseJournal {
	if l == nil {
		l = applogger.Nop()
	}
	return &ClickHouseJournal{db: db, l: l}
}

// Init creates the audit tables if they do not exist.
func (j *ClickHouseJournal) Init(ctx context.Context) error {
	for _, stmt := range JournalSchema {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init journal schema: %w", err)
		}
	}
	return nil
}

func (j *ClickHouseJournal) StoreObservations(ctx context.Context, obs []models.TradeObservation) error {
	if len(obs) == 0 {
		return nil
	}
	for start := 0; start < len(obs); start += chunkSize {
		end := min(start+chunkSize, len(obs))

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*6)
		for _, o := range obs[start:end] {
			if o.Experiment == "" || o.Variant == "" {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?)")
			args = append(args,
				o.Timestamp.UTC(),
				o.Experiment,
				o.Variant,
				o.TradeID,
				o.PnL,
				uint64(o.Latency.Microseconds()),
			)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (ts, experiment, variant, trade_id, pnl, latency_us) VALUES %s",
			observationsTable, strings.Join(values, ","))
		if _, err := j.db.ExecContext(ctx, q, args...); err != nil {
			j.l.Error("clickhouse observation insert error",
				applogger.Int("rows", len(values)),
				applogger.Error(err),
			)
			return fmt.Errorf("store observations: %w", err)
		}
	}
	return nil
}

func (j *ClickHouseJournal) StoreDecision(ctx context.Context, d *models.StopDecision) error {
	if d == nil {
		return nil
	}
	reason, err := json.Marshal(d.Reason)
	if err != nil {
		return fmt.Errorf("encode reason: %w", err)
	}
	var report []byte
	if d.Report != nil {
		if report, err = json.Marshal(d.Report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	}
	ts := d.Reason.At
	if ts.IsZero() {
		ts = time.Now()
	}
	q := fmt.Sprintf("INSERT INTO %s (ts, id, experiment, run_id, kind, winner, p_value, reason, report) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		decisionsTable)
	_, err = j.db.ExecContext(ctx, q,
		ts.UTC(),
		d.ID,
		d.Experiment,
		d.RunID,
		d.Reason.Kind.String(),
		d.Reason.Winner,
		d.Reason.PValue,
		string(reason),
		string(report),
	)
	if err != nil {
		j.l.Error("clickhouse decision insert error",
			applogger.String("experiment", d.Experiment),
			applogger.Error(err),
		)
		return fmt.Errorf("store decision: %w", err)
	}
	return nil
}

func (j *ClickHouseJournal) Health(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

var (
	_ domrepo.ObservationSink = (*ClickHouseJournal)(nil)
	_ domrepo.DecisionJournal = (*ClickHouseJournal)(nil)
)
