package auditinfra

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/logx"
)

const tablePrefix = "auth_events_"

// PostgresEventStore keeps one table per UTC day (auth_events_20260824).
// Retention eviction drops whole tables, which is instant regardless of row
// count.
type PostgresEventStore struct {
	db *sqlx.DB

	mu     sync.Mutex
	tables map[string]bool // day tables known to exist
}

func NewPostgresEventStore(db *sqlx.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db, tables: make(map[string]bool)}
}

type eventRow struct {
	ID        string    `db:"id"`
	Type      string    `db:"event_type"`
	Timestamp time.Time `db:"ts"`
	Subject   string    `db:"subject"`
	Actor     string    `db:"actor"`
	Resource  string    `db:"resource"`
	Payload   []byte    `db:"payload"`
	IP        string    `db:"ip"`
	UAHash    string    `db:"ua_hash"`
	RiskScore int       `db:"risk_score"`
}

func toRow(e audit.Event) (eventRow, error) {
	payload := []byte("{}")
	if len(e.Payload) > 0 {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return eventRow{}, errx.Wrap(err, "encoding audit payload", errx.TypeInternal)
		}
	}
	return eventRow{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC(),
		Subject:   e.Subject,
		Actor:     e.Actor,
		Resource:  e.Resource,
		Payload:   payload,
		IP:        e.IP,
		UAHash:    e.UserAgentHash,
		RiskScore: e.RiskScore,
	}, nil
}

func (r eventRow) toDomain() audit.Event {
	e := audit.Event{
		ID:            r.ID,
		Type:          r.Type,
		Timestamp:     r.Timestamp.UTC(),
		Subject:       r.Subject,
		Actor:         r.Actor,
		Resource:      r.Resource,
		IP:            r.IP,
		UserAgentHash: r.UAHash,
		RiskScore:     r.RiskScore,
	}
	if len(r.Payload) > 0 && string(r.Payload) != "{}" {
		if err := json.Unmarshal(r.Payload, &e.Payload); err != nil {
			logx.WithError(err).WithField("event_id", r.ID).Warn("corrupt audit payload")
		}
	}
	return e
}

func tableFor(ts time.Time) string {
	return tablePrefix + ts.UTC().Format("20060102")
}

func (s *PostgresEventStore) ensureTable(ctx context.Context, table string) error {
	s.mu.Lock()
	known := s.tables[table]
	s.mu.Unlock()
	if known {
		return nil
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         UUID PRIMARY KEY,
			event_type TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			subject    TEXT NOT NULL DEFAULT '',
			actor      TEXT NOT NULL DEFAULT '',
			resource   TEXT NOT NULL DEFAULT '',
			payload    JSONB NOT NULL DEFAULT '{}',
			ip         TEXT NOT NULL DEFAULT '',
			ua_hash    TEXT NOT NULL DEFAULT '',
			risk_score INT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS %s_subject_idx ON %s (subject, ts);
		CREATE INDEX IF NOT EXISTS %s_type_idx ON %s (event_type, ts)`,
		table, table, table, table, table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return errx.Wrap(err, "creating audit partition", errx.TypeDependency).WithDetail("table", table)
	}

	s.mu.Lock()
	s.tables[table] = true
	s.mu.Unlock()
	return nil
}

func (s *PostgresEventStore) Append(ctx context.Context, event audit.Event) error {
	table := tableFor(event.Timestamp)
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}
	row, err := toRow(event)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, event_type, ts, subject, actor, resource, payload, ip, ua_hash, risk_score)
		VALUES (:id, :event_type, :ts, :subject, :actor, :resource, :payload, :ip, :ua_hash, :risk_score)`, table)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errx.Wrap(err, "appending audit event", errx.TypeDependency).WithDetail("table", table)
	}
	return nil
}

func (s *PostgresEventStore) AppendBatch(ctx context.Context, events []audit.Event) error {
	// Events in one batch can straddle midnight; group per table.
	byTable := make(map[string][]eventRow)
	for _, e := range events {
		row, err := toRow(e)
		if err != nil {
			return err
		}
		table := tableFor(e.Timestamp)
		byTable[table] = append(byTable[table], row)
	}

	for table, rows := range byTable {
		if err := s.ensureTable(ctx, table); err != nil {
			return err
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (id, event_type, ts, subject, actor, resource, payload, ip, ua_hash, risk_score)
			VALUES (:id, :event_type, :ts, :subject, :actor, :resource, :payload, :ip, :ua_hash, :risk_score)`, table)
		if _, err := s.db.NamedExecContext(ctx, query, rows); err != nil {
			return errx.Wrap(err, "appending audit batch", errx.TypeDependency).WithDetail("table", table)
		}
	}
	return nil
}

// partitions lists existing day tables, oldest first.
func (s *PostgresEventStore) partitions(ctx context.Context) ([]string, error) {
	var names []string
	query := `SELECT tablename FROM pg_tables WHERE schemaname = current_schema() AND tablename LIKE $1 ORDER BY tablename`
	if err := s.db.SelectContext(ctx, &names, query, tablePrefix+"%"); err != nil {
		return nil, errx.Wrap(err, "listing audit partitions", errx.TypeDependency)
	}
	return names, nil
}

func partitionDay(table string) (time.Time, bool) {
	day, err := time.Parse("20060102", strings.TrimPrefix(table, tablePrefix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func (s *PostgresEventStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	tables, err := s.partitions(ctx)
	if err != nil {
		return nil, err
	}
	// Newest partitions first so Limit returns the most recent events.
	sort.Sort(sort.Reverse(sort.StringSlice(tables)))

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	var out []audit.Event
	for _, table := range tables {
		day, ok := partitionDay(table)
		if !ok {
			continue
		}
		if !filter.From.IsZero() && day.Before(filter.From.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if !filter.To.IsZero() && day.After(filter.To) {
			continue
		}

		conds := []string{"TRUE"}
		args := map[string]any{}
		if filter.Subject != "" {
			conds = append(conds, "subject = :subject")
			args["subject"] = filter.Subject
		}
		if filter.Type != "" {
			conds = append(conds, "event_type = :event_type")
			args["event_type"] = filter.Type
		}
		if !filter.From.IsZero() {
			conds = append(conds, "ts >= :from")
			args["from"] = filter.From.UTC()
		}
		if !filter.To.IsZero() {
			conds = append(conds, "ts <= :to")
			args["to"] = filter.To.UTC()
		}
		args["limit"] = limit - len(out)

		query := fmt.Sprintf(`SELECT * FROM %s WHERE %s ORDER BY ts DESC LIMIT :limit`,
			table, strings.Join(conds, " AND "))
		named, nargs, err := s.db.BindNamed(query, args)
		if err != nil {
			return nil, errx.Wrap(err, "binding audit query", errx.TypeInternal)
		}
		var rows []eventRow
		if err := s.db.SelectContext(ctx, &rows, named, nargs...); err != nil {
			return nil, errx.Wrap(err, "querying audit partition", errx.TypeDependency).WithDetail("table", table)
		}
		for _, row := range rows {
			out = append(out, row.toDomain())
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *PostgresEventStore) DropPartitionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tables, err := s.partitions(ctx)
	if err != nil {
		return 0, err
	}

	cutoffDay := cutoff.UTC().Truncate(24 * time.Hour)
	dropped := 0
	for _, table := range tables {
		day, ok := partitionDay(table)
		if !ok || !day.Before(cutoffDay) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return dropped, errx.Wrap(err, "dropping audit partition", errx.TypeDependency).WithDetail("table", table)
		}
		s.mu.Lock()
		delete(s.tables, table)
		s.mu.Unlock()
		dropped++
		logx.WithField("table", table).Info("audit partition evicted")
	}
	return dropped, nil
}
