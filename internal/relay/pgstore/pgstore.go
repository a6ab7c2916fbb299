// Package pgstore provides a PostgreSQL implementation of relay.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

var tracer = otel.Tracer("github.com/linnemanlabs/alertrelay/internal/relay/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts and their actions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const (
	alertColumns  = `id, source, message, severity, confidence, classify_error, rule, status, created_at, updated_at`
	actionColumns = `alert_id, kind, seq, state, target_ref, attempts, last_error, updated_at`
)

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Save upserts the alert row and each of its actions in one transaction.
func (s *Store) Save(ctx context.Context, a *relay.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.Save", "UPSERT")
	defer span.End()
	span.SetAttributes(
		attribute.String("alertrelay.alert.id", a.ID),
		attribute.Int("alertrelay.alert.actions", len(a.Actions)),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertAlert(ctx, tx, a); err != nil {
		return fail(span, err)
	}
	for i := range a.Actions {
		if err := upsertAction(ctx, tx, &a.Actions[i]); err != nil {
			return fail(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Get retrieves an alert with its actions.
func (s *Store) Get(ctx context.Context, id string) (*relay.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if a == nil {
		return nil, false, nil
	}

	if err := s.loadActions(ctx, []*relay.Alert{a}); err != nil {
		return nil, false, fail(span, err)
	}
	return a, true, nil
}

// Query returns alerts matching f ordered by created_at DESC, id ASC.
func (s *Store) Query(ctx context.Context, f relay.Filter) ([]*relay.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.Query", "SELECT")
	defer span.End()

	where, args := buildWhere(f)
	query := `SELECT ` + alertColumns + ` FROM alerts` + where + ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*relay.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	rows.Close()

	if err := s.loadActions(ctx, out); err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// RecordAction upserts one action. The alert row must already exist.
func (s *Store) RecordAction(ctx context.Context, act *relay.Action) error {
	ctx, span := startSpan(ctx, "pgstore.RecordAction", "UPSERT")
	defer span.End()
	span.SetAttributes(
		attribute.String("alertrelay.alert.id", act.AlertID),
		attribute.String("alertrelay.action.kind", string(act.Kind)),
		attribute.String("alertrelay.action.state", string(act.State)),
	)

	if err := upsertAction(ctx, s.pool, act); err != nil {
		return fail(span, err)
	}
	return nil
}

// DeliveredAction returns the delivered action of kind for an alert, if any.
func (s *Store) DeliveredAction(ctx context.Context, alertID string, kind relay.ActionKind) (*relay.Action, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.DeliveredAction", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE alert_id = $1 AND kind = $2 AND state = $3`,
		alertID, string(kind), string(relay.ActionDelivered),
	)
	act, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return act, true, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertAlert(ctx context.Context, db execer, a *relay.Alert) error {
	_, err := db.Exec(ctx, `INSERT INTO alerts (`+alertColumns+`)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO UPDATE SET
		severity       = EXCLUDED.severity,
		confidence     = EXCLUDED.confidence,
		classify_error = EXCLUDED.classify_error,
		rule           = EXCLUDED.rule,
		status         = EXCLUDED.status,
		updated_at     = EXCLUDED.updated_at`,
		a.ID, a.Source, a.Message, string(a.Severity), a.Confidence, a.ClassifyError, a.Rule,
		string(a.Status), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", a.ID, err)
	}
	return nil
}

func upsertAction(ctx context.Context, db execer, act *relay.Action) error {
	_, err := db.Exec(ctx, `INSERT INTO actions (`+actionColumns+`)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (alert_id, kind) DO UPDATE SET
		seq        = EXCLUDED.seq,
		state      = EXCLUDED.state,
		target_ref = EXCLUDED.target_ref,
		attempts   = EXCLUDED.attempts,
		last_error = EXCLUDED.last_error,
		updated_at = EXCLUDED.updated_at`,
		act.AlertID, string(act.Kind), act.Seq, string(act.State), act.TargetRef,
		act.Attempts, act.LastError, act.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert action %s/%s: %w", act.AlertID, act.Kind, err)
	}
	return nil
}

// loadActions attaches actions to alerts with a single query.
func (s *Store) loadActions(ctx context.Context, alerts []*relay.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	byID := make(map[string]*relay.Alert, len(alerts))
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE alert_id = ANY($1) ORDER BY alert_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return err
		}
		if a := byID[act.AlertID]; a != nil {
			a.Actions = append(a.Actions, *act)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate actions: %w", err)
	}
	return nil
}

// buildWhere renders filter clauses with positional parameters only.
func buildWhere(f relay.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Severity != "" {
		add(`severity ILIKE $%d ESCAPE '\'`, relay.LikePattern(f.Severity))
	}
	if f.Source != "" {
		add(`source ILIKE $%d ESCAPE '\'`, relay.LikePattern(f.Source))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add(`status = ANY($%d)`, statuses)
	}
	if !f.CreatedFrom.IsZero() {
		add(`created_at >= $%d`, f.CreatedFrom.UTC())
	}
	if !f.CreatedTo.IsZero() {
		add(`created_at <= $%d`, f.CreatedTo.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scanAlert scans one alert row (without actions). Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*relay.Alert, error) {
	var (
		a        relay.Alert
		severity string
		status   string
	)
	err := row.Scan(&a.ID, &a.Source, &a.Message, &severity, &a.Confidence, &a.ClassifyError,
		&a.Rule, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Severity = relay.Severity(severity)
	a.Status = relay.Status(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func scanAction(row pgx.Row) (*relay.Action, error) {
	var (
		act   relay.Action
		kind  string
		state string
	)
	err := row.Scan(&act.AlertID, &kind, &act.Seq, &state, &act.TargetRef, &act.Attempts, &act.LastError, &act.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan action: %w", err)
	}
	act.Kind = relay.ActionKind(kind)
	act.State = relay.ActionState(state)
	act.UpdatedAt = act.UpdatedAt.UTC()
	return &act, nil
}

var _ relay.Store = (*Store)(nil)
