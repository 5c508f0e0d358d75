package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/camberville/eventline/internal/db"
	"github.com/camberville/eventline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot ingestion paths.
var preparedStatements = map[string]string{
	"find_by_source_key": `SELECT ` + eventColumns + ` FROM events WHERE source = $1 AND external_id = $2`,
	"find_by_dedup_key":  `SELECT ` + eventColumns + ` FROM events WHERE start_date = $1 AND end_date IS NOT DISTINCT FROM $2 AND address IS NOT DISTINCT FROM $3`,
	"get_event":          `SELECT ` + eventColumns + ` FROM events WHERE id = $1`,
	"get_event_types":    `SELECT type_name FROM event_event_types WHERE event_id = $1 ORDER BY type_name`,
	"claim_key":          `INSERT INTO idempotency_keys (key, status, created_at) VALUES ($1, 'pending', now()) ON CONFLICT (key) DO NOTHING`,
	"get_key":            `SELECT key, status, event_id, failure, created_at FROM idempotency_keys WHERE key = $1`,
}

const eventColumns = `id, name, description, start_date, end_date, address, place_id, location_name, source, external_id, confidence, age_restrictions, price, url, created_at, updated_at`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS sources (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS event_types (
	name TEXT PRIMARY KEY
);

INSERT INTO event_types (name) VALUES ('Other') ON CONFLICT (name) DO NOTHING;

CREATE TABLE IF NOT EXISTS events (
	id               BIGSERIAL PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	start_date       TIMESTAMPTZ NOT NULL,
	end_date         TIMESTAMPTZ,
	address          TEXT,
	place_id         TEXT,
	location_name    TEXT,
	source           TEXT NOT NULL REFERENCES sources(name),
	external_id      TEXT,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	age_restrictions TEXT,
	price            DOUBLE PRECISION,
	url              TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE NULLS NOT DISTINCT (start_date, end_date, address)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_source_external
	ON events(source, external_id) WHERE external_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_events_start_date ON events(start_date);
CREATE INDEX IF NOT EXISTS idx_events_place_start ON events(place_id, start_date) WHERE place_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_events_name_trgm ON events USING gin (name gin_trgm_ops);

CREATE TABLE IF NOT EXISTS event_event_types (
	event_id  BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	type_name TEXT NOT NULL REFERENCES event_types(name),
	PRIMARY KEY (event_id, type_name)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	event_id   BIGINT REFERENCES events(id),
	failure    TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var ev model.Event
	err := row.Scan(
		&ev.ID, &ev.Name, &ev.Description, &ev.StartDate, &ev.EndDate,
		&ev.Address, &ev.PlaceID, &ev.LocationName, &ev.Source, &ev.ExternalID,
		&ev.Confidence, &ev.AgeRestrictions, &ev.Price, &ev.URL,
		&ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *PostgresStore) loadEventTypes(ctx context.Context, ev *model.Event) error {
	rows, err := s.pool.Query(ctx,
		`SELECT type_name FROM event_event_types WHERE event_id = $1 ORDER BY type_name`,
		ev.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: load types for event %d", ev.ID)
	}
	defer rows.Close()

	ev.EventTypes = nil
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return eris.Wrap(err, "postgres: scan type name")
		}
		ev.EventTypes = append(ev.EventTypes, name)
	}
	return eris.Wrap(rows.Err(), "postgres: load types iterate")
}

func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get event %d", id)
	}
	if err := s.loadEventTypes(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) FindBySourceKey(ctx context.Context, source, externalID string) (*model.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source = $1 AND external_id = $2`,
		source, externalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find by source key %s/%s", source, externalID)
	}
	if err := s.loadEventTypes(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) FindByDedupKey(ctx context.Context, start time.Time, end *time.Time, address *string) (*model.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE start_date = $1 AND end_date IS NOT DISTINCT FROM $2 AND address IS NOT DISTINCT FROM $3`,
		start, end, address,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find by dedup key")
	}
	if err := s.loadEventTypes(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// FindByPlaceWindow returns events at the same place whose start time falls
// within the window around start. A trigram prefilter keeps the candidate
// set small; the caller applies the final similarity check in-process.
func (s *PostgresStore) FindByPlaceWindow(ctx context.Context, placeID, name string, start time.Time, window time.Duration) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE place_id = $1
		   AND start_date BETWEEN $2 AND $3
		   AND similarity(name, $4) > 0.3
		 ORDER BY start_date`,
		placeID, start.Add(-window), start.Add(window), name,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by place window")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: place window iterate")
	}
	for i := range events {
		if err := s.loadEventTypes(ctx, &events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin insert")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO events (name, description, start_date, end_date, address, place_id, location_name, source, external_id, confidence, age_restrictions, price, url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, created_at, updated_at`,
		ev.Name, ev.Description, ev.StartDate, ev.EndDate, ev.Address,
		ev.PlaceID, ev.LocationName, ev.Source, ev.ExternalID, ev.Confidence,
		ev.AgeRestrictions, ev.Price, ev.URL,
	).Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, eris.Wrap(err, "postgres: insert event")
	}

	for _, t := range ev.EventTypes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_event_types (event_id, type_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			ev.ID, t,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: insert event type %s", t)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, eris.Wrap(err, "postgres: commit insert")
	}
	return ev, nil
}

// UpsertBySourceKey writes an event keyed by (source, external_id) with
// last-write-wins semantics within the lane.
func (s *PostgresStore) UpsertBySourceKey(ctx context.Context, ev *model.Event) (*model.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin upsert")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO events (name, description, start_date, end_date, address, place_id, location_name, source, external_id, confidence, age_restrictions, price, url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (source, external_id) WHERE external_id IS NOT NULL DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   start_date = EXCLUDED.start_date,
		   end_date = EXCLUDED.end_date,
		   address = EXCLUDED.address,
		   place_id = COALESCE(EXCLUDED.place_id, events.place_id),
		   location_name = COALESCE(EXCLUDED.location_name, events.location_name),
		   confidence = EXCLUDED.confidence,
		   age_restrictions = COALESCE(EXCLUDED.age_restrictions, events.age_restrictions),
		   price = COALESCE(EXCLUDED.price, events.price),
		   url = COALESCE(EXCLUDED.url, events.url),
		   updated_at = now()
		 RETURNING id, created_at, updated_at`,
		ev.Name, ev.Description, ev.StartDate, ev.EndDate, ev.Address,
		ev.PlaceID, ev.LocationName, ev.Source, ev.ExternalID, ev.Confidence,
		ev.AgeRestrictions, ev.Price, ev.URL,
	).Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, eris.Wrap(err, "postgres: upsert by source key")
	}

	for _, t := range ev.EventTypes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_event_types (event_id, type_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			ev.ID, t,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert event type %s", t)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit upsert")
	}
	return ev, nil
}

// MergeEvent persists merged fields onto an existing row and unions its
// type labels.
func (s *PostgresStore) MergeEvent(ctx context.Context, ev *model.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin merge")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE events SET
		   name = $1, description = $2, end_date = $3, address = $4,
		   place_id = $5, location_name = $6, confidence = $7,
		   age_restrictions = $8, price = $9, url = $10, updated_at = now()
		 WHERE id = $11`,
		ev.Name, ev.Description, ev.EndDate, ev.Address, ev.PlaceID,
		ev.LocationName, ev.Confidence, ev.AgeRestrictions, ev.Price, ev.URL,
		ev.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: merge event %d", ev.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("event not found: %d", ev.ID)
	}

	for _, t := range ev.EventTypes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_event_types (event_id, type_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			ev.ID, t,
		); err != nil {
			return eris.Wrapf(err, "postgres: merge event type %s", t)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit merge")
}

func (s *PostgresStore) ListUpcoming(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE start_date >= now() ORDER BY start_date LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list upcoming")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list upcoming iterate")
	}
	for i := range events {
		if err := s.loadEventTypes(ctx, &events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *PostgresStore) listNames(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM `+table+` ORDER BY name`)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", table)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", table)
		}
		names = append(names, n)
	}
	return names, eris.Wrapf(rows.Err(), "postgres: list %s iterate", table)
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]string, error) {
	return s.listNames(ctx, "sources")
}

func (s *PostgresStore) ListEventTypes(ctx context.Context) ([]string, error) {
	return s.listNames(ctx, "event_types")
}

func (s *PostgresStore) AddSource(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sources (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	return eris.Wrapf(err, "postgres: add source %s", name)
}

func (s *PostgresStore) AddEventType(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO event_types (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	return eris.Wrapf(err, "postgres: add event type %s", name)
}

// ClaimIdempotencyKey inserts a pending claim row. Returns true when this
// caller won the claim, false when the key already exists.
func (s *PostgresStore) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, status, created_at) VALUES ($1, 'pending', now())
		 ON CONFLICT (key) DO NOTHING`,
		key,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim key %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ResolveIdempotencyKey(ctx context.Context, key string, status model.IdempotencyStatus, eventID *int64, failure string) error {
	var failureArg *string
	if failure != "" {
		failureArg = &failure
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET status = $1, event_id = $2, failure = $3 WHERE key = $4`,
		string(status), eventID, failureArg, key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve key %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("idempotency key not found: %s", key)
	}
	return nil
}

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	var failure *string
	err := s.pool.QueryRow(ctx,
		`SELECT key, status, event_id, failure, created_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.Status, &rec.EventID, &failure, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get key %s", key)
	}
	if failure != nil {
		rec.Failure = *failure
	}
	return &rec, nil
}

func (s *PostgresStore) Stats(ctx context.Context, lookback time.Duration) (*Stats, error) {
	st := &Stats{
		EventsBySource: map[string]int{},
		KeysByStatus:   map[string]int{},
		Lookback:       lookback,
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.TotalEvents); err != nil {
		return nil, eris.Wrap(err, "postgres: count events")
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE start_date >= now()`).Scan(&st.UpcomingEvents); err != nil {
		return nil, eris.Wrap(err, "postgres: count upcoming")
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE place_id IS NULL`).Scan(&st.MissingPlace); err != nil {
		return nil, eris.Wrap(err, "postgres: count missing place")
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE created_at >= now() - $1::interval`,
		lookback.String()).Scan(&st.IngestedSince); err != nil {
		return nil, eris.Wrap(err, "postgres: count recent")
	}

	rows, err := s.pool.Query(ctx, `SELECT source, COUNT(*) FROM events GROUP BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by source")
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source count")
		}
		st.EventsBySource[src] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: source counts iterate")
	}

	keyRows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM idempotency_keys GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count keys")
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var status string
		var n int
		if err := keyRows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan key count")
		}
		st.KeysByStatus[status] = n
	}
	return st, eris.Wrap(keyRows.Err(), "postgres: key counts iterate")
}
