package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/camberville/eventline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite for local and
// offline use. Fuzzy-tier lookups skip the trigram prefilter; the resolver
// applies the same in-process similarity check either way.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS event_types (
	name TEXT PRIMARY KEY
);

INSERT INTO event_types (name) VALUES ('Other') ON CONFLICT (name) DO NOTHING;

CREATE TABLE IF NOT EXISTS events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	start_date       DATETIME NOT NULL,
	end_date         DATETIME,
	address          TEXT,
	place_id         TEXT,
	location_name    TEXT,
	source           TEXT NOT NULL REFERENCES sources(name),
	external_id      TEXT,
	confidence       REAL NOT NULL DEFAULT 0,
	age_restrictions TEXT,
	price            REAL,
	url              TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup
	ON events(start_date, COALESCE(end_date, ''), COALESCE(address, ''));
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_source_external
	ON events(source, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_events_start_date ON events(start_date);
CREATE INDEX IF NOT EXISTS idx_events_place_start ON events(place_id, start_date) WHERE place_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS event_event_types (
	event_id  INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	type_name TEXT NOT NULL REFERENCES event_types(name),
	PRIMARY KEY (event_id, type_name)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'pending',
	event_id   INTEGER REFERENCES events(id),
	failure    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const sqliteEventColumns = `id, name, description, start_date, end_date, address, place_id, location_name, source, external_id, confidence, age_restrictions, price, url, created_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row scannable) (*model.Event, error) {
	var ev model.Event
	var endDate sql.NullTime
	var address, placeID, locationName, externalID, ageRestrictions, url sql.NullString
	var price sql.NullFloat64

	err := row.Scan(
		&ev.ID, &ev.Name, &ev.Description, &ev.StartDate, &endDate,
		&address, &placeID, &locationName, &ev.Source, &externalID,
		&ev.Confidence, &ageRestrictions, &price, &url,
		&ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endDate.Valid {
		t := endDate.Time
		ev.EndDate = &t
	}
	ev.Address = nullString(address)
	ev.PlaceID = nullString(placeID)
	ev.LocationName = nullString(locationName)
	ev.ExternalID = nullString(externalID)
	ev.AgeRestrictions = nullString(ageRestrictions)
	ev.URL = nullString(url)
	if price.Valid {
		v := price.Float64
		ev.Price = &v
	}
	return &ev, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func (s *SQLiteStore) loadEventTypes(ctx context.Context, ev *model.Event) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type_name FROM event_event_types WHERE event_id = ? ORDER BY type_name`,
		ev.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: load types for event %d", ev.ID)
	}
	defer rows.Close()

	ev.EventTypes = nil
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return eris.Wrap(err, "sqlite: scan type name")
		}
		ev.EventTypes = append(ev.EventTypes, name)
	}
	return eris.Wrap(rows.Err(), "sqlite: load types iterate")
}

func (s *SQLiteStore) getEvent(ctx context.Context, query string, args ...any) (*model.Event, error) {
	ev, err := scanSQLiteEvent(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := s.loadEventTypes(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	ev, err := s.getEvent(ctx,
		`SELECT `+sqliteEventColumns+` FROM events WHERE id = ?`, id)
	return ev, eris.Wrapf(err, "sqlite: get event %d", id)
}

func (s *SQLiteStore) FindBySourceKey(ctx context.Context, source, externalID string) (*model.Event, error) {
	ev, err := s.getEvent(ctx,
		`SELECT `+sqliteEventColumns+` FROM events WHERE source = ? AND external_id = ?`,
		source, externalID)
	return ev, eris.Wrapf(err, "sqlite: find by source key %s/%s", source, externalID)
}

func (s *SQLiteStore) FindByDedupKey(ctx context.Context, start time.Time, end *time.Time, address *string) (*model.Event, error) {
	// SQLite's IS operator is null-aware.
	ev, err := s.getEvent(ctx,
		`SELECT `+sqliteEventColumns+` FROM events
		 WHERE start_date = ? AND end_date IS ? AND address IS ?`,
		start.UTC(), nullableTime(end), nullableString(address))
	return ev, eris.Wrap(err, "sqlite: find by dedup key")
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func (s *SQLiteStore) FindByPlaceWindow(ctx context.Context, placeID, name string, start time.Time, window time.Duration) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM events
		 WHERE place_id = ? AND start_date BETWEEN ? AND ?
		 ORDER BY start_date`,
		placeID, start.Add(-window).UTC(), start.Add(window).UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by place window")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: place window iterate")
	}
	for i := range events {
		if err := s.loadEventTypes(ctx, &events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *SQLiteStore) insertTypes(ctx context.Context, tx *sql.Tx, eventID int64, types []string) error {
	for _, t := range types {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_event_types (event_id, type_name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			eventID, t,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert event type %s", t)
		}
	}
	return nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin insert")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (name, description, start_date, end_date, address, place_id, location_name, source, external_id, confidence, age_restrictions, price, url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Name, ev.Description, ev.StartDate.UTC(), nullableTime(ev.EndDate),
		nullableString(ev.Address), nullableString(ev.PlaceID), nullableString(ev.LocationName),
		ev.Source, nullableString(ev.ExternalID), ev.Confidence,
		nullableString(ev.AgeRestrictions), ev.Price, nullableString(ev.URL), now, now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, eris.Wrap(err, "sqlite: insert event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last insert id")
	}
	ev.ID = id
	ev.CreatedAt = now
	ev.UpdatedAt = now

	if err := s.insertTypes(ctx, tx, ev.ID, ev.EventTypes); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, eris.Wrap(err, "sqlite: commit insert")
	}
	return ev, nil
}

func (s *SQLiteStore) UpsertBySourceKey(ctx context.Context, ev *model.Event) (*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (name, description, start_date, end_date, address, place_id, location_name, source, external_id, confidence, age_restrictions, price, url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, external_id) WHERE external_id IS NOT NULL DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   start_date = excluded.start_date,
		   end_date = excluded.end_date,
		   address = excluded.address,
		   place_id = COALESCE(excluded.place_id, events.place_id),
		   location_name = COALESCE(excluded.location_name, events.location_name),
		   confidence = excluded.confidence,
		   age_restrictions = COALESCE(excluded.age_restrictions, events.age_restrictions),
		   price = COALESCE(excluded.price, events.price),
		   url = COALESCE(excluded.url, events.url),
		   updated_at = excluded.updated_at
		 RETURNING id`,
		ev.Name, ev.Description, ev.StartDate.UTC(), nullableTime(ev.EndDate),
		nullableString(ev.Address), nullableString(ev.PlaceID), nullableString(ev.LocationName),
		ev.Source, nullableString(ev.ExternalID), ev.Confidence,
		nullableString(ev.AgeRestrictions), ev.Price, nullableString(ev.URL), now, now,
	).Scan(&id)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, eris.Wrap(err, "sqlite: upsert by source key")
	}
	ev.ID = id
	ev.UpdatedAt = now

	if err := s.insertTypes(ctx, tx, ev.ID, ev.EventTypes); err != nil {
		return nil, err
	}
	return ev, eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) MergeEvent(ctx context.Context, ev *model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin merge")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE events SET
		   name = ?, description = ?, end_date = ?, address = ?,
		   place_id = ?, location_name = ?, confidence = ?,
		   age_restrictions = ?, price = ?, url = ?, updated_at = ?
		 WHERE id = ?`,
		ev.Name, ev.Description, nullableTime(ev.EndDate), nullableString(ev.Address),
		nullableString(ev.PlaceID), nullableString(ev.LocationName), ev.Confidence,
		nullableString(ev.AgeRestrictions), ev.Price, nullableString(ev.URL),
		time.Now().UTC(), ev.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: merge event %d", ev.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("event not found: %d", ev.ID)
	}

	if err := s.insertTypes(ctx, tx, ev.ID, ev.EventTypes); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit merge")
}

func (s *SQLiteStore) ListUpcoming(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM events
		 WHERE start_date >= ? ORDER BY start_date LIMIT ?`,
		time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list upcoming")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list upcoming iterate")
	}
	for i := range events {
		if err := s.loadEventTypes(ctx, &events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *SQLiteStore) listNames(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM `+table+` ORDER BY name`)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", table)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", table)
		}
		names = append(names, n)
	}
	return names, eris.Wrapf(rows.Err(), "sqlite: list %s iterate", table)
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]string, error) {
	return s.listNames(ctx, "sources")
}

func (s *SQLiteStore) ListEventTypes(ctx context.Context) ([]string, error) {
	return s.listNames(ctx, "event_types")
}

func (s *SQLiteStore) AddSource(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name)
	return eris.Wrapf(err, "sqlite: add source %s", name)
}

func (s *SQLiteStore) AddEventType(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_types (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name)
	return eris.Wrapf(err, "sqlite: add event type %s", name)
}

func (s *SQLiteStore) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status, created_at) VALUES (?, 'pending', ?)
		 ON CONFLICT (key) DO NOTHING`,
		key, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim key %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ResolveIdempotencyKey(ctx context.Context, key string, status model.IdempotencyStatus, eventID *int64, failure string) error {
	var failureArg any
	if failure != "" {
		failureArg = failure
	}
	var eventArg any
	if eventID != nil {
		eventArg = *eventID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = ?, event_id = ?, failure = ? WHERE key = ?`,
		string(status), eventArg, failureArg, key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve key %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("idempotency key not found: %s", key)
	}
	return nil
}

func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	var eventID sql.NullInt64
	var failure sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT key, status, event_id, failure, created_at FROM idempotency_keys WHERE key = ?`,
		key,
	).Scan(&rec.Key, &rec.Status, &eventID, &failure, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get key %s", key)
	}
	if eventID.Valid {
		id := eventID.Int64
		rec.EventID = &id
	}
	if failure.Valid {
		rec.Failure = failure.String
	}
	return &rec, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, lookback time.Duration) (*Stats, error) {
	st := &Stats{
		EventsBySource: map[string]int{},
		KeysByStatus:   map[string]int{},
		Lookback:       lookback,
	}
	now := time.Now().UTC()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.TotalEvents); err != nil {
		return nil, eris.Wrap(err, "sqlite: count events")
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE start_date >= ?`, now).Scan(&st.UpcomingEvents); err != nil {
		return nil, eris.Wrap(err, "sqlite: count upcoming")
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE place_id IS NULL`).Scan(&st.MissingPlace); err != nil {
		return nil, eris.Wrap(err, "sqlite: count missing place")
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE created_at >= ?`, now.Add(-lookback)).Scan(&st.IngestedSince); err != nil {
		return nil, eris.Wrap(err, "sqlite: count recent")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM events GROUP BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by source")
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source count")
		}
		st.EventsBySource[src] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: source counts iterate")
	}

	keyRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM idempotency_keys GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count keys")
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var status string
		var n int
		if err := keyRows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan key count")
		}
		st.KeysByStatus[status] = n
	}
	return st, eris.Wrap(keyRows.Err(), "sqlite: key counts iterate")
}
