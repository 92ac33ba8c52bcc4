package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/deadonfilm/enrich/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS subjects (
	id                TEXT PRIMARY KEY,
	imdb_id           TEXT,
	name              TEXT NOT NULL,
	birth_year        INTEGER,
	death_year        INTEGER,
	death_date        TEXT,
	cause_of_death    TEXT,
	manner_of_death   TEXT,
	circumstances     TEXT,
	death_location    TEXT,
	confidence        TEXT NOT NULL DEFAULT 'unverified',
	enriched_at       DATETIME,
	enrichment_source TEXT
);

CREATE INDEX IF NOT EXISTS idx_subjects_imdb_id ON subjects(imdb_id);
CREATE INDEX IF NOT EXISTS idx_subjects_confidence ON subjects(confidence);

CREATE TABLE IF NOT EXISTS subject_audit (
	id         TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL REFERENCES subjects(id),
	field      TEXT NOT NULL,
	old_value  TEXT,
	new_value  TEXT,
	source     TEXT,
	batch_id   TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subject_audit_subject ON subject_audit(subject_id, created_at);

CREATE TABLE IF NOT EXISTS title_cast (
	title_id   TEXT NOT NULL,
	subject_id TEXT NOT NULL REFERENCES subjects(id),
	billing    INTEGER NOT NULL DEFAULT 0,
	character  TEXT,
	PRIMARY KEY (title_id, subject_id)
);

CREATE TABLE IF NOT EXISTS query_cache (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	cached_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_cache_expires_at ON query_cache(expires_at);

CREATE TABLE IF NOT EXISTS imdb_names (
	nconst     TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	name_norm  TEXT NOT NULL,
	birth_year INTEGER,
	death_year INTEGER
);

CREATE INDEX IF NOT EXISTS idx_imdb_names_norm ON imdb_names(name_norm);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]model.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE 1=1`
	var args []any

	if len(filter.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(filter.IDs)) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Unenriched {
		query += ` AND enriched_at IS NULL`
	}
	if filter.MissingCause {
		query += ` AND COALESCE(cause_of_death, '') = ''`
	}
	query += ` ORDER BY COALESCE(death_year, 0) DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.querySubjects(ctx, query, args...)
}

func (s *SQLiteStore) GetSubjects(ctx context.Context, ids []string) ([]model.Subject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	subjects, err := s.ListSubjects(ctx, SubjectFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	return orderByIDs(ids, subjects), nil
}

func (s *SQLiteStore) ListTitleCast(ctx context.Context, titleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id FROM title_cast WHERE title_id = ? ORDER BY billing, subject_id`,
		titleID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list cast for %s", titleID)
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cast member")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list cast iterate")
}

func (s *SQLiteStore) ListReview(ctx context.Context, limit int) ([]model.Subject, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySubjects(ctx,
		`SELECT `+subjectColumns+` FROM subjects
		 WHERE confidence IN ('suspicious', 'conflicting')
		 ORDER BY enriched_at IS NULL, enriched_at DESC, id LIMIT ?`,
		limit,
	)
}

func (s *SQLiteStore) querySubjects(ctx context.Context, query string, args ...any) ([]model.Subject, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query subjects")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Subject
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subject")
		}
		out = append(out, subj)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query subjects iterate")
}

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, batchID string, agg *model.AggregatedEnrichment) ([]model.AuditEntry, error) {
	fail := func(op string, err error) ([]model.AuditEntry, error) {
		return nil, &PersistenceError{SubjectID: agg.SubjectID, Op: op, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := scanSubject(tx.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = ?`,
		agg.SubjectID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fail("load", eris.Errorf("subject not found: %s", agg.SubjectID))
		}
		return fail("load", err)
	}

	changes := diff(cur, agg)
	next := apply(cur, changes)
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE subjects SET death_date = NULLIF(?, ''), death_year = NULLIF(?, 0),
		 cause_of_death = NULLIF(?, ''), manner_of_death = NULLIF(?, ''),
		 circumstances = NULLIF(?, ''), death_location = NULLIF(?, ''),
		 confidence = ?, enriched_at = ?,
		 enrichment_source = COALESCE(NULLIF(?, ''), enrichment_source)
		 WHERE id = ?`,
		next.DeathDate.String(), next.DeathYear(),
		next.CauseOfDeath, next.MannerOfDeath,
		next.Circumstances, next.DeathLocation,
		string(confidenceOrDefault(next.Confidence)), now,
		primarySource(agg), agg.SubjectID,
	); err != nil {
		return fail("update", err)
	}

	entries := make([]model.AuditEntry, 0, len(changes))
	for _, c := range changes {
		e := model.AuditEntry{
			ID:        uuid.New().String(),
			SubjectID: agg.SubjectID,
			Field:     c.field,
			OldValue:  c.oldValue,
			NewValue:  c.newValue,
			Source:    c.source,
			BatchID:   batchID,
			CreatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subject_audit (id, subject_id, field, old_value, new_value, source, batch_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SubjectID, string(e.Field), e.OldValue, e.NewValue, e.Source, e.BatchID, e.CreatedAt,
		); err != nil {
			return fail("audit", err)
		}
		entries = append(entries, e)
	}

	if err := tx.Commit(); err != nil {
		return fail("commit", err)
	}
	return entries, nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, subjectID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, field, COALESCE(old_value, ''), COALESCE(new_value, ''),
		 COALESCE(source, ''), batch_id, created_at
		 FROM subject_audit WHERE subject_id = ? ORDER BY created_at, id`,
		subjectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit %s", subjectID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var field string
		if err := rows.Scan(&e.ID, &e.SubjectID, &field, &e.OldValue, &e.NewValue, &e.Source, &e.BatchID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		e.Field = model.Field(field)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func (s *SQLiteStore) GetCachedQuery(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM query_cache WHERE key = ? AND expires_at > ?`,
		key, time.Now().Unix(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get cached query")
	}
	return value, nil
}

func (s *SQLiteStore) SetCachedQuery(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_cache (key, value, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		key, value, now.Unix(), now.Add(ttl).Unix(),
	)
	return eris.Wrap(err, "sqlite: set cached query")
}

func (s *SQLiteStore) DeleteExpiredQueries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_cache WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired queries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: delete expired queries rows")
}

func (s *SQLiteStore) GetIMDbName(ctx context.Context, nconst string) (*model.IMDbName, error) {
	var n model.IMDbName
	err := s.db.QueryRowContext(ctx,
		`SELECT nconst, name, name_norm, COALESCE(birth_year, 0), COALESCE(death_year, 0)
		 FROM imdb_names WHERE nconst = ?`,
		nconst,
	).Scan(&n.NConst, &n.Name, &n.NameNorm, &n.BirthYear, &n.DeathYear)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get imdb name")
	}
	return &n, nil
}

func (s *SQLiteStore) FindIMDbCandidates(ctx context.Context, nameNorm string, limit int) ([]model.IMDbName, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT nconst, name, name_norm, COALESCE(birth_year, 0), COALESCE(death_year, 0)
		 FROM imdb_names WHERE name_norm = ? ORDER BY nconst LIMIT ?`,
		nameNorm, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find imdb candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.IMDbName
	for rows.Next() {
		var n model.IMDbName
		if err := rows.Scan(&n.NConst, &n.Name, &n.NameNorm, &n.BirthYear, &n.DeathYear); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan imdb candidate")
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find imdb candidates iterate")
}

func (s *SQLiteStore) ImportIMDbNames(ctx context.Context, names []model.IMDbName) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import imdb names begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO imdb_names (nconst, name, name_norm, birth_year, death_year) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (nconst) DO UPDATE SET name = excluded.name, name_norm = excluded.name_norm,
		 birth_year = excluded.birth_year, death_year = excluded.death_year`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import imdb names prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var total int64
	for _, n := range names {
		if _, err := stmt.ExecContext(ctx, n.NConst, n.Name, n.NameNorm, nullableYear(n.BirthYear), nullableYear(n.DeathYear)); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import imdb name %s", n.NConst)
		}
		total++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import imdb names commit")
	}
	return total, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
