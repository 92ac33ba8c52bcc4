package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich/internal/db"
	"github.com/deadonfilm/enrich/internal/model"
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

const subjectColumns = `id, COALESCE(imdb_id, ''), name, COALESCE(birth_year, 0),
	COALESCE(death_date, ''), COALESCE(cause_of_death, ''), COALESCE(manner_of_death, ''),
	COALESCE(circumstances, ''), COALESCE(death_location, ''), confidence, enriched_at`

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_cached_query":    `SELECT value FROM query_cache WHERE key = $1 AND expires_at > now()`,
	"set_cached_query":    `INSERT INTO query_cache (key, value, cached_at, expires_at) VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO UPDATE SET value = $2, cached_at = $3, expires_at = $4`,
	"get_imdb_name":       `SELECT nconst, name, name_norm, COALESCE(birth_year, 0), COALESCE(death_year, 0) FROM imdb_names WHERE nconst = $1`,
	"find_imdb_candidate": `SELECT nconst, name, name_norm, COALESCE(birth_year, 0), COALESCE(death_year, 0) FROM imdb_names WHERE name_norm = $1 ORDER BY nconst LIMIT $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns, minConns := int32(4), int32(1)
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
				// Tables may not exist before the first migrate.
				if strings.Contains(err.Error(), "does not exist") {
					continue
				}
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

const postgresMigration = `
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
	enriched_at       TIMESTAMPTZ,
	enrichment_source TEXT
);

CREATE INDEX IF NOT EXISTS idx_subjects_imdb_id ON subjects(imdb_id);
CREATE INDEX IF NOT EXISTS idx_subjects_confidence ON subjects(confidence);
CREATE INDEX IF NOT EXISTS idx_subjects_enriched_at ON subjects(enriched_at);

CREATE TABLE IF NOT EXISTS subject_audit (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	subject_id TEXT NOT NULL REFERENCES subjects(id),
	field      TEXT NOT NULL,
	old_value  TEXT,
	new_value  TEXT,
	source     TEXT,
	batch_id   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	value      JSONB NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
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

func (s *PostgresStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]model.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE true`
	args := []any{}
	argIdx := 1

	if len(filter.IDs) > 0 {
		query += fmt.Sprintf(` AND id = ANY($%d)`, argIdx)
		args = append(args, filter.IDs)
		argIdx++
	}
	if filter.Unenriched {
		query += ` AND enriched_at IS NULL`
	}
	if filter.MissingCause {
		query += ` AND COALESCE(cause_of_death, '') = ''`
	}
	query += ` ORDER BY COALESCE(death_year, 0) DESC, id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subjects")
	}
	defer rows.Close()

	var out []model.Subject
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan subject")
		}
		out = append(out, subj)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list subjects iterate")
}

func (s *PostgresStore) GetSubjects(ctx context.Context, ids []string) ([]model.Subject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	subjects, err := s.ListSubjects(ctx, SubjectFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	return orderByIDs(ids, subjects), nil
}

func (s *PostgresStore) ListTitleCast(ctx context.Context, titleID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT subject_id FROM title_cast WHERE title_id = $1 ORDER BY billing, subject_id`,
		titleID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list cast for %s", titleID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cast member")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list cast iterate")
}

func (s *PostgresStore) ListReview(ctx context.Context, limit int) ([]model.Subject, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+subjectColumns+` FROM subjects
		 WHERE confidence IN ('suspicious', 'conflicting')
		 ORDER BY enriched_at DESC NULLS LAST, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review")
	}
	defer rows.Close()

	var out []model.Subject
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan review subject")
		}
		out = append(out, subj)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list review iterate")
}

func (s *PostgresStore) SaveEnrichment(ctx context.Context, batchID string, agg *model.AggregatedEnrichment) ([]model.AuditEntry, error) {
	fail := func(op string, err error) ([]model.AuditEntry, error) {
		return nil, &PersistenceError{SubjectID: agg.SubjectID, Op: op, Err: err}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanSubject(tx.QueryRow(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = $1 FOR UPDATE`,
		agg.SubjectID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fail("load", eris.Errorf("subject not found: %s", agg.SubjectID))
		}
		return fail("load", err)
	}

	changes := diff(cur, agg)
	next := apply(cur, changes)
	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE subjects SET death_date = NULLIF($1, ''), death_year = NULLIF($2, 0),
		 cause_of_death = NULLIF($3, ''), manner_of_death = NULLIF($4, ''),
		 circumstances = NULLIF($5, ''), death_location = NULLIF($6, ''),
		 confidence = $7, enriched_at = $8,
		 enrichment_source = COALESCE(NULLIF($9, ''), enrichment_source)
		 WHERE id = $10`,
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO subject_audit (id, subject_id, field, old_value, new_value, source, batch_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.SubjectID, string(e.Field), e.OldValue, e.NewValue, e.Source, e.BatchID, e.CreatedAt,
		); err != nil {
			return fail("audit", err)
		}
		entries = append(entries, e)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail("commit", err)
	}
	return entries, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, subjectID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subject_id, field, COALESCE(old_value, ''), COALESCE(new_value, ''),
		 COALESCE(source, ''), batch_id, created_at
		 FROM subject_audit WHERE subject_id = $1 ORDER BY created_at, id`,
		subjectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit %s", subjectID)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var field string
		if err := rows.Scan(&e.ID, &e.SubjectID, &field, &e.OldValue, &e.NewValue, &e.Source, &e.BatchID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		e.Field = model.Field(field)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

func (s *PostgresStore) GetCachedQuery(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM query_cache WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached query")
	}
	return value, nil
}

func (s *PostgresStore) SetCachedQuery(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO query_cache (key, value, cached_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = $2, cached_at = $3, expires_at = $4`,
		key, value, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cached query")
}

func (s *PostgresStore) DeleteExpiredQueries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM query_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired queries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetIMDbName(ctx context.Context, nconst string) (*model.IMDbName, error) {
	var n model.IMDbName
	err := s.pool.QueryRow(ctx,
		`SELECT nconst, name, name_norm, COALESCE(birth_year, 0), COALESCE(death_year, 0)
		 FROM imdb_names WHERE nconst = $1`,
		nconst,
	).Scan(&n.NConst, &n.Name, &n.NameNorm, &n.BirthYear, &n.DeathYear)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get imdb name")
	}
	return &n, nil
}

func (s *PostgresStore) FindIMDbCandidates(ctx context.Context, nameNorm string, limit int) ([]model.IMDbName, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.pool.Query(ctx,
		`SELECT nconst, name, name_norm, COALESCE(birth_year, 0), COALESCE(death_year, 0)
		 FROM imdb_names WHERE name_norm = $1 ORDER BY nconst LIMIT $2`,
		nameNorm, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find imdb candidates")
	}
	defer rows.Close()

	var out []model.IMDbName
	for rows.Next() {
		var n model.IMDbName
		if err := rows.Scan(&n.NConst, &n.Name, &n.NameNorm, &n.BirthYear, &n.DeathYear); err != nil {
			return nil, eris.Wrap(err, "postgres: scan imdb candidate")
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find imdb candidates iterate")
}

var imdbNameColumns = []string{"nconst", "name", "name_norm", "birth_year", "death_year"}

func (s *PostgresStore) ImportIMDbNames(ctx context.Context, names []model.IMDbName) (int64, error) {
	rows := make([][]any, len(names))
	for i, n := range names {
		rows[i] = []any{n.NConst, n.Name, n.NameNorm, nullableYear(n.BirthYear), nullableYear(n.DeathYear)}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "imdb_names",
		Columns:      imdbNameColumns,
		ConflictKeys: []string{"nconst"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import imdb names")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (model.Subject, error) {
	var subj model.Subject
	var deathDate, confidence string
	var enrichedAt *time.Time
	if err := row.Scan(
		&subj.ID, &subj.IMDbID, &subj.Name, &subj.BirthYear,
		&deathDate, &subj.CauseOfDeath, &subj.MannerOfDeath,
		&subj.Circumstances, &subj.DeathLocation, &confidence, &enrichedAt,
	); err != nil {
		return model.Subject{}, err
	}
	d, err := model.ParsePartialDate(deathDate)
	if err != nil {
		return model.Subject{}, eris.Wrapf(err, "subject %s", subj.ID)
	}
	subj.DeathDate = d
	subj.Confidence = confidenceOrDefault(model.ConfidenceTier(confidence))
	subj.EnrichedAt = enrichedAt
	return subj, nil
}

func confidenceOrDefault(t model.ConfidenceTier) model.ConfidenceTier {
	if _, ok := model.ParseConfidenceTier(string(t)); ok {
		return t
	}
	return model.TierUnverified
}

func nullableYear(y int) any {
	if y <= 0 {
		return nil
	}
	return y
}
