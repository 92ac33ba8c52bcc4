package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedSubject(t *testing.T, st *SQLiteStore, id, name string, deathYear int, deathDate string) {
	t.Helper()
	_, err := st.db.Exec(
		`INSERT INTO subjects (id, name, death_year, death_date) VALUES (?, ?, NULLIF(?, 0), NULLIF(?, ''))`,
		id, name, deathYear, deathDate,
	)
	require.NoError(t, err)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_ListSubjects(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSubject(t, st, "a", "Alpha", 1990, "1990")
	seedSubject(t, st, "b", "Bravo", 2010, "2010-05-01")
	seedSubject(t, st, "c", "Charlie", 0, "")

	all, err := st.ListSubjects(ctx, SubjectFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, model.PartialDate{Year: 2010, Month: 5, Day: 1}, all[0].DeathDate)
	assert.Equal(t, model.TierUnverified, all[0].Confidence)
	assert.Nil(t, all[0].EnrichedAt)

	some, err := st.ListSubjects(ctx, SubjectFilter{IDs: []string{"a", "c"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "a", some[0].ID)

	got, err := st.GetSubjects(ctx, []string{"c", "zzz", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestSQLite_SaveEnrichment_WritesAudit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSubject(t, st, "s1", "Jane Doe", 1999, "1999")

	agg := model.NewAggregatedEnrichment("s1")
	agg.Confidence = model.TierVerified
	agg.Fields[model.FieldDeathDate] = model.FieldValue{Value: "1999-03-03", Source: "wikidata"}
	agg.Fields[model.FieldCauseOfDeath] = model.FieldValue{Value: "pneumonia", Source: "obituary", URL: "https://example.com/obit"}

	entries, err := st.SaveEnrichment(ctx, "batch-1", agg)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	subs, err := st.GetSubjects(ctx, []string{"s1"})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	s := subs[0]
	assert.Equal(t, "1999-03-03", s.DeathDate.String())
	assert.Equal(t, "pneumonia", s.CauseOfDeath)
	assert.Equal(t, model.TierVerified, s.Confidence)
	require.NotNil(t, s.EnrichedAt)

	audit, err := st.ListAudit(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, audit, 3)
	byField := map[model.Field]model.AuditEntry{}
	for _, e := range audit {
		byField[e.Field] = e
		assert.Equal(t, "batch-1", e.BatchID)
	}
	assert.Equal(t, "1999", byField[model.FieldDeathDate].OldValue)
	assert.Equal(t, "obituary", byField[model.FieldCauseOfDeath].Source)
	assert.Equal(t, "unverified", byField[model.FieldConfidence].OldValue)

	// A second identical save changes nothing.
	entries, err = st.SaveEnrichment(ctx, "batch-2", agg)
	require.NoError(t, err)
	assert.Empty(t, entries)

	unenriched, err := st.ListSubjects(ctx, SubjectFilter{Unenriched: true})
	require.NoError(t, err)
	assert.Empty(t, unenriched)
}

func TestSQLite_SaveEnrichment_UnknownSubject(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.SaveEnrichment(context.Background(), "b", model.NewAggregatedEnrichment("ghost"))
	require.Error(t, err)
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "ghost", pe.SubjectID)
	assert.Equal(t, "load", pe.Op)
}

func TestSQLite_ListReview(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSubject(t, st, "s1", "One", 2000, "2000")
	seedSubject(t, st, "s2", "Two", 2001, "2001")

	agg := model.NewAggregatedEnrichment("s2")
	agg.Confidence = model.TierSuspicious
	_, err := st.SaveEnrichment(ctx, "b", agg)
	require.NoError(t, err)

	review, err := st.ListReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, "s2", review[0].ID)
	assert.Equal(t, model.TierSuspicious, review[0].Confidence)
}

func TestSQLite_TitleCast(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSubject(t, st, "p1", "Lead", 1980, "1980")
	seedSubject(t, st, "p2", "Support", 1985, "1985")
	_, err := st.db.Exec(`INSERT INTO title_cast (title_id, subject_id, billing) VALUES ('tt1', 'p2', 2), ('tt1', 'p1', 1)`)
	require.NoError(t, err)

	ids, err := st.ListTitleCast(ctx, "tt1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)

	ids, err = st.ListTitleCast(ctx, "tt-missing")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLite_QueryCache(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedQuery(ctx, "k1", []byte(`{"ok":true}`), time.Hour))
	v, err := st.GetCachedQuery(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(v))

	require.NoError(t, st.SetCachedQuery(ctx, "k1", []byte(`{"ok":false}`), time.Hour))
	v, err = st.GetCachedQuery(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false}`, string(v))

	require.NoError(t, st.SetCachedQuery(ctx, "old", []byte(`{}`), -time.Hour))
	v, err = st.GetCachedQuery(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, v)

	n, err := st.DeleteExpiredQueries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err = st.GetCachedQuery(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSQLite_IMDbNames(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.ImportIMDbNames(ctx, []model.IMDbName{
		{NConst: "nm1", Name: "John Smith", NameNorm: "john smith", BirthYear: 1920, DeathYear: 1990},
		{NConst: "nm2", Name: "John Smith", NameNorm: "john smith", BirthYear: 1975},
		{NConst: "nm3", Name: "Jane Roe", NameNorm: "jane roe", BirthYear: 1950, DeathYear: 2001},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Re-import updates in place.
	_, err = st.ImportIMDbNames(ctx, []model.IMDbName{{NConst: "nm2", Name: "John Smith", NameNorm: "john smith", BirthYear: 1975, DeathYear: 2020}})
	require.NoError(t, err)

	cands, err := st.FindIMDbCandidates(ctx, "john smith", 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "nm1", cands[0].NConst)
	assert.Equal(t, 2020, cands[1].DeathYear)

	got, err := st.GetIMDbName(ctx, "nm3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2001, got.DeathYear)

	got, err = st.GetIMDbName(ctx, "nm404")
	require.NoError(t, err)
	assert.Nil(t, got)
}
