package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mkulima/leafscan/diagnosis"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leafscan.db")
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func sampleResult() *ScanResult {
	lat, lon := -1.2921, 36.8219
	return &ScanResult{
		ID:        uuid.New().String(),
		ImagePath: "uploads/leaf_001.jpg",
		Diagnosis: diagnosis.Diagnosis{
			LabelIndex:     1,
			Disease:        "Tomato_Early_blight",
			DisplayName:    "Tomato Early Blight",
			Confidence:     0.9,
			Severity:       diagnosis.SeverityHigh,
			SeverityScore:  0.75,
			Treatment:      "Apply chlorothalonil",
			ScientificName: "Alternaria solani",
		},
		Latitude:  &lat,
		Longitude: &lon,
		Notes:     "lower leaves spotted",
		IsSynced:  false,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveThenGet_RoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	want := sampleResult()

	require.NoError(t, s.Save(ctx, want))
	got, err := s.Get(ctx, want.ID)
	require.NoError(t, err)

	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.ImagePath, got.ImagePath)
	require.Equal(t, want.Diagnosis, got.Diagnosis)
	require.Equal(t, *want.Latitude, *got.Latitude)
	require.Equal(t, *want.Longitude, *got.Longitude)
	require.Equal(t, want.Notes, got.Notes)
	require.False(t, got.IsSynced)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestSaveThenGet_TopPredictionsRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	r := sampleResult()
	r.TopPredictions = []diagnosis.Prediction{
		{Rank: 1, LabelIndex: 1, Disease: "Tomato_Early_blight", Confidence: 0.9},
		{Rank: 2, LabelIndex: 0, Disease: "Tomato_healthy", Confidence: 0.07},
		{Rank: 3, LabelIndex: 2, Disease: "Tomato_Late_blight", Confidence: 0.03},
	}

	require.NoError(t, s.Save(ctx, r))
	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.TopPredictions, got.TopPredictions)
}

func TestSave_UpsertsByID(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	r := sampleResult()

	require.NoError(t, s.Save(ctx, r))
	r.Notes = "rechecked after rain"
	require.NoError(t, s.Save(ctx, r))

	results, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "rechecked after rain", results[0].Notes)
}

func TestUpdateSyncStatus_TouchesOnlySyncFlag(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	saved := sampleResult()
	require.NoError(t, s.Save(ctx, saved))

	require.NoError(t, s.UpdateSyncStatus(ctx, saved.ID, true))

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	require.True(t, got.IsSynced)
	require.Equal(t, saved.Diagnosis, got.Diagnosis)
	require.Equal(t, saved.ImagePath, got.ImagePath)
	require.Equal(t, saved.Notes, got.Notes)
	require.True(t, saved.CreatedAt.Equal(got.CreatedAt))
}

func TestUpdateSyncStatus_UnknownID(t *testing.T) {
	s, _ := newStore(t)
	err := s.UpdateSyncStatus(context.Background(), "nope", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	r := sampleResult()
	require.NoError(t, s.Save(ctx, r))

	require.NoError(t, s.Delete(ctx, r.ID))
	_, err := s.Get(ctx, r.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, r.ID), ErrNotFound)
}

func TestList_NewestFirstSnapshot(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	older := sampleResult()
	older.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	newer := sampleResult()
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	results, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, newer.ID, results[0].ID)
	require.Equal(t, older.ID, results[1].ID)

	// The snapshot is detached from later mutation.
	require.NoError(t, s.Delete(ctx, newer.ID))
	require.Len(t, results, 2)
}

func TestList_SkipsCorruptRecord(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	good := sampleResult()
	require.NoError(t, s.Save(ctx, good))

	// Simulate a torn record: created_at holds garbage that cannot scan
	// into a time.Time.
	_, err := s.db.Exec(`INSERT INTO scan_results (
		id, image_path, label_index, disease, display_name, confidence,
		severity, severity_score, treatment, scientific_name, notes, is_synced, created_at
	) VALUES ('corrupt', 'x.jpg', 0, 'd', 'D', 0.5, 'Low', 0.3, 't', '', '', 0, 'not-a-timestamp')`)
	require.NoError(t, err)

	results, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, good.ID, results[0].ID)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leafscan.db")
	ctx := context.Background()
	r := sampleResult()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, r))
	require.NoError(t, s.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.Disease, got.Disease)
}

func TestConcurrentSavesDistinctIDs(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- s.Save(ctx, sampleResult())
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	results, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, results, 8)
}

func TestMeta(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.GetMeta(ctx, "model_load_status")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetMeta(ctx, "model_load_status", "ready"))
	require.NoError(t, s.SetMeta(ctx, "model_load_status", "ready-degraded"))

	v, err := s.GetMeta(ctx, "model_load_status")
	require.NoError(t, err)
	require.Equal(t, "ready-degraded", v)
}
