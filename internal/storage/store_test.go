package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/drift"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogPrediction_AssignsIDAndRoundTrips(t *testing.T) {
	s := open(t)
	now := time.Now().UTC()

	id, err := s.LogPrediction(PredictionRecord{
		Target:       "price",
		SegmentID:    2,
		ModelVersion: 3,
		Input:        map[string]interface{}{"ram": 8.0},
		Output:       []float64{612.5},
		Confidence:   0.91,
		Ts:           now,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	recs, err := s.GetPredictions("price", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, id, recs[0].ID)
	require.Equal(t, 2, recs[0].SegmentID)
	require.InDelta(t, 612.5, recs[0].Output[0], 1e-9)
}

func TestGetPrediction_LooksUpByID(t *testing.T) {
	s := open(t)
	now := time.Now().UTC()

	id, err := s.LogPrediction(PredictionRecord{
		Target: "price",
		Input:  map[string]interface{}{"ram": 16.0},
		Output: []float64{999},
		Ts:     now,
	})
	require.NoError(t, err)
	_, err = s.LogPrediction(PredictionRecord{Target: "price", Output: []float64{1}, Ts: now.Add(time.Second)})
	require.NoError(t, err)

	rec, err := s.GetPrediction("price", id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.InDelta(t, 999, rec.Output[0], 1e-9)
	require.InDelta(t, 16.0, rec.Input["ram"], 1e-9)

	rec, err = s.GetPrediction("price", "no-such-id")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestGetPredictions_RangeAndTargetIsolation(t *testing.T) {
	s := open(t)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		_, err := s.LogPrediction(PredictionRecord{
			Target: "price",
			Output: []float64{float64(i)},
			Ts:     base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := s.LogPrediction(PredictionRecord{Target: "ram", Output: []float64{8}, Ts: base})
	require.NoError(t, err)

	recs, err := s.GetPredictions("price", base.Add(1*time.Second), base.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.InDelta(t, 1.0, recs[0].Output[0], 1e-9)
	require.InDelta(t, 3.0, recs[2].Output[0], 1e-9)
}

func TestDriftFeed_AppendOnlyOrdering(t *testing.T) {
	s := open(t)
	base := time.Now().UTC()

	for i, status := range []string{drift.StatusOK, drift.StatusWarning, drift.StatusCritical} {
		require.NoError(t, s.AppendDriftReport(&drift.Report{
			Target:      "price",
			Overall:     status,
			GeneratedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	reports, err := s.GetDriftReports("price", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, reports, 3)
	require.Equal(t, drift.StatusOK, reports[0].Overall)
	require.Equal(t, drift.StatusCritical, reports[2].Overall)
}

func TestLatestDriftReport(t *testing.T) {
	s := open(t)
	base := time.Now().UTC()

	latest, err := s.LatestDriftReport("price")
	require.NoError(t, err)
	require.Nil(t, latest)

	require.NoError(t, s.AppendDriftReport(&drift.Report{Target: "price", Overall: drift.StatusOK, GeneratedAt: base}))
	require.NoError(t, s.AppendDriftReport(&drift.Report{Target: "price", Overall: drift.StatusWarning, GeneratedAt: base.Add(time.Minute)}))
	require.NoError(t, s.AppendDriftReport(&drift.Report{Target: "ram", Overall: drift.StatusCritical, GeneratedAt: base.Add(2 * time.Minute)}))

	latest, err = s.LatestDriftReport("price")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, drift.StatusWarning, latest.Overall)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	_, err = s.LogPrediction(PredictionRecord{Target: "battery", Output: []float64{4000}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(dir)
	require.NoError(t, err)
	defer s2.Close()

	recs, err := s2.GetPredictions("battery", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
