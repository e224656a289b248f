// Package storage persists the serving side's operational records: a
// log of every prediction answered and an append-only feed of drift
// reports. BoltDB keys embed the target and a nanosecond timestamp so
// time-range queries are a single cursor scan.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/drift"
)

const (
	predictionsBucket = "predictions"   // "<target>_<ts>_<id>" -> PredictionRecord
	driftBucket       = "drift_reports" // "<target>_<ts>" -> drift.Report
)

// PredictionRecord is one answered request.
type PredictionRecord struct {
	ID           string                 `json:"id"`
	Target       string                 `json:"target"`
	SegmentID    int                    `json:"segment_id"`
	ModelVersion uint64                 `json:"model_version"`
	Input        map[string]interface{} `json:"input"`
	Output       []float64              `json:"output"`
	Class        string                 `json:"class,omitempty"`
	Confidence   float64                `json:"confidence"`
	Degraded     bool                   `json:"degraded"`
	Reason       string                 `json:"reason,omitempty"`
	Ts           time.Time              `json:"ts"`
}

// Store wraps the BoltDB database.
type Store struct {
	db *bbolt.DB
}

// New opens or creates the operational database under dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "serving-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(driftBucket)); err != nil {
			return fmt.Errorf("create drift bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LogPrediction appends one prediction record. A missing ID or
// timestamp is filled in; the assigned ID is returned.
func (s *Store) LogPrediction(rec PredictionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Ts.IsZero() {
		rec.Ts = time.Now().UTC()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}

		key := fmt.Sprintf("%s_%d_%s", rec.Target, rec.Ts.UnixNano(), rec.ID)
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// GetPrediction looks up one logged prediction by id. Returns nil when
// the id is not in the log.
func (s *Store) GetPrediction(target, id string) (*PredictionRecord, error) {
	var rec *PredictionRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()

		prefix := []byte(target + "_")
		suffix := []byte("_" + id)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !bytes.HasSuffix(k, suffix) {
				continue
			}
			rec = &PredictionRecord{}
			return json.Unmarshal(v, rec)
		}
		return nil
	})
	return rec, err
}

// GetPredictions retrieves the prediction log for one target within a
// time range, inclusive on both ends, oldest first.
func (s *Store) GetPredictions(target string, start, end time.Time) ([]PredictionRecord, error) {
	var records []PredictionRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()

		prefix := []byte(target + "_")
		startKey := []byte(fmt.Sprintf("%s_%d", target, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s_%d", target, end.UnixNano()+1))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			var rec PredictionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // skip malformed records
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// AppendDriftReport adds one report to the feed. Reports are never
// updated or deleted.
func (s *Store) AppendDriftReport(rep *drift.Report) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(driftBucket))

		data, err := json.Marshal(rep)
		if err != nil {
			return fmt.Errorf("marshal drift report: %w", err)
		}

		key := fmt.Sprintf("%s_%d", rep.Target, rep.GeneratedAt.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// GetDriftReports retrieves the report feed for one target within a
// time range, oldest first.
func (s *Store) GetDriftReports(target string, start, end time.Time) ([]*drift.Report, error) {
	var reports []*drift.Report

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(driftBucket)).Cursor()

		prefix := []byte(target + "_")
		startKey := []byte(fmt.Sprintf("%s_%d", target, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s_%d", target, end.UnixNano()+1))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			var rep drift.Report
			if err := json.Unmarshal(v, &rep); err != nil {
				continue
			}
			reports = append(reports, &rep)
		}
		return nil
	})
	return reports, err
}

// LatestDriftReport returns the newest report for a target, or nil when
// the feed is empty.
func (s *Store) LatestDriftReport(target string) (*drift.Report, error) {
	var rep *drift.Report

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(driftBucket)).Cursor()
		prefix := []byte(target + "_")

		// Seek past the prefix range, then step back to its last key.
		k, v := c.Seek(append(prefix, 0xff))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		rep = &drift.Report{}
		return json.Unmarshal(v, rep)
	})
	return rep, err
}
