package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

const (
	runsBucket       = "runs"
	componentsBucket = "components"
)

// ComponentRecord is the latest known state of one component across runs.
type ComponentRecord struct {
	LastRunID   string             `json:"last_run_id"`
	LastOutcome deployment.Outcome `json:"last_outcome"`
	LastRun     time.Time          `json:"last_run"`
	LastSuccess time.Time          `json:"last_success,omitempty"`
}

// Journal keeps run reports in a bbolt file. It lives outside the deploy
// dir so repeated runs leave the layout byte-identical.
type Journal struct {
	db *bolt.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(componentsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// runKey sorts runs chronologically under bbolt's byte ordering.
func runKey(rep *deployment.RunReport) []byte {
	return []byte(rep.StartedAt.UTC().Format("20060102T150405.000000000Z") + "/" + rep.RunID)
}

// Record stores the run and updates the per-component records.
func (j *Journal) Record(rep *deployment.RunReport) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(runsBucket)).Put(runKey(rep), data); err != nil {
			return err
		}
		b := tx.Bucket([]byte(componentsBucket))
		for _, c := range rep.Components {
			var rec ComponentRecord
			if v := b.Get([]byte(c.Name)); v != nil {
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("corrupt journal record for %s: %w", c.Name, err)
				}
			}
			rec.LastRunID = rep.RunID
			rec.LastOutcome = c.Overall
			rec.LastRun = rep.FinishedAt
			if c.Overall == deployment.OutcomeSuccess {
				rec.LastSuccess = rep.FinishedAt
			}
			v, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(c.Name), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Runs returns up to limit reports, newest first. limit <= 0 means all.
func (j *Journal) Runs(limit int) ([]deployment.RunReport, error) {
	var out []deployment.RunReport
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rep deployment.RunReport
			if err := json.Unmarshal(v, &rep); err != nil {
				return fmt.Errorf("corrupt journal run %s: %w", k, err)
			}
			out = append(out, rep)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (j *Journal) Component(name string) (ComponentRecord, bool, error) {
	var rec ComponentRecord
	var found bool
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(componentsBucket)).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}
