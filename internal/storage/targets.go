package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/util"
)

// ErrOutOfOrder is returned when a stage record would be written before its
// predecessor succeeded or was skipped.
var ErrOutOfOrder = errors.New("stage recorded out of order")

// ErrUnknownTarget is returned when recording a stage for a target that was
// never upserted.
var ErrUnknownTarget = errors.New("unknown target")

// ResultStore persists targets and their stage records. Writes for one
// target are serialized; every stage transition is a single transaction.
type ResultStore struct {
	db    *DB
	locks keyedMutex
	now   func() time.Time
}

// NewResultStore creates a new result store handler.
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db, now: time.Now}
}

func lockKey(networkID, mac string) string { return networkID + "|" + mac }

// UpsertTarget merges a discovery hit into the network's target set. A new
// target is created together with its succeeded Discovery record. The
// merged target is returned along with whether it was created.
func (s *ResultStore) UpsertTarget(ctx context.Context, networkID, sessionID string, h model.Host) (*model.Target, bool, error) {
	h.MAC = model.NormalizeMAC(h.MAC)
	if h.MAC == "" {
		return nil, false, fmt.Errorf("upsert target: empty MAC")
	}
	unlock := s.locks.lock(lockKey(networkID, h.MAC))
	defer unlock()

	now := s.now().UTC()
	var (
		target  *model.Target
		created bool
	)
	err := s.withTx(ctx, "upsert target", func(tx *sql.Tx) error {
		t, err := getTarget(ctx, tx, networkID, h.MAC)
		if err != nil {
			return err
		}
		created = t == nil
		if created {
			t = &model.Target{MAC: h.MAC}
		}
		t.Merge(h, now)
		target = t

		if created {
			var seq int64
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(seq), 0) + 1 FROM targets WHERE network_id = ?`, networkID).Scan(&seq); err != nil {
				return err
			}
			if err := insertTarget(ctx, tx, networkID, seq, t); err != nil {
				return err
			}
			payload, _ := json.Marshal(h)
			rec := model.StageRecord{
				NetworkID:  networkID,
				TargetMAC:  h.MAC,
				Stage:      model.StageDiscovery,
				Status:     model.StatusSucceeded,
				Attempts:   1,
				StartedAt:  now,
				FinishedAt: now,
				Payload:    payload,
				SessionID:  sessionID,
			}
			return putRecord(ctx, tx, rec)
		}
		return updateTarget(ctx, tx, networkID, t)
	})
	if err != nil {
		return nil, false, err
	}
	return target, created, nil
}

// RecordStage writes a stage record and, when facts is non-nil, merges
// them into the target in the same transaction.
func (s *ResultStore) RecordStage(ctx context.Context, rec model.StageRecord, facts *model.Facts) error {
	rec.TargetMAC = model.NormalizeMAC(rec.TargetMAC)
	if !rec.Stage.Valid() {
		return fmt.Errorf("record stage: unknown stage %q", rec.Stage)
	}
	unlock := s.locks.lock(lockKey(rec.NetworkID, rec.TargetMAC))
	defer unlock()

	return s.withTx(ctx, "record stage", func(tx *sql.Tx) error {
		t, err := getTarget(ctx, tx, rec.NetworkID, rec.TargetMAC)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTarget, rec.TargetMAC)
		}
		if err := checkOrder(ctx, tx, rec); err != nil {
			return err
		}
		if err := putRecord(ctx, tx, rec); err != nil {
			return err
		}
		if facts.Empty() {
			return nil
		}
		t.Apply(facts)
		return updateTarget(ctx, tx, rec.NetworkID, t)
	})
}

// checkOrder enforces the pipeline order: the predecessor must have
// advanced, and a stage that already advanced cannot be reopened.
func checkOrder(ctx context.Context, tx *sql.Tx, rec model.StageRecord) error {
	if seq := rec.Stage.Seq(); seq > 0 {
		prev := model.Pipeline[seq-1]
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM stage_records WHERE network_id = ? AND mac = ? AND stage = ?`,
			rec.NetworkID, rec.TargetMAC, string(prev)).Scan(&status)
		if err == sql.ErrNoRows || (err == nil && !model.StageStatus(status).Advances()) {
			return fmt.Errorf("%w: %s before %s", ErrOutOfOrder, rec.Stage, prev)
		}
		if err != nil {
			return err
		}
	}

	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM stage_records WHERE network_id = ? AND mac = ? AND stage = ?`,
		rec.NetworkID, rec.TargetMAC, string(rec.Stage)).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if model.StageStatus(current).Advances() && !rec.Status.Advances() {
		return fmt.Errorf("%w: %s already %s", ErrOutOfOrder, rec.Stage, current)
	}
	return nil
}

// LoadSession returns every known target of the network with its stage
// records. Records left running by a crash are rewritten as timed out first.
func (s *ResultStore) LoadSession(ctx context.Context, networkID string) ([]model.TargetState, error) {
	err := s.withTx(ctx, "recover running", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE stage_records SET status = ?, error = ?, finished_at = ?
			 WHERE network_id = ? AND status = ?`,
			string(model.StatusTimedOut), "interrupted while running", s.now().UTC(),
			networkID, string(model.StatusRunning))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Snapshot(ctx, networkID)
}

// Snapshot returns the network's targets and records without modifying them.
func (s *ResultStore) Snapshot(ctx context.Context, networkID string) ([]model.TargetState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mac, ip, hostname, vendor, os_guess, ports, vulns, first_seen, last_seen
		 FROM targets WHERE network_id = ? ORDER BY seq, mac`, networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	var states []model.TargetState
	index := make(map[string]int)
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[t.MAC] = len(states)
		states = append(states, model.TargetState{Target: *t, Records: make(map[model.StageName]model.StageRecord)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recs, err := s.records(ctx, `WHERE network_id = ?`, networkID)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if i, ok := index[r.TargetMAC]; ok {
			states[i].Records[r.Stage] = r
		}
	}
	return states, nil
}

// Target returns one target, or nil if unknown.
func (s *ResultStore) Target(ctx context.Context, networkID, mac string) (*model.Target, error) {
	var t *model.Target
	err := s.withTx(ctx, "get target", func(tx *sql.Tx) error {
		var err error
		t, err = getTarget(ctx, tx, networkID, model.NormalizeMAC(mac))
		return err
	})
	return t, err
}

// Records returns the stage records for one target ordered by stage.
func (s *ResultStore) Records(ctx context.Context, networkID, mac string) ([]model.StageRecord, error) {
	return s.records(ctx, `WHERE network_id = ? AND mac = ?`, networkID, model.NormalizeMAC(mac))
}

func (s *ResultStore) records(ctx context.Context, where string, args ...interface{}) ([]model.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT network_id, mac, stage, status, attempts, partial, started_at, finished_at,
		        payload, error, session_id
		 FROM stage_records `+where+` ORDER BY mac, stage_seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage records: %w", err)
	}
	defer rows.Close()

	var recs []model.StageRecord
	for rows.Next() {
		var (
			r                         model.StageRecord
			stage, status             string
			payload, errText, session sql.NullString
		)
		if err := rows.Scan(&r.NetworkID, &r.TargetMAC, &stage, &status, &r.Attempts, &r.Partial,
			&r.StartedAt, &r.FinishedAt, &payload, &errText, &session); err != nil {
			return nil, err
		}
		r.Stage = model.StageName(stage)
		r.Status = model.StageStatus(status)
		if payload.String != "" {
			r.Payload = json.RawMessage(payload.String)
		}
		r.Error = errText.String
		r.SessionID = session.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Networks returns every network id that has targets.
func (s *ResultStore) Networks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT network_id FROM targets ORDER BY network_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ResetNetwork drops every target and record of a network.
func (s *ResultStore) ResetNetwork(ctx context.Context, networkID string) error {
	return s.withTx(ctx, "reset network", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_records WHERE network_id = ?`, networkID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE network_id = ?`, networkID)
		return err
	})
}

// Flush forces written records into the main database file.
func (s *ResultStore) Flush(ctx context.Context) error {
	if err := s.db.Flush(ctx); err != nil {
		return &util.PersistenceError{Op: "flush", Err: err}
	}
	return nil
}

// withTx runs fn in a transaction. Failures are reported as
// PersistenceError unless they are ordering violations.
func (s *ResultStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &util.PersistenceError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, ErrOutOfOrder) || errors.Is(err, ErrUnknownTarget) {
			return err
		}
		return &util.PersistenceError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &util.PersistenceError{Op: op, Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTarget(row rowScanner) (*model.Target, error) {
	var (
		t                                 model.Target
		ip, host, vendor, osg, ports, vul sql.NullString
	)
	if err := row.Scan(&t.MAC, &ip, &host, &vendor, &osg, &ports, &vul, &t.FirstSeen, &t.LastSeen); err != nil {
		return nil, err
	}
	t.IP, t.Hostname, t.Vendor, t.OSGuess = ip.String, host.String, vendor.String, osg.String
	if ports.String != "" {
		if err := json.Unmarshal([]byte(ports.String), &t.Ports); err != nil {
			return nil, fmt.Errorf("target %s ports: %w", t.MAC, err)
		}
	}
	if vul.String != "" {
		if err := json.Unmarshal([]byte(vul.String), &t.Vulns); err != nil {
			return nil, fmt.Errorf("target %s vulns: %w", t.MAC, err)
		}
	}
	return &t, nil
}

func getTarget(ctx context.Context, tx *sql.Tx, networkID, mac string) (*model.Target, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT mac, ip, hostname, vendor, os_guess, ports, vulns, first_seen, last_seen
		 FROM targets WHERE network_id = ? AND mac = ?`, networkID, mac)
	t, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func insertTarget(ctx context.Context, tx *sql.Tx, networkID string, seq int64, t *model.Target) error {
	ports, vulns := marshalFacts(t)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO targets (network_id, mac, seq, ip, hostname, vendor, os_guess, ports, vulns, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		networkID, t.MAC, seq, t.IP, t.Hostname, t.Vendor, t.OSGuess, ports, vulns, t.FirstSeen, t.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to insert target: %w", err)
	}
	return nil
}

func updateTarget(ctx context.Context, tx *sql.Tx, networkID string, t *model.Target) error {
	ports, vulns := marshalFacts(t)
	_, err := tx.ExecContext(ctx,
		`UPDATE targets SET ip = ?, hostname = ?, vendor = ?, os_guess = ?, ports = ?, vulns = ?, last_seen = ?
		 WHERE network_id = ? AND mac = ?`,
		t.IP, t.Hostname, t.Vendor, t.OSGuess, ports, vulns, t.LastSeen, networkID, t.MAC)
	if err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}
	return nil
}

func marshalFacts(t *model.Target) (string, string) {
	var ports, vulns string
	if len(t.Ports) > 0 {
		b, _ := json.Marshal(t.Ports)
		ports = string(b)
	}
	if len(t.Vulns) > 0 {
		b, _ := json.Marshal(t.Vulns)
		vulns = string(b)
	}
	return ports, vulns
}

func putRecord(ctx context.Context, tx *sql.Tx, r model.StageRecord) error {
	query := `INSERT INTO stage_records (network_id, mac, stage, stage_seq, status, attempts, partial,
			  started_at, finished_at, payload, error, session_id)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(network_id, mac, stage) DO UPDATE SET
			  status = excluded.status,
			  attempts = excluded.attempts,
			  partial = excluded.partial,
			  started_at = excluded.started_at,
			  finished_at = excluded.finished_at,
			  payload = excluded.payload,
			  error = excluded.error,
			  session_id = excluded.session_id`

	_, err := tx.ExecContext(ctx, query,
		r.NetworkID, r.TargetMAC, string(r.Stage), r.Stage.Seq(), string(r.Status), r.Attempts, r.Partial,
		r.StartedAt.UTC(), r.FinishedAt.UTC(), string(r.Payload), r.Error, r.SessionID)
	if err != nil {
		return fmt.Errorf("failed to save stage record: %w", err)
	}
	return nil
}
