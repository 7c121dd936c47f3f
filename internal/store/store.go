// Package store persists sandbox lifecycle records in sqlite. The table is
// the single source of truth for pool accounting: every pool-size decision
// is a query against it, never an in-memory counter, so multiple allocator
// processes stay consistent.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		image_key TEXT NOT NULL,
		browser TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		catalog TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		department_id TEXT NOT NULL DEFAULT '',
		shared INTEGER NOT NULL DEFAULT 0,
		in_use INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		labels_json TEXT NOT NULL DEFAULT '{}',
		installed_json TEXT NOT NULL DEFAULT '[]',
		created_at_unix INTEGER NOT NULL,
		last_claimed_at_unix INTEGER NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sandboxes_service_id
		ON sandboxes(service_id) WHERE service_id != '';
	CREATE INDEX IF NOT EXISTS idx_sandboxes_pool
		ON sandboxes(kind, in_use, state);
`

const recordColumns = `
	id, service_id, kind, image_key, browser, version, catalog,
	owner_id, department_id, shared, in_use, state,
	labels_json, installed_json, created_at_unix, last_claimed_at_unix,
	address, hostname
`

// Store is the sqlite-backed sandbox record store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the record database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create record store directory %q: %w", dir, err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open record store %q: %w", path, err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise record store schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a new record. CreatedAt and LastClaimedAt default to now
// when unset.
func (s *Store) Insert(ctx context.Context, rec *types.SandboxRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.LastClaimedAt.IsZero() {
		rec.LastClaimedAt = rec.CreatedAt
	}

	labelsJSON, err := marshalLabels(rec.Labels)
	if err != nil {
		return err
	}
	installedJSON, err := marshalInstalled(rec.InstalledApps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.BackendServiceID, string(rec.Kind), rec.ImageRef.Key(),
		rec.ImageRef.Browser, rec.ImageRef.Version, rec.ImageRef.Catalog,
		rec.OwnerID, rec.DepartmentID, boolToInt(rec.Shared), boolToInt(rec.InUse),
		string(rec.State), labelsJSON, installedJSON,
		rec.CreatedAt.Unix(), rec.LastClaimedAt.Unix(),
		rec.Backend.Address, rec.Backend.Hostname,
	)
	if err != nil {
		return fmt.Errorf("insert sandbox record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record with the given durable id.
func (s *Store) Get(ctx context.Context, id string) (*types.SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM sandboxes WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: sandbox %s", types.ErrNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

// GetByAnyID resolves either the durable id or the backend's native service
// id, as the deletion endpoint accepts both.
func (s *Store) GetByAnyID(ctx context.Context, id string) (*types.SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM sandboxes WHERE id = ? OR service_id = ?
	`, id, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: sandbox %s", types.ErrNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

// List returns all records ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*types.SandboxRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM sandboxes ORDER BY created_at_unix ASC
	`)
}

// CountIdle counts running records of a kind with in_use = false.
func (s *Store) CountIdle(ctx context.Context, kind types.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sandboxes
		WHERE kind = ? AND in_use = 0 AND state = ?
	`, string(kind), string(types.StateRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count idle sandboxes: %w", err)
	}
	return n, nil
}

// CountRunning counts all running records of a kind, claimed or idle. This
// is the admission-control count.
func (s *Store) CountRunning(ctx context.Context, kind types.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sandboxes
		WHERE kind = ? AND state = ?
	`, string(kind), string(types.StateRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running sandboxes: %w", err)
	}
	return n, nil
}

// CountInUse counts running records of a kind currently claimed.
func (s *Store) CountInUse(ctx context.Context, kind types.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sandboxes
		WHERE kind = ? AND in_use = 1 AND state = ?
	`, string(kind), string(types.StateRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-use sandboxes: %w", err)
	}
	return n, nil
}

// IdleByAge returns running, unclaimed records of a kind ordered oldest
// first. When imageKey is non-empty the listing is restricted to it. The
// ordering makes standby-pool trimming deterministic.
func (s *Store) IdleByAge(ctx context.Context, kind types.Kind, imageKey string) ([]*types.SandboxRecord, error) {
	if imageKey != "" {
		return s.queryRecords(ctx, `
			SELECT `+recordColumns+` FROM sandboxes
			WHERE kind = ? AND in_use = 0 AND state = ? AND image_key = ?
			ORDER BY created_at_unix ASC
		`, string(kind), string(types.StateRunning), imageKey)
	}
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM sandboxes
		WHERE kind = ? AND in_use = 0 AND state = ?
		ORDER BY created_at_unix ASC
	`, string(kind), string(types.StateRunning))
}

// RunningByAge returns all running records of a kind ordered oldest first,
// with the id as tiebreak. The post-creation re-check uses the ordering to
// pick rollback victims deterministically.
func (s *Store) RunningByAge(ctx context.Context, kind types.Kind) ([]*types.SandboxRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM sandboxes
		WHERE kind = ? AND state = ?
		ORDER BY created_at_unix ASC, id ASC
	`, string(kind), string(types.StateRunning))
}

// StaleLeases returns claimed records whose last claim is older than the
// lease TTL. These belong to callers that crashed mid-run.
func (s *Store) StaleLeases(ctx context.Context, kind types.Kind, ttl time.Duration) ([]*types.SandboxRecord, error) {
	cutoff := s.now().Add(-ttl).Unix()
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM sandboxes
		WHERE kind = ? AND in_use = 1 AND state = ? AND last_claimed_at_unix < ?
		ORDER BY last_claimed_at_unix ASC
	`, string(kind), string(types.StateRunning), cutoff)
}

// FindPrivateEmulator returns the non-shared emulator record for an
// (imageKey, owner) pair, enforcing the one-private-emulator invariant.
func (s *Store) FindPrivateEmulator(ctx context.Context, imageKey, ownerID string) (*types.SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM sandboxes
		WHERE kind = ? AND image_key = ? AND owner_id = ? AND shared = 0 AND state != ?
		LIMIT 1
	`, string(types.KindEmulator), imageKey, ownerID, string(types.StateDeleting))
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: no private emulator for %s", types.ErrNotFound, imageKey)
		}
		return nil, err
	}
	return rec, nil
}

// ClaimStandby atomically claims the oldest running, unclaimed record
// matching imageKey. The conditional update is what keeps two concurrent
// claimers from receiving the same record.
func (s *Store) ClaimStandby(ctx context.Context, kind types.Kind, imageKey string, labels map[string]string, ownerID, departmentID string) (*types.SandboxRecord, error) {
	labelsJSON, err := marshalLabels(labels)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE sandboxes
		SET in_use = 1, labels_json = ?, owner_id = ?, department_id = ?, last_claimed_at_unix = ?
		WHERE id = (
			SELECT id FROM sandboxes
			WHERE kind = ? AND image_key = ? AND in_use = 0 AND state = ?
			ORDER BY created_at_unix ASC
			LIMIT 1
		)
		RETURNING `+recordColumns+`
	`, labelsJSON, ownerID, departmentID, s.now().UTC().Unix(),
		string(kind), imageKey, string(types.StateRunning))

	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: no standby sandbox for %s", types.ErrNotFound, imageKey)
		}
		return nil, err
	}
	return rec, nil
}

// SetInUse toggles the claim flag. Claiming stamps last_claimed_at and
// replaces labels; releasing clears them, recycling the record into the
// standby pool. A record in Deleting belongs to its teardown and reports
// not found.
func (s *Store) SetInUse(ctx context.Context, id string, inUse bool, labels map[string]string) error {
	labelsJSON, err := marshalLabels(labels)
	if err != nil {
		return err
	}

	var res sql.Result
	if inUse {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sandboxes SET in_use = 1, labels_json = ?, last_claimed_at_unix = ?
			WHERE id = ? AND state != ?
		`, labelsJSON, s.now().UTC().Unix(), id, string(types.StateDeleting))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sandboxes SET in_use = 0, labels_json = '{}'
			WHERE id = ? AND state != ?
		`, id, string(types.StateDeleting))
	}
	if err != nil {
		return fmt.Errorf("update claim on sandbox %s: %w", id, err)
	}
	return requireUpdated(res, id)
}

// SetShared updates the sharing flag. Deleting records report not found.
func (s *Store) SetShared(ctx context.Context, id string, shared bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET shared = ? WHERE id = ? AND state != ?
	`, boolToInt(shared), id, string(types.StateDeleting))
	if err != nil {
		return fmt.Errorf("update shared flag on sandbox %s: %w", id, err)
	}
	return requireUpdated(res, id)
}

// SetState moves the record to a new lifecycle state. Deleting is terminal:
// once MarkDeleting wins, no state transition can pull the record back, and
// the attempt reports not found.
func (s *Store) SetState(ctx context.Context, id string, state types.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET state = ? WHERE id = ? AND state != ?
	`, string(state), id, string(types.StateDeleting))
	if err != nil {
		return fmt.Errorf("update state on sandbox %s: %w", id, err)
	}
	return requireUpdated(res, id)
}

// requireUpdated surfaces a conditional update that matched no row. The
// record is either gone or owned by a teardown; both read as not found.
func requireUpdated(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: sandbox %s", types.ErrNotFound, id)
	}
	return nil
}

// MarkDeleting moves the record into the terminal-pending Deleting state.
// It returns false when another path already marked it, so only one caller
// runs the teardown.
func (s *Store) MarkDeleting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET state = ?, in_use = 0
		WHERE id = ? AND state != ?
	`, string(types.StateDeleting), id, string(types.StateDeleting))
	if err != nil {
		return false, fmt.Errorf("mark sandbox %s deleting: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddInstalledApp appends an artifact to the record's installed set.
func (s *Store) AddInstalledApp(ctx context.Context, id, artifact string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.HasInstalled(artifact) {
		return nil
	}

	installedJSON, err := marshalInstalled(append(rec.InstalledApps, artifact))
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET installed_json = ? WHERE id = ?
	`, installedJSON, id); err != nil {
		return fmt.Errorf("update installed apps on sandbox %s: %w", id, err)
	}
	return nil
}

// SetBackendInfo records the backend identity and inspection payload after
// a successful creation.
func (s *Store) SetBackendInfo(ctx context.Context, id, serviceID string, info types.BackendInfo) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET service_id = ?, address = ?, hostname = ? WHERE id = ?
	`, serviceID, info.Address, info.Hostname, id); err != nil {
		return fmt.Errorf("update backend info on sandbox %s: %w", id, err)
	}
	return nil
}

// Remove deletes the row. Called only after backend teardown completes.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove sandbox record %s: %w", id, err)
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*types.SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sandbox records: %w", err)
	}
	defer rows.Close()

	var out []*types.SandboxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sandbox records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*types.SandboxRecord, error) {
	var (
		rec               types.SandboxRecord
		kind, state       string
		imageKey          string
		shared, inUse     int
		labelsJSON        string
		installedJSON     string
		createdAtUnix     int64
		lastClaimedAtUnix int64
	)

	if err := s.Scan(
		&rec.ID, &rec.BackendServiceID, &kind, &imageKey,
		&rec.ImageRef.Browser, &rec.ImageRef.Version, &rec.ImageRef.Catalog,
		&rec.OwnerID, &rec.DepartmentID, &shared, &inUse, &state,
		&labelsJSON, &installedJSON, &createdAtUnix, &lastClaimedAtUnix,
		&rec.Backend.Address, &rec.Backend.Hostname,
	); err != nil {
		return nil, err
	}

	rec.Kind = types.Kind(kind)
	rec.State = types.State(state)
	rec.Shared = shared != 0
	rec.InUse = inUse != 0
	rec.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	rec.LastClaimedAt = time.Unix(lastClaimedAtUnix, 0).UTC()

	if err := json.Unmarshal([]byte(labelsJSON), &rec.Labels); err != nil {
		return nil, fmt.Errorf("decode labels for sandbox %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(installedJSON), &rec.InstalledApps); err != nil {
		return nil, fmt.Errorf("decode installed apps for sandbox %s: %w", rec.ID, err)
	}
	if len(rec.Labels) == 0 {
		rec.Labels = nil
	}
	return &rec, nil
}

func marshalLabels(labels map[string]string) (string, error) {
	if len(labels) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("encode labels: %w", err)
	}
	return string(raw), nil
}

func marshalInstalled(apps []string) (string, error) {
	if len(apps) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(apps)
	if err != nil {
		return "", fmt.Errorf("encode installed apps: %w", err)
	}
	return string(raw), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
