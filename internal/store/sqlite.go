package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/ember/internal/model"

	_ "modernc.org/sqlite"
)

const createSchema = `
CREATE TABLE IF NOT EXISTS images (
    id          TEXT PRIMARY KEY,
    reference   TEXT NOT NULL UNIQUE,
    kernel_path TEXT NOT NULL,
    rootfs_path TEXT NOT NULL,
    size_bytes  INTEGER,
    pulled_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS vms (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    vcpus       INTEGER NOT NULL,
    memory_mib  INTEGER NOT NULL,
    image_id    TEXT NOT NULL,
    pid         INTEGER,
    socket_path TEXT,
    tap_device  TEXT,
    mac_address TEXT,
    ip_address  TEXT,
    error       TEXT,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL,
    deleted_at  DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_vms_name_active
    ON vms(name) WHERE deleted_at IS NULL;
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite (modernc.org/sqlite, pure Go,
// no cgo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates the schema
// if it does not already exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	for _, stmt := range strings.Split(createSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateVM inserts a new VM record. Returns ErrNameTaken if name collides
// with an existing non-deleted VM (enforced by the partial unique index).
func (s *SQLiteStore) CreateVM(ctx context.Context, v *model.VM) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vms (
			id, name, status, vcpus, memory_mib, image_id,
			pid, socket_path, tap_device, mac_address, ip_address, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Name, v.Status, v.VCPUs, v.MemoryMiB, v.ImageID,
		v.PID, v.SocketPath, v.TapDevice, v.MACAddress, v.IPAddress, nullIfEmpty(v.Error),
		v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameTaken
		}
		return fmt.Errorf("insert vm: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const vmColumns = `id, name, status, vcpus, memory_mib, image_id,
		pid, socket_path, tap_device, mac_address, ip_address, error,
		created_at, updated_at`

func scanVM(row interface{ Scan(...any) error }) (*model.VM, error) {
	v := &model.VM{}
	var errCol sql.NullString
	err := row.Scan(
		&v.ID, &v.Name, &v.Status, &v.VCPUs, &v.MemoryMiB, &v.ImageID,
		&v.PID, &v.SocketPath, &v.TapDevice, &v.MACAddress, &v.IPAddress, &errCol,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.Error = errCol.String
	return v, nil
}

// GetVM retrieves a non-deleted VM by ID.
func (s *SQLiteStore) GetVM(ctx context.Context, id string) (*model.VM, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+vmColumns+` FROM vms WHERE id = ? AND deleted_at IS NULL`, id)
	v, err := scanVM(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vm: %w", err)
	}
	return v, nil
}

// ListVMs returns all non-deleted VMs ordered by created_at DESC.
func (s *SQLiteStore) ListVMs(ctx context.Context) ([]*model.VM, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vmColumns+` FROM vms WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close()
	return scanVMRows(rows)
}

// ListByStatus returns all non-deleted VMs with the given status, used by
// the watchdogs (§4.8).
func (s *SQLiteStore) ListByStatus(ctx context.Context, status string) ([]*model.VM, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vmColumns+` FROM vms WHERE status = ? AND deleted_at IS NULL ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list vms by status: %w", err)
	}
	defer rows.Close()
	return scanVMRows(rows)
}

func scanVMRows(rows *sql.Rows) ([]*model.VM, error) {
	var vms []*model.VM
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		vms = append(vms, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vms: %w", err)
	}
	return vms, nil
}

// UpdateFields applies patch atomically in a single UPDATE statement.
func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, patch model.VMPatch) error {
	if patch.Status != nil {
		cur, err := s.GetVM(ctx, id)
		if err != nil {
			return err
		}
		if !model.ValidTransition(cur.Status, *patch.Status) {
			return ErrInvalidTransition
		}
	}

	sets, args := buildPatch(patch)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE vms SET %s WHERE id = ? AND deleted_at IS NULL", strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update vm fields: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConditionalUpdate applies patch only when the current row matches
// wantStatus and was last updated before olderThan.
func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, id, wantStatus string, olderThan time.Time, patch model.VMPatch) (int64, error) {
	sets, args := buildPatch(patch)
	if len(sets) == 0 {
		return 0, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id, wantStatus, olderThan)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE vms SET %s
			WHERE id = ? AND status = ? AND updated_at < ? AND deleted_at IS NULL`,
			strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("conditional update vm: %w", err)
	}
	return res.RowsAffected()
}

func buildPatch(patch model.VMPatch) ([]string, []any) {
	var sets []string
	var args []any

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	switch {
	case patch.ClearPID:
		add("pid", nil)
	case patch.PID != nil:
		add("pid", *patch.PID)
	}
	switch {
	case patch.ClearSock:
		add("socket_path", nil)
	case patch.SocketPath != nil:
		add("socket_path", *patch.SocketPath)
	}
	switch {
	case patch.ClearTap:
		add("tap_device", nil)
	case patch.TapDevice != nil:
		add("tap_device", *patch.TapDevice)
	}
	switch {
	case patch.ClearMAC:
		add("mac_address", nil)
	case patch.MACAddress != nil:
		add("mac_address", *patch.MACAddress)
	}
	switch {
	case patch.ClearIP:
		add("ip_address", nil)
	case patch.IPAddress != nil:
		add("ip_address", *patch.IPAddress)
	}
	if patch.Error != nil {
		add("error", nullIfEmpty(*patch.Error))
	}

	return sets, args
}

// DeleteVM soft-deletes a VM. Returns ErrConflict if the VM is running
// (§4.6: delete fails with Conflict when status=running).
func (s *SQLiteStore) DeleteVM(ctx context.Context, id string) error {
	v, err := s.GetVM(ctx, id)
	if err != nil {
		return err
	}
	if v.Status == model.StatusRunning {
		return ErrConflict
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE vms SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateImage inserts a new image record.
func (s *SQLiteStore) CreateImage(ctx context.Context, img *model.Image) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (id, reference, kernel_path, rootfs_path, size_bytes, pulled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		img.ID, img.Reference, img.KernelPath, img.RootfsPath, img.SizeBytes, img.PulledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("image reference %q: %w", img.Reference, ErrNameTaken)
		}
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// GetImage retrieves an image by ID.
func (s *SQLiteStore) GetImage(ctx context.Context, id string) (*model.Image, error) {
	img := &model.Image{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, reference, kernel_path, rootfs_path, size_bytes, pulled_at FROM images WHERE id = ?`, id,
	).Scan(&img.ID, &img.Reference, &img.KernelPath, &img.RootfsPath, &img.SizeBytes, &img.PulledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

// ListImages returns all images ordered by pulled_at DESC.
func (s *SQLiteStore) ListImages(ctx context.Context) ([]*model.Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reference, kernel_path, rootfs_path, size_bytes, pulled_at FROM images ORDER BY pulled_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var imgs []*model.Image
	for rows.Next() {
		img := &model.Image{}
		if err := rows.Scan(&img.ID, &img.Reference, &img.KernelPath, &img.RootfsPath, &img.SizeBytes, &img.PulledAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		imgs = append(imgs, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return imgs, nil
}
