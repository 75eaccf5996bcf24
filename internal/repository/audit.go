package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"audit-service/internal/domain"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const (
	queryTimeout   = 5 * time.Second
	archiveTimeout = 60 * time.Second

	// chainLockKey is the advisory lock serializing every writer of the
	// ledger tail across processes.
	chainLockKey    int64 = 0x617564697463
	// rotationLockKey is the session-level lock held for a whole rotation.
	rotationLockKey int64 = 0x617564697472

	maxAppendAttempts = 3

	uniqueViolation pq.ErrorCode = "23505"
)

const logColumns = `id, user_id, process_id, action, resource_type, resource_id, details, ip_address, user_agent, created_at, signature, previous_hash`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type postgresAuditRepository struct {
	db *sql.DB
}

func NewPostgresAuditRepository(db *sql.DB) *postgresAuditRepository {
	return &postgresAuditRepository{db: db}
}

// AppendSigned reads the ledger tail, signs the entry against it and inserts
// the log row and ledger row in one transaction under the chain lock. A
// block index collision is retried with a fresh tail.
func (r *postgresAuditRepository) AppendSigned(ctx context.Context, entry *domain.AuditLogEntry, sign domain.SignFunc) (*domain.AuditChainEntry, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		link, err := r.appendSigned(ctx, entry, sign)
		if err == nil {
			return link, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}

		lastErr = err
		log.WithError(err).WithFields(log.Fields{
			"entry_id": entry.ID,
			"attempt":  attempt,
		}).Warn("Ledger block index conflict, retrying")
	}
	return nil, fmt.Errorf("failed to append ledger block after %d attempts: %w", maxAppendAttempts, lastErr)
}

func (r *postgresAuditRepository) appendSigned(ctx context.Context, entry *domain.AuditLogEntry, sign domain.SignFunc) (*domain.AuditChainEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock audit chain: %w", err)
	}

	tail, err := readTail(ctx, tx)
	if err != nil {
		return nil, err
	}

	link, err := sign(tail)
	if err != nil {
		return nil, err
	}

	if err := insertLog(ctx, tx, entry); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_chain (id, log_id, hash, previous_hash, signature, created_at, block_index) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		link.ID,
		link.LogID,
		link.Hash,
		link.PreviousHash,
		link.Signature,
		link.Timestamp,
		link.BlockIndex,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger block %d: %w", link.BlockIndex, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ledger block %d: %w", link.BlockIndex, err)
	}

	log.WithFields(log.Fields{
		"entry_id":    entry.ID,
		"block_index": link.BlockIndex,
	}).Debug("Audit entry signed and appended")
	return link, nil
}

// readTail returns the last live ledger link, falling back to the last
// rotation checkpoint. Nil means the chain has never been started.
func readTail(ctx context.Context, q rowQuerier) (*domain.ChainLink, error) {
	var link domain.ChainLink

	err := q.QueryRowContext(ctx,
		`SELECT block_index, signature, created_at FROM audit_chain ORDER BY block_index DESC LIMIT 1`,
	).Scan(&link.BlockIndex, &link.Signature, &link.Timestamp)
	if err == nil {
		return &link, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read ledger tail: %w", err)
	}

	err = q.QueryRowContext(ctx,
		`SELECT block_index, signature, created_at FROM audit_chain_checkpoints ORDER BY block_index DESC LIMIT 1`,
	).Scan(&link.BlockIndex, &link.Signature, &link.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain checkpoint: %w", err)
	}
	return &link, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertLog(ctx context.Context, db execer, entry *domain.AuditLogEntry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_logs (`+logColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID,
		entry.UserID,
		entry.ProcessID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.Details,
		entry.IPAddress,
		entry.UserAgent,
		entry.Timestamp,
		entry.Signature,
		entry.PreviousHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Create stores an entry as is, without touching the ledger.
func (r *postgresAuditRepository) Create(ctx context.Context, entry *domain.AuditLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := insertLog(ctx, r.db, entry); err != nil {
		log.WithError(err).WithField("entry_id", entry.ID).Error("Failed to create audit log")
		return err
	}
	return nil
}

func (r *postgresAuditRepository) GetByID(ctx context.Context, id string) (*domain.AuditLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var entry domain.AuditLogEntry
	err := r.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM audit_logs WHERE id = $1`, id,
	).Scan(logDest(&entry)...)

	if err == sql.ErrNoRows {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		log.WithError(err).WithField("entry_id", id).Error("Failed to get audit log by ID")
		return nil, err
	}

	entry.Timestamp = entry.Timestamp.UTC()
	return &entry, nil
}

func logDest(e *domain.AuditLogEntry) []interface{} {
	return []interface{}{
		&e.ID,
		&e.UserID,
		&e.ProcessID,
		&e.Action,
		&e.ResourceType,
		&e.ResourceID,
		&e.Details,
		&e.IPAddress,
		&e.UserAgent,
		&e.Timestamp,
		&e.Signature,
		&e.PreviousHash,
	}
}

// Snapshot reads log rows, ledger rows and the chain anchor for r inside a
// single repeatable-read transaction, so all three describe the same moment.
func (r *postgresAuditRepository) Snapshot(ctx context.Context, tr domain.TimeRange) (*domain.ChainSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	where, args := rangeClause(tr)
	snapshot := &domain.ChainSnapshot{}

	rows, err := tx.QueryContext(ctx, `SELECT `+logColumns+` FROM audit_logs`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	for rows.Next() {
		var entry domain.AuditLogEntry
		if err := rows.Scan(logDest(&entry)...); err != nil {
			rows.Close()
			log.WithError(err).Error("Failed to scan audit log row")
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		snapshot.Logs = append(snapshot.Logs, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `SELECT id, log_id, hash, previous_hash, signature, created_at, block_index FROM audit_chain`+where+` ORDER BY block_index`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit chain: %w", err)
	}
	for rows.Next() {
		var link domain.AuditChainEntry
		if err := rows.Scan(&link.ID, &link.LogID, &link.Hash, &link.PreviousHash, &link.Signature, &link.Timestamp, &link.BlockIndex); err != nil {
			rows.Close()
			log.WithError(err).Error("Failed to scan audit chain row")
			return nil, err
		}
		link.Timestamp = link.Timestamp.UTC()
		snapshot.Chain = append(snapshot.Chain, link)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(snapshot.Chain) > 0 && snapshot.Chain[0].BlockIndex > 1 {
		snapshot.Anchor, err = readLink(ctx, tx, snapshot.Chain[0].BlockIndex-1)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to close snapshot: %w", err)
	}
	return snapshot, nil
}

// readLink finds a block in the live ledger or, once rotated away, among the
// checkpoints. A block in neither place yields nil.
func readLink(ctx context.Context, q rowQuerier, blockIndex int64) (*domain.ChainLink, error) {
	link := domain.ChainLink{BlockIndex: blockIndex}

	err := q.QueryRowContext(ctx,
		`SELECT signature, created_at FROM audit_chain WHERE block_index = $1`, blockIndex,
	).Scan(&link.Signature, &link.Timestamp)
	if err == nil {
		return &link, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read ledger block %d: %w", blockIndex, err)
	}

	err = q.QueryRowContext(ctx,
		`SELECT signature, created_at FROM audit_chain_checkpoints WHERE block_index = $1`, blockIndex,
	).Scan(&link.Signature, &link.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain checkpoint %d: %w", blockIndex, err)
	}
	return &link, nil
}

func rangeClause(tr domain.TimeRange) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if tr.Start != nil {
		args = append(args, *tr.Start)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if tr.End != nil {
		args = append(args, *tr.End)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// DeleteArchived removes rotated entries from both tables and records the
// checkpoint in the same transaction.
func (r *postgresAuditRepository) DeleteArchived(ctx context.Context, ids []string, checkpoint *domain.ChainCheckpoint) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return 0, fmt.Errorf("failed to lock audit chain: %w", err)
	}

	if checkpoint != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit_chain_checkpoints (block_index, log_id, signature, created_at, archive_file) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (block_index) DO NOTHING`,
			checkpoint.BlockIndex,
			checkpoint.LogID,
			checkpoint.Signature,
			checkpoint.Timestamp,
			checkpoint.ArchiveFile,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to record chain checkpoint: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_chain WHERE log_id = ANY($1::uuid[])`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("failed to delete archived ledger rows: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM audit_logs WHERE id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived audit logs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive deletion: %w", err)
	}

	log.WithField("deleted", deleted).Info("Archived audit logs removed from live store")
	return deleted, nil
}

func (r *postgresAuditRepository) Stats(ctx context.Context) (*domain.StoreStats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var stats domain.StoreStats
	var oldest, newest sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(signature), MIN(created_at), MAX(created_at) FROM audit_logs`,
	).Scan(&stats.TotalEntries, &stats.SignedEntries, &oldest, &newest)
	if err != nil {
		log.WithError(err).Error("Failed to count audit logs")
		return nil, err
	}
	if oldest.Valid {
		t := oldest.Time.UTC()
		stats.OldestTimestamp = &t
	}
	if newest.Valid {
		t := newest.Time.UTC()
		stats.NewestTimestamp = &t
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM audit_chain),
			GREATEST(
				(SELECT COALESCE(MAX(block_index), 0) FROM audit_chain),
				(SELECT COALESCE(MAX(block_index), 0) FROM audit_chain_checkpoints)
			),
			pg_total_relation_size('audit_logs') + pg_total_relation_size('audit_chain')
	`).Scan(&stats.ChainEntries, &stats.LastBlockIndex, &stats.LiveSizeBytes)
	if err != nil {
		log.WithError(err).Error("Failed to read audit chain statistics")
		return nil, err
	}

	return &stats, nil
}

// LockRotation takes the rotation lock on a dedicated connection and keeps it
// until unlock is called.
func (r *postgresAuditRepository) LockRotation(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conn, err := r.db.Conn(lockCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for rotation lock: %w", err)
	}

	var acquired bool
	err = conn.QueryRowContext(lockCtx, `SELECT pg_try_advisory_lock($1)`, rotationLockKey).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to take rotation lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, domain.ErrRotationInProgress
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, rotationLockKey); err != nil {
			log.WithError(err).Warn("Failed to release rotation lock, discarding connection")
			// A session lock lives as long as its connection; never return it to the pool.
			_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
