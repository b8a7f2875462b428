package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/nats3bridge/nats3/errs"
	"github.com/nats3bridge/nats3/job"
)

// PostgresStore implements Store over a Postgres database reached through
// database/sql and the lib/pq driver, per section 6's schema.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens and pings a Postgres connection at dsn.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "open catalog database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Fatal, "ping catalog database", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error { return p.db.Close() }

// DB exposes the underlying *sql.DB, for callers (migrations.Apply) that
// operate below the Store interface.
func (p *PostgresStore) DB() *sql.DB { return p.db }

const storeJobColumns = `id, name, status, desired, reason, stream, consumer, subject, bucket, prefix,
	max_bytes, max_count, max_age_seconds, codec, created_at, updated_at, deleted_at`

func (p *PostgresStore) UpsertStoreJob(ctx context.Context, j job.StoreJob) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO store_jobs (id, name, status, desired, reason, stream, consumer, subject, bucket, prefix,
			max_bytes, max_count, max_age_seconds, codec, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			name=$2, status=$3, desired=$4, reason=$5, stream=$6, consumer=$7, subject=$8, bucket=$9,
			prefix=$10, max_bytes=$11, max_count=$12, max_age_seconds=$13, codec=$14, updated_at=$16`,
		j.ID.String(), j.Name, j.Status, j.Desired, j.Reason, j.Stream, j.Consumer, j.Subject, j.Bucket,
		j.Prefix, j.Batch.MaxBytes, j.Batch.MaxCount, int64(j.Batch.MaxAge/time.Second), j.Codec,
		j.CreatedAt, j.UpdatedAt)
	return translateUniqueViolation(err, "store job name in use")
}

func (p *PostgresStore) UpsertLoadJob(ctx context.Context, j job.LoadJob) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO load_jobs (id, name, status, desired, reason, bucket, prefix, stream, subject,
			write_subject, from_time, to_time, poll_interval_seconds, delete_chunks, consumer, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			name=$2, status=$3, desired=$4, reason=$5, bucket=$6, prefix=$7, stream=$8, subject=$9,
			write_subject=$10, from_time=$11, to_time=$12, poll_interval_seconds=$13, delete_chunks=$14,
			consumer=$15, updated_at=$17`,
		j.ID.String(), j.Name, j.Status, j.Desired, j.Reason, j.Bucket, j.Prefix, j.Stream, j.Subject,
		j.WriteSubject, j.FromTime, j.ToTime, int64(j.PollInterval/time.Second), j.DeleteChunks, j.Consumer,
		j.CreatedAt, j.UpdatedAt)
	return translateUniqueViolation(err, "load job name in use")
}

func translateUniqueViolation(err error, msg string) error {
	if err == nil {
		return nil
	}
	// lib/pq surfaces unique_violation as error code 23505; we check the
	// message substring rather than importing pq.Error's code table, since
	// the driver's Error type is only reliably comparable via .Error().
	if containsConstraintViolation(err) {
		return errs.Wrap(errs.Conflict, msg, ErrNameConflict)
	}
	return errs.Wrap(errs.Transient, "catalog write", err)
}

func containsConstraintViolation(err error) bool {
	return err != nil && (stringsContains(err.Error(), "23505") || stringsContains(err.Error(), "unique constraint"))
}

func stringsContains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func (p *PostgresStore) GetStoreJob(ctx context.Context, id job.ID) (job.StoreJob, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+storeJobColumns+` FROM store_jobs WHERE id=$1`, id.String())
	return scanStoreJob(row)
}

func (p *PostgresStore) GetLoadJob(ctx context.Context, id job.ID) (job.LoadJob, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+loadJobColumns+` FROM load_jobs WHERE id=$1`, id.String())
	return scanLoadJob(row)
}

const loadJobColumns = `id, name, status, desired, reason, bucket, prefix, stream, subject, write_subject,
	from_time, to_time, poll_interval_seconds, delete_chunks, consumer, created_at, updated_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStoreJob(row scanner) (job.StoreJob, error) {
	var j job.StoreJob
	var idStr string
	var maxAgeSeconds int64
	var deletedAt sql.NullTime
	err := row.Scan(&idStr, &j.Name, &j.Status, &j.Desired, &j.Reason, &j.Stream, &j.Consumer, &j.Subject,
		&j.Bucket, &j.Prefix, &j.Batch.MaxBytes, &j.Batch.MaxCount, &maxAgeSeconds, &j.Codec,
		&j.CreatedAt, &j.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job.StoreJob{}, ErrNotFound
	}
	if err != nil {
		return job.StoreJob{}, errs.Wrap(errs.Transient, "scan store job", err)
	}
	id, err := job.ParseID(idStr)
	if err != nil {
		return job.StoreJob{}, errs.Wrap(errs.Integrity, "parse store job id", err)
	}
	j.ID = id
	j.Batch.MaxAge = time.Duration(maxAgeSeconds) * time.Second
	if deletedAt.Valid {
		j.DeletedAt = &deletedAt.Time
	}
	return j, nil
}

func scanLoadJob(row scanner) (job.LoadJob, error) {
	var j job.LoadJob
	var idStr string
	var pollSeconds int64
	var fromTime, toTime, deletedAt sql.NullTime
	err := row.Scan(&idStr, &j.Name, &j.Status, &j.Desired, &j.Reason, &j.Bucket, &j.Prefix, &j.Stream,
		&j.Subject, &j.WriteSubject, &fromTime, &toTime, &pollSeconds, &j.DeleteChunks, &j.Consumer,
		&j.CreatedAt, &j.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job.LoadJob{}, ErrNotFound
	}
	if err != nil {
		return job.LoadJob{}, errs.Wrap(errs.Transient, "scan load job", err)
	}
	id, err := job.ParseID(idStr)
	if err != nil {
		return job.LoadJob{}, errs.Wrap(errs.Integrity, "parse load job id", err)
	}
	j.ID = id
	j.PollInterval = time.Duration(pollSeconds) * time.Second
	if fromTime.Valid {
		j.FromTime = &fromTime.Time
	}
	if toTime.Valid {
		j.ToTime = &toTime.Time
	}
	if deletedAt.Valid {
		j.DeletedAt = &deletedAt.Time
	}
	return j, nil
}

func (p *PostgresStore) ListStoreJobs(ctx context.Context) ([]job.StoreJob, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+storeJobColumns+` FROM store_jobs WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "list store jobs", err)
	}
	defer rows.Close()
	var out []job.StoreJob
	for rows.Next() {
		j, err := scanStoreJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListLoadJobs(ctx context.Context) ([]job.LoadJob, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+loadJobColumns+` FROM load_jobs WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "list load jobs", err)
	}
	defer rows.Close()
	var out []job.LoadJob
	for rows.Next() {
		j, err := scanLoadJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetStatus(ctx context.Context, id job.ID, kind job.Kind, status job.Status, reason string) error {
	table := tableFor(kind)
	var current job.Status
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id=$1`, table), id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errs.Wrap(errs.Transient, "read job status", err)
	}
	if !current.CanTransitionTo(status) && current != status {
		return errs.Wrap(errs.Conflict, "illegal status transition", transitionErr(current, status))
	}
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status=$1, reason=$2, updated_at=now() WHERE id=$3`, table),
		status, reason, id.String())
	return expectRow(res, err, "set job status")
}

func (p *PostgresStore) SetDesired(ctx context.Context, id job.ID, kind job.Kind, desired job.Status) error {
	table := tableFor(kind)
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET desired=$1, updated_at=now() WHERE id=$2`, table),
		desired, id.String())
	return expectRow(res, err, "set job desired status")
}

func (p *PostgresStore) SoftDeleteJob(ctx context.Context, id job.ID, kind job.Kind) error {
	table := tableFor(kind)
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted_at=now(), updated_at=now() WHERE id=$1 AND deleted_at IS NULL`, table),
		id.String())
	return expectRow(res, err, "soft delete job")
}

func tableFor(kind job.Kind) string {
	if kind == job.KindStore {
		return "store_jobs"
	}
	return "load_jobs"
}

func expectRow(res sql.Result, err error, msg string) error {
	if err != nil {
		return errs.Wrap(errs.Transient, msg, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.Transient, msg, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecoverRunning(ctx context.Context) ([]job.StoreJob, []job.LoadJob, error) {
	sRows, err := p.db.QueryContext(ctx, `SELECT `+storeJobColumns+` FROM store_jobs WHERE status='Running' AND deleted_at IS NULL`)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Transient, "recover running store jobs", err)
	}
	defer sRows.Close()
	var sj []job.StoreJob
	for sRows.Next() {
		j, err := scanStoreJob(sRows)
		if err != nil {
			return nil, nil, err
		}
		sj = append(sj, j)
	}

	lRows, err := p.db.QueryContext(ctx, `SELECT `+loadJobColumns+` FROM load_jobs WHERE status='Running' AND deleted_at IS NULL`)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Transient, "recover running load jobs", err)
	}
	defer lRows.Close()
	var lj []job.LoadJob
	for lRows.Next() {
		j, err := scanLoadJob(lRows)
		if err != nil {
			return nil, nil, err
		}
		lj = append(lj, j)
	}
	return sj, lj, nil
}

// WithJobLock takes a row-level lock on the job's row via SELECT ... FOR
// UPDATE inside a transaction, serializing concurrent mutations to the
// same job per section 5, then runs fn before committing.
func (p *PostgresStore) WithJobLock(ctx context.Context, id job.ID, fn func(ctx context.Context) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Transient, "begin job lock tx", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM store_jobs WHERE id=$1 FOR UPDATE)
		OR EXISTS(SELECT 1 FROM load_jobs WHERE id=$1 FOR UPDATE)`, id.String()).Scan(&exists)
	if err != nil {
		return errs.Wrap(errs.Transient, "lock job row", err)
	}
	if !exists {
		return ErrNotFound
	}

	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Transient, "commit job lock tx", err)
	}
	return nil
}

func (p *PostgresStore) NextSequenceNumber(ctx context.Context) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('chunk_sequence_number_seq')`).Scan(&seq)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "next sequence number", err)
	}
	return seq, nil
}

func (p *PostgresStore) InsertChunk(ctx context.Context, c job.Chunk) error {
	var storeJobID any
	if c.StoreJobID != nil {
		storeJobID = c.StoreJobID.String()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chunks (sequence_number, store_job_id, bucket, prefix, key, stream, consumer, subject,
			timestamp_start, timestamp_end, message_count, size_bytes, codec, content_hash, schema_version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		c.SequenceNumber, storeJobID, c.Bucket, c.Prefix, c.Key, c.Stream, c.Consumer, c.Subject,
		c.TimestampStart, c.TimestampEnd, c.MessageCount, c.SizeBytes, c.Codec, c.ContentHash[:],
		c.SchemaVersion, c.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.Transient, "insert chunk", err)
	}
	return nil
}

func (p *PostgresStore) SelectChunks(ctx context.Context, sel ChunkSelector) ([]job.Chunk, error) {
	query := `SELECT sequence_number, store_job_id, bucket, prefix, key, stream, consumer, subject,
		timestamp_start, timestamp_end, message_count, size_bytes, codec, content_hash, schema_version,
		created_at, deleted_at
		FROM chunks WHERE deleted_at IS NULL AND bucket=$1 AND stream=$2 AND subject=$3 AND sequence_number > $4`
	args := []any{sel.Bucket, sel.Stream, sel.Subject, sel.AfterSeq}
	if sel.Prefix != "" {
		args = append(args, sel.Prefix)
		query += fmt.Sprintf(` AND prefix=$%d`, len(args))
	}
	if sel.FromTime != nil {
		args = append(args, *sel.FromTime)
		query += fmt.Sprintf(` AND timestamp_end >= $%d`, len(args))
	}
	if sel.ToTime != nil {
		args = append(args, *sel.ToTime)
		query += fmt.Sprintf(` AND timestamp_start <= $%d`, len(args))
	}
	query += ` ORDER BY timestamp_start, sequence_number`
	if sel.Limit > 0 {
		args = append(args, sel.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "select chunks", err)
	}
	defer rows.Close()

	var out []job.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(row scanner) (job.Chunk, error) {
	var c job.Chunk
	var storeJobID sql.NullString
	var hash []byte
	var deletedAt sql.NullTime
	err := row.Scan(&c.SequenceNumber, &storeJobID, &c.Bucket, &c.Prefix, &c.Key, &c.Stream, &c.Consumer,
		&c.Subject, &c.TimestampStart, &c.TimestampEnd, &c.MessageCount, &c.SizeBytes, &c.Codec, &hash,
		&c.SchemaVersion, &c.CreatedAt, &deletedAt)
	if err != nil {
		return job.Chunk{}, errs.Wrap(errs.Transient, "scan chunk", err)
	}
	if storeJobID.Valid {
		id, err := job.ParseID(storeJobID.String)
		if err != nil {
			return job.Chunk{}, errs.Wrap(errs.Integrity, "parse chunk store job id", err)
		}
		c.StoreJobID = &id
	}
	copy(c.ContentHash[:], hash)
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return c, nil
}

func (p *PostgresStore) MarkChunkDeleted(ctx context.Context, sequenceNumber int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE chunks SET deleted_at=now() WHERE sequence_number=$1 AND deleted_at IS NULL`, sequenceNumber)
	return expectRow(res, err, "mark chunk deleted")
}

func (p *PostgresStore) PurgeDeletedChunks(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM chunks WHERE deleted_at IS NOT NULL AND deleted_at < $1`, olderThan)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "purge deleted chunks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "purge deleted chunks rows affected", err)
	}
	return int(n), nil
}

func (p *PostgresStore) ListOrphanCandidates(ctx context.Context, bucket, prefix string, olderThan time.Time) ([]job.Chunk, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT sequence_number, store_job_id, bucket, prefix, key, stream,
		consumer, subject, timestamp_start, timestamp_end, message_count, size_bytes, codec, content_hash,
		schema_version, created_at, deleted_at
		FROM chunks WHERE bucket=$1 AND prefix=$2 AND created_at < $3`, bucket, prefix, olderThan)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "list orphan candidates", err)
	}
	defer rows.Close()
	var out []job.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveLoadCursor(ctx context.Context, id job.ID, cur job.LoadCursor) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO load_cursors (load_job_id, last_chunk_sequence_completed, intra_chunk_index, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (load_job_id) DO UPDATE SET
			last_chunk_sequence_completed=$2, intra_chunk_index=$3, updated_at=now()`,
		id.String(), cur.LastChunkSequenceCompleted, cur.IntraChunkIndex)
	if err != nil {
		return errs.Wrap(errs.Transient, "save load cursor", err)
	}
	return nil
}

func (p *PostgresStore) GetLoadCursor(ctx context.Context, id job.ID) (job.LoadCursor, error) {
	var cur job.LoadCursor
	err := p.db.QueryRowContext(ctx, `SELECT last_chunk_sequence_completed, intra_chunk_index FROM load_cursors WHERE load_job_id=$1`, id.String()).
		Scan(&cur.LastChunkSequenceCompleted, &cur.IntraChunkIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return job.LoadCursor{}, nil
	}
	if err != nil {
		return job.LoadCursor{}, errs.Wrap(errs.Transient, "get load cursor", err)
	}
	return cur, nil
}
