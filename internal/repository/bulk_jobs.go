package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// JobFilter narrows bulk job history.
type JobFilter struct {
	Status  model.JobStatus
	Channel model.Channel
	Limit   int
	Offset  int
}

// Unit identifies one (customer, channel) delivery of a job.
type Unit struct {
	CustomerID int64
	Channel    model.Channel
}

// BulkJobsRepository persists bulk_jobs and their per-recipient outcomes in
// bulk_job_recipients. Status changes are compare-and-set: they report false
// when the row was not in an allowed source status.
type BulkJobsRepository interface {
	Create(ctx context.Context, job model.BulkMessageJob) error
	Get(ctx context.Context, id string) (*model.BulkMessageJob, error)
	List(ctx context.Context, tenantID int64, f JobFilter) ([]model.BulkMessageJob, int, error)

	Schedule(ctx context.Context, id string, at time.Time) (bool, error)
	Transition(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus) (bool, error)
	// Finish moves a processing job to a terminal status. A job with a
	// pending cancel request never finishes as completed.
	Finish(ctx context.Context, id string, to model.JobStatus, reason *string) (bool, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	CancelRequested(ctx context.Context, id string) (bool, error)

	// SetAudience stores the absolute targeted and skipped counts.
	SetAudience(ctx context.Context, id string, targeted, skipped int) error
	// RecordBatch stores outcomes and adds delta to the counters in one
	// transaction. Counters only move while the job is processing.
	RecordBatch(ctx context.Context, id string, outcomes []model.RecipientOutcome, delta model.JobCounters) error
	// IncrementDelivered bumps delivered while the job is processing.
	IncrementDelivered(ctx context.Context, id string) error
	DoneUnits(ctx context.Context, id string) (map[Unit]model.OutcomeStatus, error)

	DueScheduled(ctx context.Context, now time.Time, limit int) ([]model.BulkMessageJob, error)
	ListProcessing(ctx context.Context, limit int) ([]model.BulkMessageJob, error)
}

type BulkJobsRepositoryImpl struct {
	db *sqlx.DB
}

func NewBulkJobsRepository(db *sqlx.DB) *BulkJobsRepositoryImpl {
	return &BulkJobsRepositoryImpl{db: db}
}

var _ BulkJobsRepository = (*BulkJobsRepositoryImpl)(nil)

const bulkJobColumns = `id, tenant_id, name, channels, recipient_filter, message_content, status, failure_reason,
	cancel_requested, scheduled_at, targeted, sent, delivered, failed, cancelled, skipped,
	created_by, started_at, completed_at, created_at, updated_at`

func (r *BulkJobsRepositoryImpl) Create(ctx context.Context, job model.BulkMessageJob) error {
	if err := job.Encode(); err != nil {
		return err
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO bulk_jobs
		    (id, tenant_id, name, channels, recipient_filter, message_content, status,
		     cancel_requested, scheduled_at, targeted, sent, delivered, failed, cancelled, skipped,
		     created_by, created_at, updated_at)
		VALUES
		    (:id, :tenant_id, :name, :channels, :recipient_filter, :message_content, :status,
		     0, :scheduled_at, 0, 0, 0, 0, 0, 0,
		     :created_by, :created_at, :updated_at)
	`, job)
	return err
}

func (r *BulkJobsRepositoryImpl) Get(ctx context.Context, id string) (*model.BulkMessageJob, error) {
	var j model.BulkMessageJob
	err := r.db.GetContext(ctx, &j, `SELECT `+bulkJobColumns+` FROM bulk_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := j.Decode(); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *BulkJobsRepositoryImpl) selectJobs(ctx context.Context, q string, args ...any) ([]model.BulkMessageJob, error) {
	var rows []model.BulkMessageJob
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	for i := range rows {
		if err := rows[i].Decode(); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (r *BulkJobsRepositoryImpl) List(ctx context.Context, tenantID int64, f JobFilter) ([]model.BulkMessageJob, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset, 20, 100)

	where := ` WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Channel != "" {
		where += ` AND JSON_CONTAINS(channels, JSON_QUOTE(?))`
		args = append(args, f.Channel)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM bulk_jobs`+where, args...); err != nil {
		return nil, 0, err
	}

	rows, err := r.selectJobs(ctx, `SELECT `+bulkJobColumns+` FROM bulk_jobs`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *BulkJobsRepositoryImpl) Schedule(ctx context.Context, id string, at time.Time) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE bulk_jobs SET status = 'scheduled', scheduled_at = ?, updated_at = NOW()
		 WHERE id = ? AND status IN ('draft', 'scheduled')
	`, at, id))
}

func (r *BulkJobsRepositoryImpl) Transition(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	base := `UPDATE bulk_jobs SET status = ?, updated_at = NOW()`
	if to == model.JobProcessing {
		base += `, started_at = COALESCE(started_at, NOW())`
	}
	if to.Terminal() {
		base += `, completed_at = NOW()`
	}
	base += ` WHERE id = ? AND status IN (?)`

	q, args, err := sqlx.In(base, to, id, from)
	if err != nil {
		return false, err
	}
	return affected(r.db.ExecContext(ctx, r.db.Rebind(q), args...))
}

func (r *BulkJobsRepositoryImpl) Finish(ctx context.Context, id string, to model.JobStatus, reason *string) (bool, error) {
	q := `
		UPDATE bulk_jobs
		   SET status = ?, failure_reason = ?, completed_at = NOW(), updated_at = NOW()
		 WHERE id = ? AND status = 'processing'`
	if to == model.JobCompleted {
		q += ` AND cancel_requested = 0`
	}
	return affected(r.db.ExecContext(ctx, q, to, reason, id))
}

func (r *BulkJobsRepositoryImpl) RequestCancel(ctx context.Context, id string) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE bulk_jobs SET cancel_requested = 1, updated_at = NOW()
		 WHERE id = ? AND status = 'processing' AND cancel_requested = 0
	`, id))
}

func (r *BulkJobsRepositoryImpl) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := r.db.GetContext(ctx, &flag, `SELECT cancel_requested FROM bulk_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return flag, err
}

func (r *BulkJobsRepositoryImpl) SetAudience(ctx context.Context, id string, targeted, skipped int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bulk_jobs SET targeted = ?, skipped = ?, updated_at = NOW()
		 WHERE id = ? AND status = 'processing'
	`, targeted, skipped, id)
	return err
}

func (r *BulkJobsRepositoryImpl) RecordBatch(ctx context.Context, id string, outcomes []model.RecipientOutcome, delta model.JobCounters) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if len(outcomes) > 0 {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT IGNORE INTO bulk_job_recipients
				    (job_id, customer_id, channel, status, reason, message_id, created_at)
				VALUES
				    (:job_id, :customer_id, :channel, :status, :reason, :message_id, :created_at)
			`, outcomes); err != nil {
				return err
			}
		}
		if delta.IsZero() {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE bulk_jobs
			   SET sent = sent + ?, delivered = delivered + ?, failed = failed + ?,
			       cancelled = cancelled + ?, skipped = skipped + ?, updated_at = NOW()
			 WHERE id = ? AND status = 'processing'
		`, delta.Sent, delta.Delivered, delta.Failed, delta.Cancelled, delta.Skipped, id)
		return err
	})
}

func (r *BulkJobsRepositoryImpl) IncrementDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bulk_jobs SET delivered = delivered + 1, updated_at = NOW()
		 WHERE id = ? AND status = 'processing'
	`, id)
	return err
}

func (r *BulkJobsRepositoryImpl) DoneUnits(ctx context.Context, id string) (map[Unit]model.OutcomeStatus, error) {
	var rows []model.RecipientOutcome
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT job_id, customer_id, channel, status, reason, message_id, created_at
		  FROM bulk_job_recipients
		 WHERE job_id = ?
	`, id); err != nil {
		return nil, err
	}
	out := make(map[Unit]model.OutcomeStatus, len(rows))
	for _, o := range rows {
		out[Unit{CustomerID: o.CustomerID, Channel: o.Channel}] = o.Status
	}
	return out, nil
}

func (r *BulkJobsRepositoryImpl) DueScheduled(ctx context.Context, now time.Time, limit int) ([]model.BulkMessageJob, error) {
	limit, _ = clampPage(limit, 0, 50, 500)
	return r.selectJobs(ctx, `
		SELECT `+bulkJobColumns+`
		  FROM bulk_jobs
		 WHERE status = 'scheduled' AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC
		 LIMIT ?
	`, now, limit)
}

func (r *BulkJobsRepositoryImpl) ListProcessing(ctx context.Context, limit int) ([]model.BulkMessageJob, error) {
	limit, _ = clampPage(limit, 0, 50, 500)
	return r.selectJobs(ctx, `
		SELECT `+bulkJobColumns+`
		  FROM bulk_jobs
		 WHERE status = 'processing'
		 ORDER BY started_at ASC
		 LIMIT ?
	`, limit)
}
