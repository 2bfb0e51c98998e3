package repotest

import (
	"context"
	"sort"
	"time"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository"
)

type BulkJobsRepo struct{ *Store }

var _ repository.BulkJobsRepository = BulkJobsRepo{}

func (r BulkJobsRepo) Create(_ context.Context, job model.BulkMessageJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Jobs[job.ID] = job
	return nil
}

func (r BulkJobsRepo) Get(_ context.Context, id string) (*model.BulkMessageJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.Jobs[id]; ok {
		return &j, nil
	}
	return nil, nil
}

func (r BulkJobsRepo) List(_ context.Context, tenantID int64, f repository.JobFilter) ([]model.BulkMessageJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.BulkMessageJob
	for _, j := range r.Jobs {
		if j.TenantID != tenantID || (f.Status != "" && j.Status != f.Status) {
			continue
		}
		if f.Channel != "" && !hasChannel(j.Channels, f.Channel) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = nil
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func hasChannel(chs []model.Channel, ch model.Channel) bool {
	for _, c := range chs {
		if c == ch {
			return true
		}
	}
	return false
}

func (r BulkJobsRepo) Schedule(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok || (j.Status != model.JobDraft && j.Status != model.JobScheduled) {
		return false, nil
	}
	j.Status = model.JobScheduled
	j.ScheduledAt = &at
	r.Jobs[id] = j
	return true, nil
}

func (r BulkJobsRepo) Transition(_ context.Context, id string, from []model.JobStatus, to model.JobStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, f := range from {
		if j.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = to
	if to == model.JobProcessing && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() {
		j.CompletedAt = &now
	}
	r.Jobs[id] = j
	return true, nil
}

func (r BulkJobsRepo) Finish(_ context.Context, id string, to model.JobStatus, reason *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok || j.Status != model.JobProcessing {
		return false, nil
	}
	if to == model.JobCompleted && j.CancelRequested {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = to
	j.FailureReason = reason
	j.CompletedAt = &now
	r.Jobs[id] = j
	return true, nil
}

func (r BulkJobsRepo) RequestCancel(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok || j.Status != model.JobProcessing || j.CancelRequested {
		return false, nil
	}
	j.CancelRequested = true
	r.Jobs[id] = j
	return true, nil
}

func (r BulkJobsRepo) CancelRequested(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Jobs[id].CancelRequested, nil
}

func (r BulkJobsRepo) SetAudience(_ context.Context, id string, targeted, skipped int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if ok && j.Status == model.JobProcessing {
		j.Targeted = targeted
		j.Skipped = skipped
		r.Jobs[id] = j
	}
	return nil
}

func (r BulkJobsRepo) RecordBatch(_ context.Context, id string, outcomes []model.RecipientOutcome, delta model.JobCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[repository.Unit]bool{}
	for _, o := range r.Outcomes[id] {
		seen[repository.Unit{CustomerID: o.CustomerID, Channel: o.Channel}] = true
	}
	for _, o := range outcomes {
		u := repository.Unit{CustomerID: o.CustomerID, Channel: o.Channel}
		if !seen[u] {
			r.Outcomes[id] = append(r.Outcomes[id], o)
			seen[u] = true
		}
	}
	j, ok := r.Jobs[id]
	if ok && j.Status == model.JobProcessing {
		delta.Targeted = 0
		j.JobCounters = j.JobCounters.Add(delta)
		r.Jobs[id] = j
	}
	return nil
}

func (r BulkJobsRepo) IncrementDelivered(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if ok && j.Status == model.JobProcessing {
		j.Delivered++
		r.Jobs[id] = j
	}
	return nil
}

func (r BulkJobsRepo) DoneUnits(_ context.Context, id string) (map[repository.Unit]model.OutcomeStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[repository.Unit]model.OutcomeStatus{}
	for _, o := range r.Outcomes[id] {
		out[repository.Unit{CustomerID: o.CustomerID, Channel: o.Channel}] = o.Status
	}
	return out, nil
}

func (r BulkJobsRepo) DueScheduled(_ context.Context, now time.Time, limit int) ([]model.BulkMessageJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.BulkMessageJob
	for _, j := range r.Jobs {
		if j.Status == model.JobScheduled && j.ScheduledAt != nil && !j.ScheduledAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ScheduledAt.Before(*out[b].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r BulkJobsRepo) ListProcessing(_ context.Context, limit int) ([]model.BulkMessageJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.BulkMessageJob
	for _, j := range r.Jobs {
		if j.Status == model.JobProcessing {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
