// Package targeting turns a declarative RecipientFilter into a concrete,
// ordered recipient list. Every criterion is one predicate; predicates are
// ANDed. Recipients always come back in ascending customer id order, so a
// preview is a stable prefix of the full resolution.
package targeting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
)

// Directory pages through a tenant's customers by ascending id.
type Directory interface {
	ListPage(ctx context.Context, tenantID, afterID int64, limit int, ids []int64) ([]model.Customer, error)
}

// Predicate is one filter criterion.
type Predicate func(c model.Customer) bool

const day = 24 * time.Hour

// Predicates builds the predicate list of f evaluated at now.
func Predicates(f model.RecipientFilter, now time.Time) []Predicate {
	var ps []Predicate

	if f.MinVisits != nil {
		min := *f.MinVisits
		ps = append(ps, func(c model.Customer) bool { return c.VisitCount >= min })
	}
	if f.MaxVisits != nil {
		max := *f.MaxVisits
		ps = append(ps, func(c model.Customer) bool { return c.VisitCount <= max })
	}
	if f.LastVisitWithinDays != nil {
		since := now.Add(-time.Duration(*f.LastVisitWithinDays) * day)
		ps = append(ps, func(c model.Customer) bool {
			return c.LastVisitAt != nil && !c.LastVisitAt.Before(since)
		})
	}
	if f.InactiveForDays != nil {
		cutoff := now.Add(-time.Duration(*f.InactiveForDays) * day)
		ps = append(ps, func(c model.Customer) bool {
			return c.LastVisitAt == nil || c.LastVisitAt.Before(cutoff)
		})
	}
	if f.MinLifetimeSpend != nil {
		min := *f.MinLifetimeSpend
		ps = append(ps, func(c model.Customer) bool { return c.LifetimeSpend >= min })
	}
	for _, tag := range f.Tags {
		tag := strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		ps = append(ps, func(c model.Customer) bool { return c.HasTag(tag) })
	}
	if g := strings.TrimSpace(f.Gender); g != "" {
		ps = append(ps, func(c model.Customer) bool { return strings.EqualFold(c.Gender, g) })
	}
	if len(f.CustomerIDs) > 0 {
		ids := make(map[int64]struct{}, len(f.CustomerIDs))
		for _, id := range f.CustomerIDs {
			ids[id] = struct{}{}
		}
		ps = append(ps, func(c model.Customer) bool {
			_, ok := ids[c.ID]
			return ok
		})
	}
	return ps
}

// Matches reports whether c satisfies every predicate.
func Matches(c model.Customer, ps []Predicate) bool {
	for _, p := range ps {
		if !p(c) {
			return false
		}
	}
	return true
}

// Validate rejects filters that can never be meaningful.
func Validate(f model.RecipientFilter) error {
	nonNeg := map[string]*int{
		"min_visits":             f.MinVisits,
		"max_visits":             f.MaxVisits,
		"last_visit_within_days": f.LastVisitWithinDays,
		"inactive_for_days":      f.InactiveForDays,
	}
	for field, v := range nonNeg {
		if v != nil && *v < 0 {
			return apperr.NewValidation("recipient_filter."+field, "must not be negative")
		}
	}
	if f.MinVisits != nil && f.MaxVisits != nil && *f.MinVisits > *f.MaxVisits {
		return apperr.NewValidation("recipient_filter", "min_visits is greater than max_visits")
	}
	if f.MinLifetimeSpend != nil && *f.MinLifetimeSpend < 0 {
		return apperr.NewValidation("recipient_filter.min_lifetime_spend", "must not be negative")
	}
	return nil
}

// Resolver evaluates filters against the customer directory.
type Resolver struct {
	dir      Directory
	pageSize int
	now      func() time.Time
}

func NewResolver(dir Directory, pageSize int) *Resolver {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Resolver{dir: dir, pageSize: pageSize, now: time.Now}
}

// walk visits matching recipients in order until fn returns false.
func (r *Resolver) walk(ctx context.Context, tenantID int64, f model.RecipientFilter, fn func(model.Recipient) bool) error {
	ps := Predicates(f, r.now())

	var after int64
	for {
		page, err := r.dir.ListPage(ctx, tenantID, after, r.pageSize, f.CustomerIDs)
		if err != nil {
			return fmt.Errorf("list customers after %d: %w", after, err)
		}
		for _, c := range page {
			after = c.ID
			if !Matches(c, ps) {
				continue
			}
			if !fn(model.NewRecipient(c)) {
				return nil
			}
		}
		if len(page) < r.pageSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Resolve returns every recipient matching f.
func (r *Resolver) Resolve(ctx context.Context, tenantID int64, f model.RecipientFilter) ([]model.Recipient, error) {
	var out []model.Recipient
	err := r.walk(ctx, tenantID, f, func(rc model.Recipient) bool {
		out = append(out, rc)
		return true
	})
	return out, err
}

// Preview returns the first n recipients of Resolve.
func (r *Resolver) Preview(ctx context.Context, tenantID int64, f model.RecipientFilter, n int) ([]model.Recipient, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]model.Recipient, 0, n)
	err := r.walk(ctx, tenantID, f, func(rc model.Recipient) bool {
		out = append(out, rc)
		return len(out) < n
	})
	return out, err
}

// Count returns the number of recipients matching f.
func (r *Resolver) Count(ctx context.Context, tenantID int64, f model.RecipientFilter) (int, error) {
	n := 0
	err := r.walk(ctx, tenantID, f, func(model.Recipient) bool {
		n++
		return true
	})
	return n, err
}

// Partition keeps the recipients addressable on ch, preserving order.
func Partition(recipients []model.Recipient, ch model.Channel) []model.Recipient {
	out := make([]model.Recipient, 0, len(recipients))
	for _, rc := range recipients {
		if rc.Addresses[ch] != "" {
			out = append(out, rc)
		}
	}
	return out
}
