package distribution

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/db/option"
	"impact-donations/pkg/db/pagination"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/repository"
	"impact-donations/pkg/sequence"
	"impact-donations/services/catalog"
	"impact-donations/services/donation"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("impact-donations/services/distribution")

const (
	ReasonInsufficientUnallocated = "INSUFFICIENT_UNALLOCATED_ITEMS"
	ReasonBatchNotFound           = "BATCH_NOT_FOUND"
	ReasonMembershipNotFound      = "MEMBERSHIP_NOT_FOUND"
	ReasonBatchLocked             = "BATCH_LOCKED"
	ReasonAlreadyAllocated        = "ALREADY_ALLOCATED"
	ReasonPlannedDateInPast       = "PLANNED_DATE_IN_PAST"
)

var (
	ErrInsufficientUnallocated = errutil.BaseError{Code: errutil.StatusConflict, Reason: ReasonInsufficientUnallocated}
	ErrBatchNotFound           = errutil.BaseError{Code: errutil.StatusNotFound, Reason: ReasonBatchNotFound}
	ErrMembershipNotFound      = errutil.BaseError{Code: errutil.StatusNotFound, Reason: ReasonMembershipNotFound}
	ErrBatchLocked             = errutil.BaseError{Code: errutil.StatusConflict, Reason: ReasonBatchLocked}
	ErrAlreadyAllocated        = errutil.BaseError{Code: errutil.StatusConflict, Reason: ReasonAlreadyAllocated}
	ErrInvalidTransition       = errutil.BaseError{Code: errutil.StatusConflict, Reason: "INVALID_TRANSITION"}
)

// unassigned selects pending items with no active membership.
const unassigned = "fulfillment_items.status = ? AND NOT EXISTS (" +
	"SELECT 1 FROM batch_memberships bm WHERE bm.active_fulfillment_item_id = fulfillment_items.id)"

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	seq     sequence.Generator
	catalog *catalog.Service
	loc     *time.Location
	now     func() time.Time

	batches repository.Repository[Batch]
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Sequence sequence.Generator
	Catalog  *catalog.Service
}

func NewService(p Params) *Service {
	loc := time.UTC
	if p.Config != nil && p.Config.Timezone != "" {
		if l, err := time.LoadLocation(p.Config.Timezone); err == nil {
			loc = l
		} else {
			zap.L().Warn("unknown timezone, planned dates use UTC", zap.String("timezone", p.Config.Timezone))
		}
	}
	return &Service{
		db:      p.DB,
		node:    p.Node,
		seq:     p.Sequence,
		catalog: p.Catalog,
		loc:     loc,
		now:     time.Now,
		batches: repository.ProvideStore[Batch](p.DB),
	}
}

// GetBatch returns the stored batch snapshot.
func (s *Service) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := s.batches.FindOne(ctx, &Batch{ID: id})
	if err != nil {
		return nil, errutil.ServiceUnavailable("failed to load batch", err)
	}
	if b == nil {
		return nil, errutil.NotFound("batch not found", nil, errutil.WithReason(ReasonBatchNotFound))
	}
	return b, nil
}

func (s *Service) ListBatches(ctx context.Context, campaignID string, p pagination.Pagination) ([]*Batch, error) {
	rows, err := s.batches.Find(ctx, &Batch{CampaignID: campaignID},
		option.WithSortBy(option.QuerySortBy{SortBy: "planned_date", OrderBy: "asc", Allow: map[string]bool{"planned_date": true}}),
		option.ApplyPagination(p))
	if err != nil {
		return nil, errutil.ServiceUnavailable("failed to list batches", err)
	}
	return rows, nil
}

// UnassignedCount is the number of pending items for a product that no active
// batch holds.
func (s *Service) UnassignedCount(ctx context.Context, productID string) (int64, error) {
	if _, err := s.catalog.GetProduct(ctx, productID); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&donation.FulfillmentItem{}).
		Where("fulfillment_items.product_id = ?", productID).
		Where(unassigned, donation.ItemStatusPending).
		Count(&n).Error
	if err != nil {
		return 0, errutil.ServiceUnavailable("failed to count items", err)
	}
	return n, nil
}

// OverrideStatus forces a batch status. An empty status clears the override
// and recomputes the roll-up. Cancelling goes through CancelBatch.
func (s *Service) OverrideStatus(ctx context.Context, batchID string, status BatchStatus) (*Progress, error) {
	if status == BatchStatusCancelled || (status != "" && !status.Valid()) {
		return nil, errutil.ValidationFailed("invalid batch status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "must be planning, prepared, in_progress or completed"}))
	}

	var out *Progress
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBatch(tx, batchID)
		if err != nil {
			return err
		}
		if b.Status == BatchStatusCancelled {
			return errutil.Conflict("batch is cancelled", nil, errutil.WithReason(ReasonBatchLocked))
		}

		updates := map[string]any{"status_overridden": status != ""}
		if status != "" {
			updates["status"] = status
		}
		if err := tx.Model(&Batch{}).Where("id = ?", batchID).Updates(updates).Error; err != nil {
			return err
		}
		out, err = recompute(tx, batchID)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err, "failed to override batch status")
	}
	zap.L().Info("batch status overridden", zap.String("batch_id", batchID), zap.String("status", string(out.Status)))
	return out, nil
}

// CancelBatch releases every membership and returns the items to pending. A
// batch with a distributed member cannot be cancelled.
func (s *Service) CancelBatch(ctx context.Context, batchID string) (*Progress, error) {
	var out *Progress
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBatch(tx, batchID)
		if err != nil {
			return err
		}
		if b.Status == BatchStatusCancelled {
			out = b.Progress()
			return nil
		}

		var itemIDs []string
		if err := tx.Model(&BatchMembership{}).
			Where("batch_id = ? AND active_fulfillment_item_id IS NOT NULL", batchID).
			Pluck("fulfillment_item_id", &itemIDs).Error; err != nil {
			return err
		}

		if len(itemIDs) > 0 {
			var distributed int64
			if err := tx.Model(&donation.FulfillmentItem{}).
				Where("id IN ? AND status = ?", itemIDs, donation.ItemStatusDistributed).
				Count(&distributed).Error; err != nil {
				return err
			}
			if distributed > 0 {
				return errutil.Conflict("batch has distributed items", nil, errutil.WithReason(ReasonBatchLocked))
			}

			if err := tx.Model(&donation.FulfillmentItem{}).
				Where("id IN ?", itemIDs).
				Update("status", donation.ItemStatusPending).Error; err != nil {
				return err
			}
			if err := tx.Model(&BatchMembership{}).
				Where("batch_id = ? AND active_fulfillment_item_id IS NOT NULL", batchID).
				Updates(map[string]any{
					"active_fulfillment_item_id": nil,
					"status":                     donation.ItemStatusPending,
					"released_at":                s.now(),
				}).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&Batch{}).Where("id = ?", batchID).
			Updates(map[string]any{"status": BatchStatusCancelled, "status_overridden": false}).Error; err != nil {
			return err
		}
		out, err = recompute(tx, batchID)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err, "failed to cancel batch")
	}
	allocationTotal.WithLabelValues("cancelled").Inc()
	zap.L().Info("batch cancelled", zap.String("batch_id", batchID))
	return out, nil
}

func lockBatch(tx *gorm.DB, id string) (*Batch, error) {
	var b Batch
	if err := tx.Scopes(option.LockingUpdate).Where("id = ?", id).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("batch not found", nil, errutil.WithReason(ReasonBatchNotFound))
		}
		return nil, err
	}
	return &b, nil
}

type bucket struct {
	Status string
	Items  int
	Units  int
	Value  decimal.Decimal
}

// recompute refreshes the denormalized counts of a batch from its active
// members and applies the status roll-up unless the status is overridden or
// cancelled.
func recompute(tx *gorm.DB, batchID string) (*Progress, error) {
	var rows []bucket
	err := tx.Table("batch_memberships AS bm").
		Select("fi.status AS status, COUNT(*) AS items, COALESCE(SUM(bm.quantity), 0) AS units, COALESCE(SUM(fi.line_total), 0) AS value").
		Joins("JOIN fulfillment_items fi ON fi.id = bm.fulfillment_item_id").
		Where("bm.batch_id = ? AND bm.active_fulfillment_item_id IS NOT NULL", batchID).
		Group("fi.status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var b Batch
	if err := tx.Where("id = ?", batchID).First(&b).Error; err != nil {
		return nil, err
	}

	b.TotalItems, b.TotalUnits, b.AllocatedItems, b.PreparedItems, b.DistributedItems = 0, 0, 0, 0, 0
	b.TotalValue = decimal.Zero
	for _, r := range rows {
		b.TotalItems += r.Items
		b.TotalUnits += r.Units
		b.TotalValue = b.TotalValue.Add(r.Value)
		switch donation.ItemStatus(r.Status) {
		case donation.ItemStatusAllocated:
			b.AllocatedItems += r.Items
		case donation.ItemStatusPrepared:
			b.PreparedItems += r.Items
		case donation.ItemStatusDistributed:
			b.DistributedItems += r.Items
		}
	}
	b.ProgressPercentage = progressOf(b.DistributedItems, b.TotalItems)
	if b.Status != BatchStatusCancelled && !b.StatusOverridden {
		b.Status = rollup(b.TotalItems, b.PreparedItems, b.DistributedItems)
	}

	err = tx.Model(&Batch{}).Where("id = ?", batchID).Updates(map[string]any{
		"status":              b.Status,
		"total_items":         b.TotalItems,
		"total_units":         b.TotalUnits,
		"allocated_items":     b.AllocatedItems,
		"prepared_items":      b.PreparedItems,
		"distributed_items":   b.DistributedItems,
		"progress_percentage": b.ProgressPercentage,
		"total_value":         b.TotalValue,
	}).Error
	if err != nil {
		return nil, err
	}
	return b.Progress(), nil
}

func progressOf(distributed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(distributed) * 100 / float64(total)))
}

// rollup derives the batch status from member counts. prepared counts only
// items currently at prepared.
func rollup(total, prepared, distributed int) BatchStatus {
	switch {
	case total == 0:
		return BatchStatusPlanning
	case distributed == total:
		return BatchStatusCompleted
	case distributed > 0:
		return BatchStatusInProgress
	case prepared == total:
		return BatchStatusPrepared
	default:
		return BatchStatusPlanning
	}
}

func wrapStorage(err error, msg string) error {
	if _, ok := errutil.As(err); ok {
		return err
	}
	return errutil.ServiceUnavailable(msg, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
