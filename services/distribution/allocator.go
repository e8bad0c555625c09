package distribution

import (
	"context"
	"strconv"
	"strings"
	"time"

	"impact-donations/pkg/db/option"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/logger"
	"impact-donations/services/donation"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const plannedDateLayout = "2006-01-02"

// CreateBatch creates a planning batch and performs its first allocation in
// the same transaction. Nothing is created when fewer items are available
// than requested.
func (s *Service) CreateBatch(ctx context.Context, operator string, req CreateBatchRequest) (*AllocationResult, error) {
	ctx, span := tracer.Start(ctx, "distribution.CreateBatch")
	defer span.End()
	span.SetAttributes(attribute.String("product_id", req.ProductID))

	zapLog := logger.FromContext(ctx).With(zap.String("product_id", req.ProductID), zap.String("operator", operator))

	planned, err := s.parsePlannedDate(req.PlannedDate)
	if err != nil {
		return nil, err
	}
	if req.Quantity != nil && *req.Quantity <= 0 {
		return nil, errutil.ValidationFailed("quantity must be positive", nil,
			errutil.WithDetails(errutil.Detail{Field: "quantity", Message: "must be greater than zero"}))
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		return nil, errutil.ValidationFailed("label is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "label", Message: "required"}))
	}

	campaign, err := s.catalog.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product.CampaignID != campaign.ID {
		return nil, errutil.ValidationFailed("product does not belong to campaign", nil,
			errutil.WithDetails(errutil.Detail{Field: "product_id", Message: "not part of campaign " + campaign.ID}))
	}

	code, err := s.seq.NextBatchCode(ctx, campaign.Code)
	if err != nil {
		zapLog.Error("failed to allocate batch code", zap.Error(err))
		return nil, errutil.ServiceUnavailable("batch code unavailable", err)
	}

	batch := &Batch{
		ID:          s.node.Generate().String(),
		Code:        code,
		CampaignID:  campaign.ID,
		ProductID:   product.ID,
		Label:       label,
		PlannedDate: planned,
		Status:      BatchStatusPlanning,
		CreatedBy:   operator,
	}

	var res *AllocationResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := selectUnassigned(tx, product.ID, req.Quantity)
		if err != nil {
			return err
		}
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		res, err = s.allocate(tx, batch, items)
		return err
	})
	if err != nil {
		allocationTotal.WithLabelValues(outcome(err)).Inc()
		zapLog.Warn("batch not created", zap.Error(err))
		return nil, wrapStorage(err, "failed to create batch")
	}

	allocationTotal.WithLabelValues("created").Inc()
	zapLog.Info("batch created",
		zap.String("batch_id", batch.ID),
		zap.String("code", batch.Code),
		zap.Int("items_assigned", res.ItemsAssigned))
	return res, nil
}

// AllocateToBatch adds more unassigned items of the batch's product to a batch
// that is still planning.
func (s *Service) AllocateToBatch(ctx context.Context, batchID string, quantity *int) (*AllocationResult, error) {
	ctx, span := tracer.Start(ctx, "distribution.AllocateToBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch_id", batchID))

	if quantity != nil && *quantity <= 0 {
		return nil, errutil.ValidationFailed("quantity must be positive", nil,
			errutil.WithDetails(errutil.Detail{Field: "quantity", Message: "must be greater than zero"}))
	}

	var res *AllocationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := lockBatch(tx, batchID)
		if err != nil {
			return err
		}
		if batch.Status != BatchStatusPlanning {
			return errutil.Conflict("batch is no longer planning", nil, errutil.WithReason(ReasonBatchLocked))
		}
		items, err := selectUnassigned(tx, batch.ProductID, quantity)
		if err != nil {
			return err
		}
		res, err = s.allocate(tx, batch, items)
		return err
	})
	if err != nil {
		allocationTotal.WithLabelValues(outcome(err)).Inc()
		return nil, wrapStorage(err, "failed to allocate items")
	}

	allocationTotal.WithLabelValues("allocated").Inc()
	logger.FromContext(ctx).Info("items allocated to batch",
		zap.String("batch_id", batchID),
		zap.Int("items_assigned", res.ItemsAssigned))
	return res, nil
}

// selectUnassigned picks pending items without an active membership, oldest
// first by creation time then id. A nil quantity takes all of them.
//
// A locked read that waited on a concurrent allocation can come back short
// because rows updated under it no longer match, while other unassigned rows
// exist. The selection is repeated once before reporting a shortage.
func selectUnassigned(tx *gorm.DB, productID string, quantity *int) ([]*donation.FulfillmentItem, error) {
	want := 1
	if quantity != nil {
		want = *quantity
	}

	var items []*donation.FulfillmentItem
	for attempt := 0; attempt < 2; attempt++ {
		q := tx.Scopes(option.LockingUpdate).
			Where("fulfillment_items.product_id = ?", productID).
			Where(unassigned, donation.ItemStatusPending).
			Order("fulfillment_items.created_at ASC").
			Order("fulfillment_items.id ASC")
		if quantity != nil {
			q = q.Limit(*quantity)
		}

		items = nil
		if err := q.Find(&items).Error; err != nil {
			return nil, err
		}
		if len(items) >= want {
			return items, nil
		}
	}

	return nil, errutil.Conflict("not enough unassigned items", nil,
		errutil.WithReason(ReasonInsufficientUnallocated),
		errutil.WithDetails(
			errutil.Detail{Field: "quantity", Message: "requested " + strconv.Itoa(want)},
			errutil.Detail{Field: "available", Message: strconv.Itoa(len(items))},
		))
}

func (s *Service) allocate(tx *gorm.DB, batch *Batch, items []*donation.FulfillmentItem) (*AllocationResult, error) {
	ids := make([]string, 0, len(items))
	memberships := make([]*BatchMembership, 0, len(items))
	for _, it := range items {
		itemID := it.ID
		ids = append(ids, itemID)
		memberships = append(memberships, &BatchMembership{
			ID:                      s.node.Generate().String(),
			BatchID:                 batch.ID,
			FulfillmentItemID:       itemID,
			ActiveFulfillmentItemID: &itemID,
			Quantity:                it.Quantity,
			Status:                  donation.ItemStatusAllocated,
		})
	}

	if err := tx.Create(&memberships).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, errutil.Conflict("item already allocated", err, errutil.WithReason(ReasonAlreadyAllocated))
		}
		return nil, err
	}

	res := tx.Model(&donation.FulfillmentItem{}).
		Where("id IN ? AND status = ?", ids, donation.ItemStatusPending).
		Update("status", donation.ItemStatusAllocated)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != int64(len(ids)) {
		return nil, errutil.Conflict("items changed during allocation", nil, errutil.WithReason(ReasonAlreadyAllocated))
	}

	progress, err := recompute(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	return &AllocationResult{
		BatchID:       batch.ID,
		Code:          batch.Code,
		ItemsAssigned: len(ids),
		Progress:      progress,
	}, nil
}

// parsePlannedDate accepts YYYY-MM-DD and rejects days before today.
func (s *Service) parsePlannedDate(v string) (time.Time, error) {
	d, err := time.ParseInLocation(plannedDateLayout, strings.TrimSpace(v), s.loc)
	if err != nil {
		return time.Time{}, errutil.ValidationFailed("invalid planned date", err,
			errutil.WithDetails(errutil.Detail{Field: "planned_date", Message: "must be YYYY-MM-DD"}))
	}
	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if d.Before(today) {
		return time.Time{}, errutil.ValidationFailed("planned date is in the past", nil,
			errutil.WithReason(ReasonPlannedDateInPast),
			errutil.WithDetails(errutil.Detail{Field: "planned_date", Message: "must not be before " + today.Format(plannedDateLayout)}))
	}
	return d, nil
}

func outcome(err error) string {
	if r := errutil.ReasonOf(err); r != "" {
		return strings.ToLower(r)
	}
	return "error"
}
