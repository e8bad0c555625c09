package distribution

import (
	"context"
	"errors"

	"impact-donations/pkg/errutil"
	"impact-donations/pkg/logger"
	"impact-donations/services/donation"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetStatus moves a batch member one step along
// pending -> allocated -> prepared -> distributed and returns the refreshed
// batch progress. Skipping or reversing a step is an invalid transition.
func (s *Service) SetStatus(ctx context.Context, batchID, itemID string, next donation.ItemStatus) (*Progress, error) {
	ctx, span := tracer.Start(ctx, "distribution.SetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("batch_id", batchID), attribute.String("item_id", itemID))

	if !next.Valid() {
		return nil, errutil.ValidationFailed("unknown item status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "must be allocated, prepared or distributed"}))
	}

	var out *Progress
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m BatchMembership
		if err := tx.Where("batch_id = ? AND active_fulfillment_item_id = ?", batchID, itemID).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("item is not an active member of the batch", nil, errutil.WithReason(ReasonMembershipNotFound))
			}
			return err
		}

		var item donation.FulfillmentItem
		if err := tx.Where("id = ?", itemID).First(&item).Error; err != nil {
			return err
		}
		if expected, ok := item.Status.Next(); !ok || expected != next {
			return invalidTransition(item.Status, next)
		}

		res := tx.Model(&donation.FulfillmentItem{}).
			Where("id = ? AND status = ?", itemID, item.Status).
			Update("status", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invalidTransition(item.Status, next)
		}

		if err := tx.Model(&BatchMembership{}).Where("id = ?", m.ID).Update("status", next).Error; err != nil {
			return err
		}

		var err error
		out, err = recompute(tx, batchID)
		return err
	})
	if err != nil {
		statusTotal.WithLabelValues(string(next), outcome(err)).Inc()
		return nil, wrapStorage(err, "failed to update item status")
	}

	statusTotal.WithLabelValues(string(next), "ok").Inc()
	logger.FromContext(ctx).Info("fulfillment item status updated",
		zap.String("batch_id", batchID),
		zap.String("item_id", itemID),
		zap.String("status", string(next)),
		zap.Int("progress", out.ProgressPercentage))
	return out, nil
}

func invalidTransition(from, to donation.ItemStatus) error {
	return errutil.New(errutil.StatusConflict, "item cannot move from "+string(from)+" to "+string(to),
		errutil.WithReason(ErrInvalidTransition.Reason))
}
