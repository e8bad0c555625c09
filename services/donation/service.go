package donation

import (
	"context"
	"errors"
	"sort"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/db/option"
	"impact-donations/pkg/db/pagination"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/logger"
	"impact-donations/pkg/repository"
	"impact-donations/pkg/sequence"
	"impact-donations/pkg/task"
	"impact-donations/services/catalog"
	"impact-donations/services/payment"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("impact-donations/services/donation")

const (
	ReasonDonationNotFound = "DONATION_NOT_FOUND"
	ReasonSnapshotMissing  = "SNAPSHOT_MISSING"
)

var ErrDonationNotFound = errutil.BaseError{Code: errutil.StatusNotFound, Reason: ReasonDonationNotFound}

// progressExpr recomputes progress_percentage from the row's own totals so it
// never needs a read-modify-write.
const progressExpr = "CASE WHEN goal_amount <= 0 THEN 0 " +
	"WHEN total_raised >= goal_amount THEN 100 " +
	"ELSE ROUND(total_raised * 100.0 / goal_amount, 2) END"

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	cfg      *config.Config
	seq      sequence.Generator
	enqueuer task.Enqueuer
	now      func() time.Time

	donations repository.Repository[Donation]
	items     repository.Repository[FulfillmentItem]
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Sequence sequence.Generator
	Enqueuer task.Enqueuer
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		cfg:       p.Config,
		seq:       p.Sequence,
		enqueuer:  p.Enqueuer,
		now:       time.Now,
		donations: repository.ProvideStore[Donation](p.DB),
		items:     repository.ProvideStore[FulfillmentItem](p.DB),
	}
}

var _ payment.Recorder = (*Service)(nil)

// Record settles a verified intent. The status flip, donation, fulfillment
// items, personalizations, stock decrements, campaign aggregates, snapshot
// purge and receipt outbox row are written in one transaction. A second call
// for a paid intent returns the donation created by the first.
func (s *Service) Record(ctx context.Context, intentID string, ref payment.PaymentRef) (*payment.RecordResult, error) {
	ctx, span := tracer.Start(ctx, "donation.Record")
	defer span.End()
	span.SetAttributes(attribute.String("intent_id", intentID))

	zapLog := logger.FromContext(ctx).With(zap.String("intent_id", intentID))

	if res, err := s.replayed(ctx, s.db, intentID); err != nil || res != nil {
		return res, err
	}

	receiptNumber, err := s.seq.NextReceiptNumber(ctx)
	if err != nil {
		zapLog.Error("failed to allocate receipt number", zap.Error(err))
		return nil, errutil.ServiceUnavailable("receipt number unavailable", err)
	}

	var (
		result       *payment.RecordResult
		notification *ReceiptNotification
		recorded     *Donation
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&payment.Intent{}).
			Where("id = ? AND status IN ?", intentID, payment.OpenStatuses).
			Updates(map[string]any{
				"status":             payment.IntentStatusPaid,
				"gateway_payment_id": ref.PaymentID,
				"failure_reason":     "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			replay, err := s.replayed(ctx, tx, intentID)
			if err != nil {
				return err
			}
			if replay == nil {
				return errutil.New(errutil.StatusConflict, "intent is no longer payable", errutil.WithReason(payment.ReasonInvalidTransition))
			}
			result = replay
			return nil
		}

		var intent payment.Intent
		if err := tx.Where("id = ?", intentID).First(&intent).Error; err != nil {
			return err
		}
		var snapshot payment.CheckoutSnapshot
		if err := tx.Where("intent_id = ?", intentID).First(&snapshot).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.New(errutil.StatusConflict, "checkout snapshot missing", errutil.WithReason(ReasonSnapshotMissing))
			}
			return err
		}
		lines, err := snapshot.Lines()
		if err != nil {
			return errutil.Internal("corrupt checkout snapshot", err, errutil.WithReason(ReasonSnapshotMissing))
		}
		form, err := snapshot.DonorForm()
		if err != nil {
			return errutil.Internal("corrupt checkout snapshot", err, errutil.WithReason(ReasonSnapshotMissing))
		}

		donation := &Donation{
			ID:               s.node.Generate().String(),
			DonorID:          intent.DonorID,
			CampaignID:       intent.CampaignID,
			IntentID:         intent.ID,
			ReceiptNumber:    receiptNumber,
			GatewayPaymentID: ref.PaymentID,
			GatewaySignature: ref.Signature,
			Amount:           intent.Amount.Sub(intent.TipAmount),
			TipAmount:        intent.TipAmount,
			Currency:         intent.Currency,
			Kind:             intent.Kind,
			Visible:          form.Visible,
			Dedication:       form.Dedication,
			Message:          form.Message,
		}
		if err := tx.Create(donation).Error; err != nil {
			return err
		}

		credits, err := s.writeItems(tx, donation, &intent, lines, form)
		if err != nil {
			return err
		}
		if err := decrementStock(tx, lines); err != nil {
			return err
		}
		campaignIDs, err := applyCampaignCredits(tx, credits)
		if err != nil {
			return err
		}

		if err := tx.Where("intent_id = ?", intentID).Delete(&payment.CheckoutSnapshot{}).Error; err != nil {
			return err
		}

		notification = &ReceiptNotification{
			ID:         s.node.Generate().String(),
			DonationID: donation.ID,
			Status:     ReceiptStatusPending,
		}
		if err := tx.Create(notification).Error; err != nil {
			return err
		}

		recorded = donation
		result = &payment.RecordResult{DonationID: donation.ID, AffectedCampaignIDs: campaignIDs}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, intentID, err)
	}

	if result.Replayed {
		replayedTotal.Inc()
		zapLog.Info("duplicate confirmation, returning existing donation", zap.String("donation_id", result.DonationID))
		return result, nil
	}

	recordedTotal.WithLabelValues(string(recorded.Kind)).Inc()
	raisedAmount.WithLabelValues(recorded.Currency).Add(recorded.Amount.InexactFloat64())
	zapLog.Info("donation recorded",
		zap.String("donation_id", recorded.ID),
		zap.String("receipt_number", recorded.ReceiptNumber),
		zap.String("amount", recorded.Amount.StringFixed(2)),
		zap.Strings("campaign_ids", result.AffectedCampaignIDs))

	// The outbox row is committed; if this enqueue is lost the requeue sweep
	// picks it up.
	if err := EnqueueReceipt(ctx, s.cfg, s.enqueuer, notification.ID); err != nil {
		zapLog.Warn("failed to enqueue receipt, left for requeue", zap.String("notification_id", notification.ID), zap.Error(err))
	}

	return result, nil
}

// replayed returns the existing result when the intent has already been paid.
func (s *Service) replayed(ctx context.Context, db *gorm.DB, intentID string) (*payment.RecordResult, error) {
	var intent payment.Intent
	if err := db.WithContext(ctx).Where("id = ?", intentID).First(&intent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.New(errutil.StatusNotFound, "contribution intent not found", errutil.WithReason(payment.ReasonIntentNotFound))
		}
		return nil, errutil.ServiceUnavailable("failed to load intent", err)
	}
	if intent.Status != payment.IntentStatusPaid {
		return nil, nil
	}

	var donation Donation
	if err := db.WithContext(ctx).Where("intent_id = ?", intentID).First(&donation).Error; err != nil {
		return nil, errutil.ServiceUnavailable("paid intent without donation", err)
	}

	var campaignIDs []string
	if err := db.WithContext(ctx).Model(&FulfillmentItem{}).
		Where("donation_id = ?", donation.ID).
		Distinct("campaign_id").
		Order("campaign_id").
		Pluck("campaign_id", &campaignIDs).Error; err != nil {
		return nil, errutil.ServiceUnavailable("failed to load donation items", err)
	}
	if len(campaignIDs) == 0 && donation.CampaignID != "" {
		campaignIDs = []string{donation.CampaignID}
	}

	return &payment.RecordResult{DonationID: donation.ID, AffectedCampaignIDs: campaignIDs, Replayed: true}, nil
}

// writeItems inserts fulfillment items and personalizations and returns the
// amount to credit per campaign.
func (s *Service) writeItems(tx *gorm.DB, donation *Donation, intent *payment.Intent, lines []payment.CartLine, form payment.DonorForm) (map[string]decimal.Decimal, error) {
	credits := make(map[string]decimal.Decimal)
	formPersonal := form.Personalization()

	if intent.Kind == payment.KindDirect || len(lines) == 0 {
		if formPersonal != nil {
			p := newPersonalization(s.node.Generate().String(), formPersonal)
			p.DonationID = &donation.ID
			if err := tx.Create(p).Error; err != nil {
				return nil, err
			}
		}
		credits[intent.CampaignID] = donation.Amount
		return credits, nil
	}

	items := make([]*FulfillmentItem, 0, len(lines))
	personals := make([]*Personalization, 0, len(lines))
	donatedAt := s.now()
	for _, line := range lines {
		item := &FulfillmentItem{
			ID:          s.node.Generate().String(),
			DonationID:  donation.ID,
			DonorID:     donation.DonorID,
			CampaignID:  line.CampaignID,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			LineTotal:   line.LineTotal(),
			Status:      ItemStatusPending,
			DonatedAt:   donatedAt,
		}
		items = append(items, item)
		credits[line.CampaignID] = credits[line.CampaignID].Add(item.LineTotal)

		src := line.Personalization
		if src.IsEmpty() {
			src = formPersonal
		}
		if !src.IsEmpty() {
			p := newPersonalization(s.node.Generate().String(), src)
			p.FulfillmentItemID = &item.ID
			personals = append(personals, p)
		}
	}

	if err := tx.Create(&items).Error; err != nil {
		return nil, err
	}
	if len(personals) > 0 {
		if err := tx.Create(&personals).Error; err != nil {
			return nil, err
		}
	}
	return credits, nil
}

// decrementStock applies one guarded decrement per distinct product, in id
// order so concurrent recorders lock rows in the same sequence.
func decrementStock(tx *gorm.DB, lines []payment.CartLine) error {
	qty := make(map[string]int64, len(lines))
	for _, l := range lines {
		qty[l.ProductID] += int64(l.Quantity)
	}
	ids := make([]string, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := tx.Model(&catalog.CampaignProduct{}).
			Where("id = ? AND stock >= ?", id, qty[id]).
			Update("stock", gorm.Expr("stock - ?", qty[id]))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("insufficient stock", nil,
				errutil.WithReason(payment.ReasonInsufficientStock),
				errutil.WithDetails(errutil.Detail{Field: "product_id", Message: id}))
		}
	}
	return nil
}

// applyCampaignCredits adds each campaign's share and counts the donation once
// per campaign.
func applyCampaignCredits(tx *gorm.DB, credits map[string]decimal.Decimal) ([]string, error) {
	ids := make([]string, 0, len(credits))
	for id := range credits {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := tx.Model(&catalog.Campaign{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"total_raised": gorm.Expr("total_raised + ?", credits[id]),
				"donor_count":  gorm.Expr("donor_count + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, errutil.NotFound("campaign not found", nil, errutil.WithReason(catalog.ReasonNoEligibleCampaign),
				errutil.WithDetails(errutil.Detail{Field: "campaign_id", Message: id}))
		}
		if err := tx.Model(&catalog.Campaign{}).
			Where("id = ?", id).
			Update("progress_percentage", gorm.Expr(progressExpr)).Error; err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// fail maps a rolled-back attempt to a caller error. Known failures close the
// intent as failed; transient ones only record the reason so a retried
// callback can still succeed.
func (s *Service) fail(ctx context.Context, intentID string, err error) error {
	zapLog := logger.FromContext(ctx).With(zap.String("intent_id", intentID))

	be, ok := errutil.As(err)
	if !ok {
		be, _ = errutil.As(errutil.ServiceUnavailable("failed to record donation", err))
	}
	reason := be.Reason
	if reason == "" {
		reason = string(be.Code)
	}
	recordFailures.WithLabelValues(reason).Inc()

	updates := map[string]any{"failure_reason": reason}
	if !be.Retryable() {
		updates["status"] = payment.IntentStatusFailed
	}
	res := s.db.WithContext(ctx).Model(&payment.Intent{}).
		Where("id = ? AND status IN ?", intentID, payment.OpenStatuses).
		Updates(updates)
	if res.Error != nil {
		zapLog.Error("failed to record intent failure", zap.String("reason", reason), zap.Error(res.Error))
	}

	zapLog.Warn("donation not recorded", zap.String("reason", reason), zap.Bool("retryable", be.Retryable()), zap.Error(err))
	return be
}

// GetDonation returns a donation owned by donorID.
func (s *Service) GetDonation(ctx context.Context, donorID, id string) (*Donation, error) {
	d, err := s.donations.FindOne(ctx, &Donation{ID: id, DonorID: donorID})
	if err != nil {
		return nil, errutil.ServiceUnavailable("failed to load donation", err)
	}
	if d == nil {
		return nil, errutil.NotFound("donation not found", nil, errutil.WithReason(ReasonDonationNotFound))
	}
	return d, nil
}

// ListItemsForDonation lists a donation's fulfillment items with their
// personalization.
func (s *Service) ListItemsForDonation(ctx context.Context, donorID, donationID string) ([]*ItemView, error) {
	if _, err := s.GetDonation(ctx, donorID, donationID); err != nil {
		return nil, err
	}
	items, err := s.items.Find(ctx, &FulfillmentItem{DonationID: donationID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
	if err != nil {
		return nil, errutil.ServiceUnavailable("failed to load items", err)
	}
	return s.views(ctx, items)
}

// ListItemsForDonor lists every fulfillment item a donor has paid for, newest
// first.
func (s *Service) ListItemsForDonor(ctx context.Context, donorID string, page pagination.Page) ([]*ItemView, error) {
	start, end := page.Bounds()
	items, err := s.items.Find(ctx, &FulfillmentItem{DonorID: donorID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.ApplyPagination(pagination.Pagination{Limit: end - start, Offset: start}))
	if err != nil {
		return nil, errutil.ServiceUnavailable("failed to load items", err)
	}
	return s.views(ctx, items)
}

func (s *Service) views(ctx context.Context, items []*FulfillmentItem) ([]*ItemView, error) {
	personal, err := s.itemPersonalizations(ctx, s.db, items)
	if err != nil {
		return nil, err
	}
	out := make([]*ItemView, 0, len(items))
	for _, it := range items {
		out = append(out, &ItemView{
			ID:              it.ID,
			DonationID:      it.DonationID,
			ProductID:       it.ProductID,
			ProductName:     it.ProductName,
			Quantity:        it.Quantity,
			UnitPrice:       it.UnitPrice,
			LineTotal:       it.LineTotal,
			Status:          it.Status,
			Personalization: personal[it.ID],
		})
	}
	return out, nil
}

func (s *Service) itemPersonalizations(ctx context.Context, db *gorm.DB, items []*FulfillmentItem) (map[string]*Personalization, error) {
	out := make(map[string]*Personalization, len(items))
	if len(items) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	var rows []*Personalization
	if err := db.WithContext(ctx).Where("fulfillment_item_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, errutil.ServiceUnavailable("failed to load personalization", err)
	}
	for _, p := range rows {
		out[*p.FulfillmentItemID] = p
	}
	return out, nil
}

// Details loads a donation with its items and personalization for rendering.
func (s *Service) Details(ctx context.Context, donationID string) (*Details, error) {
	d, err := s.donations.FindOne(ctx, &Donation{ID: donationID})
	if err != nil {
		return nil, errutil.ServiceUnavailable("failed to load donation", err)
	}
	if d == nil {
		return nil, errutil.NotFound("donation not found", nil, errutil.WithReason(ReasonDonationNotFound))
	}

	items, err := s.items.Find(ctx, &FulfillmentItem{DonationID: donationID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
	if err != nil {
		return nil, errutil.ServiceUnavailable("failed to load items", err)
	}
	itemPersonal, err := s.itemPersonalizations(ctx, s.db, items)
	if err != nil {
		return nil, err
	}

	var personal Personalization
	var donationPersonal *Personalization
	err = s.db.WithContext(ctx).Where("donation_id = ?", donationID).First(&personal).Error
	switch {
	case err == nil:
		donationPersonal = &personal
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, errutil.ServiceUnavailable("failed to load personalization", err)
	}

	return &Details{
		Donation:        d,
		Items:           items,
		Personalization: donationPersonal,
		ItemPersonal:    itemPersonal,
	}, nil
}
