package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/logger"
	"impact-donations/services/catalog"
	"impact-donations/services/identity"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("impact-donations/services/payment")

const (
	ReasonSignatureMismatch = "SIGNATURE_MISMATCH"
	ReasonIntentNotFound    = "INTENT_NOT_FOUND"
	ReasonInvalidTransition = "INVALID_TRANSITION"
	ReasonInsufficientStock = "INSUFFICIENT_STOCK"
	ReasonAbandoned         = "abandoned"
)

var (
	ErrSignatureMismatch = errutil.BaseError{Code: errutil.StatusConflict, Reason: ReasonSignatureMismatch}
	ErrIntentNotFound    = errutil.BaseError{Code: errutil.StatusNotFound, Reason: ReasonIntentNotFound}
	ErrInvalidTransition = errutil.BaseError{Code: errutil.StatusConflict, Reason: ReasonInvalidTransition}
	ErrInsufficientStock = errutil.BaseError{Code: errutil.StatusConflict, Reason: ReasonInsufficientStock}
)

// Recorder turns a verified intent into a donation. Implementations must be
// idempotent on intentID.
type Recorder interface {
	Record(ctx context.Context, intentID string, ref PaymentRef) (*RecordResult, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	gateway  Gateway
	recorder Recorder
	catalog  *catalog.Service
	identity *identity.Service
	secret   string
	keyID    string
	currency string
	now      func() time.Time
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Gateway  Gateway
	Recorder Recorder
	Catalog  *catalog.Service
	Identity *identity.Service
}

func NewService(p Params) *Service {
	currency := p.Config.Gateway.Currency
	if currency == "" {
		currency = "INR"
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		gateway:  p.Gateway,
		recorder: p.Recorder,
		catalog:  p.Catalog,
		identity: p.Identity,
		secret:   p.Config.Gateway.KeySecret,
		keyID:    p.Config.Gateway.KeyID,
		currency: currency,
		now:      time.Now,
	}
}

type CheckoutResult struct {
	GatewayOrderID       string          `json:"gateway_order_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	ContributionIntentID string          `json:"contribution_intent_id"`
	GatewayKeyID         string          `json:"gateway_key_id,omitempty"`
}

// Checkout opens a gateway order and persists the intent with its snapshot.
// Nothing is reserved: stock and campaign totals are only touched once the
// payment is confirmed.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := tracer.Start(ctx, "payment.Checkout")
	defer span.End()

	donor, err := s.identity.Authenticate(ctx, req.DonorID)
	if err != nil {
		checkoutTotal.WithLabelValues(string(req.Kind), "unauthenticated").Inc()
		return nil, err
	}

	zapLog := logger.FromContext(ctx).With(zap.String("donor_id", donor.ID), zap.String("kind", string(req.Kind)))

	if err := req.normalize(); err != nil {
		checkoutTotal.WithLabelValues(string(req.Kind), "invalid").Inc()
		return nil, err
	}

	total := req.Amount.Round(2)
	var (
		lines      []CartLine
		tip        decimal.Decimal
		campaignID = req.CampaignID
	)

	switch req.Kind {
	case KindProductBased:
		lines, err = s.resolveCart(ctx, req.Cart)
		if err != nil {
			checkoutTotal.WithLabelValues(string(req.Kind), "invalid").Inc()
			return nil, err
		}
		subtotal := decimal.Zero
		for _, l := range lines {
			subtotal = subtotal.Add(l.LineTotal())
		}
		tip = req.tip(subtotal)
		if !subtotal.Add(tip).Equal(total) {
			checkoutTotal.WithLabelValues(string(req.Kind), "invalid").Inc()
			return nil, errutil.ValidationFailed("amount does not match cart total", nil,
				errutil.WithReason(ReasonInvalidAmount),
				errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must equal the sum of line totals plus tip (" + subtotal.Add(tip).StringFixed(2) + ")"}))
		}
		if campaignID == "" {
			campaignID = lines[0].CampaignID
		}
	case KindDirect:
		// For direct contributions a tip percentage is the tip's share of the
		// charged total.
		if req.Form.TipPercentage != nil {
			pct := *req.Form.TipPercentage
			tip = total.Mul(pct).Div(decimal.NewFromInt(100).Add(pct)).Round(2)
		} else {
			tip = req.Form.TipAmount.Round(2)
		}
	}

	if tip.GreaterThanOrEqual(total) {
		checkoutTotal.WithLabelValues(string(req.Kind), "invalid").Inc()
		return nil, errutil.ValidationFailed("tip must be less than the total amount", nil,
			errutil.WithReason(ReasonInvalidAmount),
			errutil.WithDetails(errutil.Detail{Field: "form.tip_amount", Message: "must be less than amount"}))
	}

	campaign, err := s.resolveCampaign(ctx, campaignID)
	if err != nil {
		checkoutTotal.WithLabelValues(string(req.Kind), "no_campaign").Inc()
		return nil, err
	}

	intentID := s.node.Generate().String()
	span.SetAttributes(attribute.String("intent_id", intentID), attribute.String("campaign_id", campaign.ID))

	start := time.Now()
	order, err := s.gateway.CreateOrder(ctx, OrderRequest{
		AmountMinor: total.Shift(2).IntPart(),
		Currency:    s.currency,
		Receipt:     intentID,
		Notes: map[string]string{
			"donor_id":    donor.ID,
			"campaign_id": campaign.ID,
			"kind":        string(req.Kind),
		},
	})
	gatewayLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		checkoutTotal.WithLabelValues(string(req.Kind), "gateway_error").Inc()
		zapLog.Error("failed to create gateway order", zap.Error(err))
		return nil, err
	}

	cartJSON, err := json.Marshal(lines)
	if err != nil {
		return nil, errutil.Internal("failed to encode cart", err)
	}
	formJSON, err := json.Marshal(req.donorForm(tip))
	if err != nil {
		return nil, errutil.Internal("failed to encode donor form", err)
	}

	intent := &Intent{
		ID:              intentID,
		DonorID:         donor.ID,
		CampaignID:      campaign.ID,
		Amount:          total,
		TipAmount:       tip,
		Currency:        s.currency,
		Kind:            req.Kind,
		Status:          IntentStatusCreated,
		GatewayOrderID:  order.ID,
		GatewayResponse: datatypes.JSON(rawOrNull(order.Raw)),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(intent).Error; err != nil {
			return err
		}
		return tx.Create(&CheckoutSnapshot{
			IntentID: intentID,
			Cart:     datatypes.JSON(cartJSON),
			Form:     datatypes.JSON(formJSON),
		}).Error
	})
	if err != nil {
		checkoutTotal.WithLabelValues(string(req.Kind), "storage_error").Inc()
		zapLog.Error("failed to persist intent", zap.String("gateway_order_id", order.ID), zap.Error(err))
		return nil, errutil.ServiceUnavailable("failed to persist checkout", err)
	}

	checkoutTotal.WithLabelValues(string(req.Kind), "created").Inc()
	zapLog.Info("checkout created",
		zap.String("intent_id", intentID),
		zap.String("gateway_order_id", order.ID),
		zap.String("amount", total.StringFixed(2)))

	return &CheckoutResult{
		GatewayOrderID:       order.ID,
		Amount:               total,
		Currency:             s.currency,
		ContributionIntentID: intentID,
		GatewayKeyID:         s.keyID,
	}, nil
}

// resolveCart validates cart lines against the catalog and freezes unit prices
// at the catalog price. A line may omit its price; a price that differs from
// the catalog is rejected so the donor can refresh the cart. Quantity bounds
// apply to the total per product across lines.
func (s *Service) resolveCart(ctx context.Context, reqLines []CartLineRequest) ([]CartLine, error) {
	ids := make([]string, 0, len(reqLines))
	for _, l := range reqLines {
		ids = append(ids, l.ProductID)
	}
	products, err := s.catalog.ProductsByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	requested := make(map[string]int, len(reqLines))
	firstLine := make(map[string]int, len(reqLines))
	order := make([]string, 0, len(reqLines))
	lines := make([]CartLine, 0, len(reqLines))
	var details []errutil.Detail
	for i, l := range reqLines {
		p, ok := products[l.ProductID]
		if !ok {
			details = append(details, errutil.Detail{Field: cartField(i, "product_ref"), Message: "unknown product"})
			continue
		}
		if l.Quantity <= 0 {
			details = append(details, errutil.Detail{Field: cartField(i, "quantity"), Message: "must be positive"})
			continue
		}
		if price := l.UnitPriceAtAddTime.Round(2); !price.IsZero() && !price.Equal(p.UnitPrice) {
			details = append(details, errutil.Detail{Field: cartField(i, "unit_price_at_add_time"), Message: "price changed to " + p.UnitPrice.StringFixed(2)})
			continue
		}
		if _, seen := firstLine[p.ID]; !seen {
			firstLine[p.ID] = i
			order = append(order, p.ID)
		}
		requested[p.ID] += l.Quantity
		lines = append(lines, CartLine{
			ProductID:       p.ID,
			CampaignID:      p.CampaignID,
			ProductName:     p.Name,
			Quantity:        l.Quantity,
			UnitPrice:       p.UnitPrice,
			Personalization: normalizePersonalization(l.Personalization),
		})
	}
	for _, id := range order {
		if !products[id].AllowsQuantity(requested[id]) {
			details = append(details, errutil.Detail{Field: cartField(firstLine[id], "quantity"), Message: "outside the allowed purchase quantity"})
		}
	}
	if len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid cart", nil, errutil.WithReason(ReasonInvalidCart), errutil.WithDetails(details...))
	}

	// Early rejection only. The recorder's guarded decrement is authoritative.
	soldOut := make([]string, 0)
	for id, qty := range requested {
		if products[id].Stock < int64(qty) {
			soldOut = append(soldOut, id)
		}
	}
	if len(soldOut) > 0 {
		sort.Strings(soldOut)
		return nil, errutil.Conflict("insufficient stock", nil, errutil.WithReason(ReasonInsufficientStock),
			errutil.WithDetails(errutil.Detail{Field: "cart", Message: "sold out: " + strings.Join(soldOut, ",")}))
	}
	return lines, nil
}

func (s *Service) resolveCampaign(ctx context.Context, campaignID string) (*catalog.Campaign, error) {
	if campaignID == "" {
		return s.catalog.DefaultActiveCampaign(ctx)
	}
	c, err := s.catalog.GetCampaign(ctx, campaignID)
	if err != nil {
		if be, ok := errutil.As(err); ok && be.Code == errutil.StatusNotFound {
			return nil, errutil.New(errutil.StatusUnprocessableEntity, "campaign not found", errutil.WithReason(catalog.ReasonNoEligibleCampaign))
		}
		return nil, err
	}
	return c, nil
}

type ConfirmRequest struct {
	OrderID   string `json:"gateway_order_id" binding:"required"`
	PaymentID string `json:"gateway_payment_id" binding:"required"`
	Signature string `json:"gateway_signature" binding:"required"`
}

type ConfirmResult struct {
	Success             bool     `json:"success"`
	DonationID          string   `json:"donation_id"`
	AffectedCampaignIDs []string `json:"affected_campaign_ids"`
	Replayed            bool     `json:"replayed,omitempty"`
}

// Confirm verifies a gateway callback and hands the intent to the recorder.
// A bad signature fails the intent terminally; a duplicate callback for a paid
// intent returns the original donation.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	ctx, span := tracer.Start(ctx, "payment.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("gateway_order_id", req.OrderID))

	zapLog := logger.FromContext(ctx).With(zap.String("gateway_order_id", req.OrderID), zap.String("gateway_payment_id", req.PaymentID))

	if !VerifySignature(s.secret, req.OrderID, req.PaymentID, req.Signature) {
		res := s.db.WithContext(ctx).Model(&Intent{}).
			Where("gateway_order_id = ? AND status IN ?", req.OrderID, OpenStatuses).
			Updates(map[string]any{
				"status":             IntentStatusFailed,
				"failure_reason":     ReasonSignatureMismatch,
				"gateway_payment_id": req.PaymentID,
			})
		if res.Error != nil {
			zapLog.Error("failed to mark intent failed after signature mismatch", zap.Error(res.Error))
		}
		confirmTotal.WithLabelValues("signature_mismatch").Inc()
		zapLog.Warn("payment signature mismatch", zap.Int64("intents_failed", res.RowsAffected))
		return nil, errutil.New(errutil.StatusConflict, "payment signature mismatch", errutil.WithReason(ReasonSignatureMismatch))
	}

	var intent Intent
	if err := s.db.WithContext(ctx).Where("gateway_order_id = ?", req.OrderID).First(&intent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			confirmTotal.WithLabelValues("intent_not_found").Inc()
			zapLog.Error("verified payment has no intent")
			return nil, errutil.New(errutil.StatusNotFound, "contribution intent not found", errutil.WithReason(ReasonIntentNotFound))
		}
		return nil, errutil.ServiceUnavailable("failed to load intent", err)
	}

	result, err := s.recorder.Record(ctx, intent.ID, PaymentRef{PaymentID: req.PaymentID, Signature: req.Signature})
	if err != nil {
		confirmTotal.WithLabelValues(outcomeOf(err)).Inc()
		zapLog.Error("failed to record donation", zap.String("intent_id", intent.ID), zap.Error(err))
		return nil, err
	}

	outcome := "recorded"
	if result.Replayed {
		outcome = "replayed"
	}
	confirmTotal.WithLabelValues(outcome).Inc()
	zapLog.Info("payment confirmed",
		zap.String("intent_id", intent.ID),
		zap.String("donation_id", result.DonationID),
		zap.Bool("replayed", result.Replayed))

	return &ConfirmResult{
		Success:             true,
		DonationID:          result.DonationID,
		AffectedCampaignIDs: result.AffectedCampaignIDs,
		Replayed:            result.Replayed,
	}, nil
}

// MarkAttempted records that the payer opened the gateway checkout.
func (s *Service) MarkAttempted(ctx context.Context, donorID, intentID string) (*Intent, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Intent{}).
		Where("id = ? AND donor_id = ? AND status = ?", intentID, donorID, IntentStatusCreated).
		Updates(map[string]any{"status": IntentStatusAttempted, "attempted_at": now})
	if res.Error != nil {
		return nil, errutil.ServiceUnavailable("failed to update intent", res.Error)
	}

	intent, err := s.ownedIntent(ctx, donorID, intentID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && intent.Status != IntentStatusAttempted {
		return nil, invalidTransition(intent.Status, IntentStatusAttempted)
	}
	return intent, nil
}

// Cancel withdraws an unpaid intent on behalf of its owner and purges its
// snapshot.
func (s *Service) Cancel(ctx context.Context, donorID, intentID string) (*Intent, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Intent{}).
			Where("id = ? AND donor_id = ? AND status IN ?", intentID, donorID, OpenStatuses).
			Updates(map[string]any{"status": IntentStatusCancelled, "failure_reason": "cancelled by donor"})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoRows
		}
		return tx.Where("intent_id = ?", intentID).Delete(&CheckoutSnapshot{}).Error
	})
	if err != nil && !errors.Is(err, errNoRows) {
		return nil, errutil.ServiceUnavailable("failed to cancel intent", err)
	}

	intent, lookupErr := s.ownedIntent(ctx, donorID, intentID)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if errors.Is(err, errNoRows) && intent.Status != IntentStatusCancelled {
		return nil, invalidTransition(intent.Status, IntentStatusCancelled)
	}
	return intent, nil
}

func (s *Service) GetIntent(ctx context.Context, donorID, intentID string) (*Intent, error) {
	return s.ownedIntent(ctx, donorID, intentID)
}

// ExpireAbandoned cancels open intents created before cutoff and drops their
// snapshots. Nothing else needs releasing because nothing was reserved.
func (s *Service) ExpireAbandoned(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	var expired int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Intent{}).
			Where("status IN ? AND created_at < ?", OpenStatuses, cutoff).
			Order("created_at ASC").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&Intent{}).
			Where("id IN ? AND status IN ?", ids, OpenStatuses).
			Updates(map[string]any{"status": IntentStatusCancelled, "failure_reason": ReasonAbandoned})
		if res.Error != nil {
			return res.Error
		}
		expired = res.RowsAffected

		return tx.Where("intent_id IN ?", ids).Delete(&CheckoutSnapshot{}).Error
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (s *Service) ownedIntent(ctx context.Context, donorID, intentID string) (*Intent, error) {
	var intent Intent
	err := s.db.WithContext(ctx).Where("id = ? AND donor_id = ?", intentID, donorID).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.New(errutil.StatusNotFound, "contribution intent not found", errutil.WithReason(ReasonIntentNotFound))
		}
		return nil, errutil.ServiceUnavailable("failed to load intent", err)
	}
	return &intent, nil
}

var errNoRows = errors.New("no rows affected")

func invalidTransition(from, to IntentStatus) error {
	return errutil.New(errutil.StatusConflict, "intent cannot move from "+string(from)+" to "+string(to),
		errutil.WithReason(ReasonInvalidTransition))
}

func outcomeOf(err error) string {
	if r := errutil.ReasonOf(err); r != "" {
		return r
	}
	return "error"
}

func normalizePersonalization(p *PersonalizationInput) *PersonalizationInput {
	if p.IsEmpty() {
		return nil
	}
	return p
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 || !json.Valid(b) {
		return []byte("null")
	}
	return b
}
