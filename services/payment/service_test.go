package payment_test

import (
	"context"
	"testing"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/middleware"
	"impact-donations/services/catalog"
	"impact-donations/services/identity"
	"impact-donations/services/payment"
	"impact-donations/services/payment/mocks"
	"impact-donations/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const testSecret = "gateway-secret"

type env struct {
	db       *gorm.DB
	svc      *payment.Service
	gateway  *mocks.MockGateway
	recorder *mocks.MockRecorder
	catalog  *catalog.Service
	donor    *identity.Donor
	campaign *catalog.Campaign
	product  *catalog.CampaignProduct
	ctx      context.Context
}

func setup(t *testing.T) *env {
	t.Helper()

	models := append(identity.Models(), catalog.Models()...)
	models = append(models, payment.Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	rec := mocks.NewMockRecorder(ctrl)

	cfg := &config.Config{}
	cfg.Gateway.KeyID = "key_test"
	cfg.Gateway.KeySecret = testSecret
	cfg.Gateway.Currency = "INR"

	ids := identity.NewService(identity.Params{DB: db, Node: node})
	cat := catalog.NewService(catalog.ServiceParams{DB: db, Node: node})

	ctx := context.Background()
	donor, err := ids.Create(ctx, identity.CreateDonorRequest{DisplayName: "Meera", Email: "meera@example.org"})
	require.NoError(t, err)
	campaign, err := cat.CreateCampaign(ctx, catalog.CreateCampaignRequest{Name: "School Kits", GoalAmount: decimal.NewFromInt(10000), Status: catalog.CampaignStatusActive})
	require.NoError(t, err)
	product, err := cat.CreateProduct(ctx, catalog.CreateProductRequest{CampaignID: campaign.ID, Name: "Kit", UnitPrice: decimal.NewFromInt(100), Stock: 5, MaxQty: 4})
	require.NoError(t, err)

	svc := payment.NewService(payment.Params{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Gateway:  gw,
		Recorder: rec,
		Catalog:  cat,
		Identity: ids,
	})

	return &env{
		db:       db,
		svc:      svc,
		gateway:  gw,
		recorder: rec,
		catalog:  cat,
		donor:    donor,
		campaign: campaign,
		product:  product,
		ctx:      middleware.WithIdentity(ctx, middleware.Identity{Subject: donor.ID, Role: middleware.RoleDonor}),
	}
}

func (e *env) productCheckout(qty int, amount, tip int64) payment.CheckoutRequest {
	return payment.CheckoutRequest{
		Kind:   payment.KindProductBased,
		Amount: decimal.NewFromInt(amount),
		Cart: []payment.CartLineRequest{{
			ProductID:          e.product.ID,
			Quantity:           qty,
			UnitPriceAtAddTime: decimal.NewFromInt(100),
		}},
		Form: payment.DonorFormRequest{Name: "Meera", Country: "IN", TipAmount: decimal.NewFromInt(tip)},
	}
}

func (e *env) expectOrder(t *testing.T, orderID string, amountMinor int64) {
	e.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req payment.OrderRequest) (*payment.Order, error) {
			require.Equal(t, amountMinor, req.AmountMinor)
			require.Equal(t, "INR", req.Currency)
			return &payment.Order{ID: orderID, Amount: req.AmountMinor, Currency: req.Currency, Raw: []byte(`{"id":"` + orderID + `"}`)}, nil
		})
}

func TestCheckoutProductBased(t *testing.T) {
	e := setup(t)
	e.expectOrder(t, "order_1", 32000)

	res, err := e.svc.Checkout(e.ctx, e.productCheckout(3, 320, 20))
	require.NoError(t, err)
	require.Equal(t, "order_1", res.GatewayOrderID)
	require.Equal(t, "INR", res.Currency)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(320)))

	var intent payment.Intent
	require.NoError(t, e.db.First(&intent, "id = ?", res.ContributionIntentID).Error)
	require.Equal(t, payment.IntentStatusCreated, intent.Status)
	require.Equal(t, e.campaign.ID, intent.CampaignID)
	require.True(t, intent.TipAmount.Equal(decimal.NewFromInt(20)))

	var snap payment.CheckoutSnapshot
	require.NoError(t, e.db.First(&snap, "intent_id = ?", intent.ID).Error)
	lines, err := snap.Lines()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, 3, lines[0].Quantity)
	require.True(t, lines[0].LineTotal().Equal(decimal.NewFromInt(300)))

	// Nothing is reserved before payment.
	p, err := e.catalog.GetProduct(context.Background(), e.product.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), p.Stock)
}

func TestCheckoutTipPercentage(t *testing.T) {
	e := setup(t)
	e.expectOrder(t, "order_pct", 22000)

	req := e.productCheckout(2, 220, 0)
	pct := decimal.NewFromInt(10)
	req.Form.TipPercentage = &pct

	res, err := e.svc.Checkout(e.ctx, req)
	require.NoError(t, err)

	var intent payment.Intent
	require.NoError(t, e.db.First(&intent, "id = ?", res.ContributionIntentID).Error)
	require.True(t, intent.TipAmount.Equal(decimal.NewFromInt(20)))
}

func TestCheckoutDirect(t *testing.T) {
	e := setup(t)
	e.expectOrder(t, "order_direct", 50000)

	res, err := e.svc.Checkout(e.ctx, payment.CheckoutRequest{
		Kind:       payment.KindDirect,
		CampaignID: e.campaign.ID,
		Amount:     decimal.NewFromInt(500),
		Form:       payment.DonorFormRequest{Name: "Meera", Country: "IN", Message: "For the kids"},
	})
	require.NoError(t, err)

	var intent payment.Intent
	require.NoError(t, e.db.First(&intent, "id = ?", res.ContributionIntentID).Error)
	require.Equal(t, payment.KindDirect, intent.Kind)
	require.True(t, intent.TipAmount.IsZero())
}

func TestCheckoutRejections(t *testing.T) {
	e := setup(t)

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := e.svc.Checkout(e.ctx, e.productCheckout(1, 0, 0))
		require.ErrorIs(t, err, payment.ErrInvalidAmount)
	})

	t.Run("total does not match cart", func(t *testing.T) {
		_, err := e.svc.Checkout(e.ctx, e.productCheckout(3, 250, 0))
		require.ErrorIs(t, err, payment.ErrInvalidAmount)
	})

	t.Run("quantity above max", func(t *testing.T) {
		_, err := e.svc.Checkout(e.ctx, e.productCheckout(5, 500, 0))
		be, ok := errutil.As(err)
		require.True(t, ok)
		require.Equal(t, errutil.StatusValidationFailed, be.Code)
		require.Equal(t, payment.ReasonInvalidCart, be.Reason)
	})

	t.Run("price below catalog", func(t *testing.T) {
		req := e.productCheckout(3, 3, 0)
		req.Cart[0].UnitPriceAtAddTime = decimal.NewFromInt(1)
		_, err := e.svc.Checkout(e.ctx, req)
		be, ok := errutil.As(err)
		require.True(t, ok)
		require.Equal(t, payment.ReasonInvalidCart, be.Reason)
		require.Equal(t, "cart[0].unit_price_at_add_time", be.Details[0].Field)
	})

	t.Run("max quantity split across lines", func(t *testing.T) {
		req := e.productCheckout(3, 500, 0)
		req.Cart = append(req.Cart, payment.CartLineRequest{ProductID: e.product.ID, Quantity: 2})
		_, err := e.svc.Checkout(e.ctx, req)
		be, ok := errutil.As(err)
		require.True(t, ok)
		require.Equal(t, payment.ReasonInvalidCart, be.Reason)
		require.Len(t, be.Details, 1)
		require.Equal(t, "cart[0].quantity", be.Details[0].Field)
	})

	t.Run("malformed mobile", func(t *testing.T) {
		req := e.productCheckout(1, 100, 0)
		req.Form.Mobile = "12ab"
		_, err := e.svc.Checkout(e.ctx, req)
		be, ok := errutil.As(err)
		require.True(t, ok)
		require.Equal(t, errutil.StatusValidationFailed, be.Code)
		require.NotEmpty(t, be.Details)
	})

	t.Run("direct without donor name", func(t *testing.T) {
		_, err := e.svc.Checkout(e.ctx, payment.CheckoutRequest{Kind: payment.KindDirect, CampaignID: e.campaign.ID, Amount: decimal.NewFromInt(10)})
		be, ok := errutil.As(err)
		require.True(t, ok)
		require.Equal(t, errutil.StatusValidationFailed, be.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		_, err := e.svc.Checkout(context.Background(), e.productCheckout(1, 100, 0))
		require.ErrorIs(t, err, identity.ErrUnauthenticated)
	})

	t.Run("identity mismatch", func(t *testing.T) {
		req := e.productCheckout(1, 100, 0)
		req.DonorID = "another-donor"
		_, err := e.svc.Checkout(e.ctx, req)
		require.ErrorIs(t, err, identity.ErrIdentityMismatch)
	})

	t.Run("no eligible campaign", func(t *testing.T) {
		_, err := e.svc.Checkout(e.ctx, payment.CheckoutRequest{
			Kind:   payment.KindDirect,
			Amount: decimal.NewFromInt(10),
			Form:   payment.DonorFormRequest{Name: "Meera", Country: "IN"},
		})
		require.ErrorIs(t, err, catalog.ErrNoEligibleCampaign)
	})

	var count int64
	require.NoError(t, e.db.Model(&payment.Intent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCheckoutGatewayTimeoutIsRetryable(t *testing.T) {
	e := setup(t)
	e.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		Return(nil, errutil.Timeout("payment gateway timed out", context.DeadlineExceeded))

	_, err := e.svc.Checkout(e.ctx, e.productCheckout(1, 100, 0))
	require.Error(t, err)
	require.True(t, errutil.IsRetryable(err))

	var count int64
	require.NoError(t, e.db.Model(&payment.Intent{}).Count(&count).Error)
	require.Zero(t, count)
}

func (e *env) createIntent(t *testing.T, orderID string) string {
	e.expectOrder(t, orderID, 10000)
	res, err := e.svc.Checkout(e.ctx, e.productCheckout(1, 100, 0))
	require.NoError(t, err)
	return res.ContributionIntentID
}

func TestConfirm(t *testing.T) {
	e := setup(t)

	t.Run("signature mismatch fails the intent terminally", func(t *testing.T) {
		intentID := e.createIntent(t, "order_bad")

		_, err := e.svc.Confirm(context.Background(), payment.ConfirmRequest{OrderID: "order_bad", PaymentID: "pay_1", Signature: "forged"})
		require.ErrorIs(t, err, payment.ErrSignatureMismatch)

		var intent payment.Intent
		require.NoError(t, e.db.First(&intent, "id = ?", intentID).Error)
		require.Equal(t, payment.IntentStatusFailed, intent.Status)
		require.Equal(t, payment.ReasonSignatureMismatch, intent.FailureReason)
	})

	t.Run("verified payment is handed to the recorder", func(t *testing.T) {
		intentID := e.createIntent(t, "order_ok")
		ref := payment.PaymentRef{PaymentID: "pay_2", Signature: payment.Sign(testSecret, "order_ok", "pay_2")}
		e.recorder.EXPECT().Record(gomock.Any(), intentID, ref).
			Return(&payment.RecordResult{DonationID: "don_1", AffectedCampaignIDs: []string{e.campaign.ID}}, nil)

		res, err := e.svc.Confirm(context.Background(), payment.ConfirmRequest{OrderID: "order_ok", PaymentID: ref.PaymentID, Signature: ref.Signature})
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, "don_1", res.DonationID)
		require.Equal(t, []string{e.campaign.ID}, res.AffectedCampaignIDs)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := e.svc.Confirm(context.Background(), payment.ConfirmRequest{
			OrderID: "order_ghost", PaymentID: "pay_3", Signature: payment.Sign(testSecret, "order_ghost", "pay_3"),
		})
		require.ErrorIs(t, err, payment.ErrIntentNotFound)
	})

	t.Run("recorder failure propagates", func(t *testing.T) {
		e.createIntent(t, "order_sold_out")
		sig := payment.Sign(testSecret, "order_sold_out", "pay_4")
		e.recorder.EXPECT().Record(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errutil.Conflict("insufficient stock", nil, errutil.WithReason(payment.ReasonInsufficientStock)))

		_, err := e.svc.Confirm(context.Background(), payment.ConfirmRequest{OrderID: "order_sold_out", PaymentID: "pay_4", Signature: sig})
		require.ErrorIs(t, err, payment.ErrInsufficientStock)
	})
}

func TestIntentLifecycle(t *testing.T) {
	e := setup(t)
	intentID := e.createIntent(t, "order_life")

	intent, err := e.svc.MarkAttempted(e.ctx, e.donor.ID, intentID)
	require.NoError(t, err)
	require.Equal(t, payment.IntentStatusAttempted, intent.Status)
	require.NotNil(t, intent.AttemptedAt)

	// repeated attempt is harmless
	_, err = e.svc.MarkAttempted(e.ctx, e.donor.ID, intentID)
	require.NoError(t, err)

	_, err = e.svc.Cancel(e.ctx, "someone-else", intentID)
	require.ErrorIs(t, err, payment.ErrIntentNotFound)

	intent, err = e.svc.Cancel(e.ctx, e.donor.ID, intentID)
	require.NoError(t, err)
	require.Equal(t, payment.IntentStatusCancelled, intent.Status)

	var snaps int64
	require.NoError(t, e.db.Model(&payment.CheckoutSnapshot{}).Where("intent_id = ?", intentID).Count(&snaps).Error)
	require.Zero(t, snaps)

	_, err = e.svc.MarkAttempted(e.ctx, e.donor.ID, intentID)
	require.ErrorIs(t, err, payment.ErrInvalidTransition)
}

func TestExpireAbandoned(t *testing.T) {
	e := setup(t)
	oldID := e.createIntent(t, "order_old")
	freshID := e.createIntent(t, "order_fresh")

	require.NoError(t, e.db.Model(&payment.Intent{}).Where("id = ?", oldID).
		Update("created_at", time.Now().Add(-96*time.Hour)).Error)

	n, err := e.svc.ExpireAbandoned(context.Background(), time.Now().Add(-72*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var old, fresh payment.Intent
	require.NoError(t, e.db.First(&old, "id = ?", oldID).Error)
	require.NoError(t, e.db.First(&fresh, "id = ?", freshID).Error)
	require.Equal(t, payment.IntentStatusCancelled, old.Status)
	require.Equal(t, payment.ReasonAbandoned, old.FailureReason)
	require.Equal(t, payment.IntentStatusCreated, fresh.Status)

	// Nothing was reserved so stock is untouched.
	p, err := e.catalog.GetProduct(context.Background(), e.product.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), p.Stock)
}
