package receipt_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/featureflags"
	"impact-donations/pkg/taskname"
	"impact-donations/services/catalog"
	"impact-donations/services/donation"
	"impact-donations/services/identity"
	"impact-donations/services/payment"
	"impact-donations/services/receipt"
	"impact-donations/services/receipt/mocks"
	"impact-donations/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type env struct {
	db       *gorm.DB
	node     *snowflake.Node
	svc      *receipt.Service
	mailer   *mocks.MockMailer
	archive  *mocks.MockArchive
	enqueuer *testutil.Enqueuer
	donor    *identity.Donor
	campaign *catalog.Campaign
}

func setup(t *testing.T, flags featureflags.FeatureFlag) *env {
	t.Helper()

	var models []any
	models = append(models, identity.Models()...)
	models = append(models, catalog.Models()...)
	models = append(models, payment.Models()...)
	models = append(models, donation.Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)
	ctx := context.Background()

	cfg := &config.Config{}
	cfg.Receipt.MaxRetry = 1
	cfg.Receipt.Queue = "default"
	cfg.Receipt.StaleAfter = 15 * time.Minute

	ids := identity.NewService(identity.Params{DB: db, Node: node})
	cat := catalog.NewService(catalog.ServiceParams{DB: db, Node: node})
	enq := &testutil.Enqueuer{}
	donations := donation.NewService(donation.Params{DB: db, Node: node, Config: cfg, Sequence: testutil.NewSequence(), Enqueuer: enq})

	donor, err := ids.Create(ctx, identity.CreateDonorRequest{DisplayName: "Meera", Email: "meera@example.org"})
	require.NoError(t, err)
	campaign, err := cat.CreateCampaign(ctx, catalog.CreateCampaignRequest{Name: "School Meals", GoalAmount: decimal.NewFromInt(20000), Status: catalog.CampaignStatusActive})
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	e := &env{
		db:       db,
		node:     node,
		mailer:   mocks.NewMockMailer(ctrl),
		archive:  mocks.NewMockArchive(ctrl),
		enqueuer: enq,
		donor:    donor,
		campaign: campaign,
	}
	e.svc = receipt.NewService(receipt.Params{
		DB:        db,
		Config:    cfg,
		Flags:     flags,
		Mailer:    e.mailer,
		Archive:   e.archive,
		Donations: donations,
		Donors:    ids,
		Catalog:   cat,
		Enqueuer:  enq,
	})
	return e
}

// seedDonation stores a paid donation with one item and its pending outbox row.
func (e *env) seedDonation(t *testing.T, donorID string) *donation.ReceiptNotification {
	t.Helper()
	d := &donation.Donation{
		ID:               e.node.Generate().String(),
		DonorID:          donorID,
		CampaignID:       e.campaign.ID,
		IntentID:         e.node.Generate().String(),
		ReceiptNumber:    "DON-261015-001",
		GatewayPaymentID: "pay_123",
		Amount:           decimal.NewFromInt(550),
		TipAmount:        decimal.NewFromInt(50),
		Currency:         "INR",
		Kind:             payment.KindProductBased,
		Visible:          true,
	}
	require.NoError(t, e.db.Create(d).Error)
	item := &donation.FulfillmentItem{
		ID:          e.node.Generate().String(),
		DonationID:  d.ID,
		DonorID:     donorID,
		CampaignID:  e.campaign.ID,
		ProductID:   "meal-kit",
		ProductName: "Meal kit",
		Quantity:    2,
		UnitPrice:   decimal.NewFromInt(250),
		LineTotal:   decimal.NewFromInt(500),
		Status:      donation.ItemStatusPending,
		DonatedAt:   time.Now(),
	}
	require.NoError(t, e.db.Create(item).Error)
	n := &donation.ReceiptNotification{
		ID:         e.node.Generate().String(),
		DonationID: d.ID,
		Status:     donation.ReceiptStatusPending,
	}
	require.NoError(t, e.db.Create(n).Error)
	return n
}

func (e *env) reload(t *testing.T, id string) *donation.ReceiptNotification {
	t.Helper()
	var n donation.ReceiptNotification
	require.NoError(t, e.db.First(&n, "id = ?", id).Error)
	return &n
}

func TestDeliverSendsAndArchives(t *testing.T) {
	e := setup(t, featureflags.Static{})
	n := e.seedDonation(t, e.donor.ID)

	gomock.InOrder(
		e.archive.EXPECT().Put(gomock.Any(), n.DonationID, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, pdf []byte) (string, error) {
				assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))
				return "receipts/" + n.DonationID + "/a.pdf", nil
			}).Times(1),
		e.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, msg receipt.Message) error {
				assert.Equal(t, "meera@example.org", msg.To)
				assert.Equal(t, "DON-261015-001.pdf", msg.AttachmentName)
				assert.Contains(t, msg.Subject, "DON-261015-001")
				assert.Contains(t, msg.Body, "School Meals")
				assert.NotEmpty(t, msg.Attachment)
				return nil
			}).Times(1),
	)

	require.NoError(t, e.svc.Deliver(context.Background(), n.ID))

	got := e.reload(t, n.ID)
	require.Equal(t, donation.ReceiptStatusSent, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, "receipts/"+n.DonationID+"/a.pdf", got.ObjectKey)
	require.NotNil(t, got.SentAt)

	// Already sent: no second mail.
	require.NoError(t, e.svc.Deliver(context.Background(), n.ID))
}

func TestDeliverArchiveFailureMailsOnce(t *testing.T) {
	e := setup(t, featureflags.Static{})
	n := e.seedDonation(t, e.donor.ID)
	storeDown := errutil.ServiceUnavailable("failed to archive receipt", errors.New("minio unreachable"))

	gomock.InOrder(
		e.archive.EXPECT().Put(gomock.Any(), n.DonationID, gomock.Any()).Return("", storeDown),
		e.archive.EXPECT().Put(gomock.Any(), n.DonationID, gomock.Any()).Return("receipts/k.pdf", nil),
	)
	mails := 0
	e.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, receipt.Message) error {
			mails++
			return nil
		}).AnyTimes()

	err := e.svc.Deliver(context.Background(), n.ID)
	require.Error(t, err)
	require.Zero(t, mails)
	got := e.reload(t, n.ID)
	require.Equal(t, donation.ReceiptStatusFailed, got.Status)
	require.Empty(t, got.ObjectKey)

	require.NoError(t, e.svc.Deliver(context.Background(), n.ID))
	require.NoError(t, e.svc.Deliver(context.Background(), n.ID))
	require.Equal(t, 1, mails)
	got = e.reload(t, n.ID)
	require.Equal(t, donation.ReceiptStatusSent, got.Status)
	require.Equal(t, "receipts/k.pdf", got.ObjectKey)
	require.Equal(t, 2, got.Attempts)
}

func TestDeliverRetriesThenDies(t *testing.T) {
	e := setup(t, featureflags.Static{})
	n := e.seedDonation(t, e.donor.ID)
	smtpDown := errutil.ServiceUnavailable("smtp delivery failed", errors.New("connection refused"))

	e.archive.EXPECT().Put(gomock.Any(), n.DonationID, gomock.Any()).Return("receipts/k.pdf", nil).Times(1)
	e.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).Return(smtpDown).Times(2)

	err := e.svc.Deliver(context.Background(), n.ID)
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))
	got := e.reload(t, n.ID)
	require.Equal(t, donation.ReceiptStatusFailed, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, "receipts/k.pdf", got.ObjectKey)
	require.Contains(t, got.LastError, "smtp")

	// The archived copy is reused on the next attempt.
	err = e.svc.Deliver(context.Background(), n.ID)
	require.ErrorIs(t, err, asynq.SkipRetry)
	got = e.reload(t, n.ID)
	require.Equal(t, donation.ReceiptStatusDead, got.Status)
	require.Equal(t, 2, got.Attempts)
}

func TestDeliverWithoutContactIsDead(t *testing.T) {
	e := setup(t, featureflags.Static{})
	silent := &identity.Donor{ID: e.node.Generate().String(), DisplayName: "Walk-in"}
	require.NoError(t, e.db.Create(silent).Error)
	n := e.seedDonation(t, silent.ID)

	err := e.svc.Deliver(context.Background(), n.ID)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, receipt.ReasonNoContact, errutil.ReasonOf(err))
	require.Equal(t, donation.ReceiptStatusDead, e.reload(t, n.ID).Status)
}

func TestDeliverPausedByFlag(t *testing.T) {
	e := setup(t, featureflags.Static{featureflags.ReceiptDelivery: false})
	n := e.seedDonation(t, e.donor.ID)

	require.NoError(t, e.svc.Deliver(context.Background(), n.ID))
	got := e.reload(t, n.ID)
	require.Equal(t, donation.ReceiptStatusPending, got.Status)
	require.Zero(t, got.Attempts)
}

func TestDeliverUnknownNotification(t *testing.T) {
	e := setup(t, featureflags.Static{})
	err := e.svc.Deliver(context.Background(), "missing")
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleReceiptSend(t *testing.T) {
	e := setup(t, featureflags.Static{featureflags.ReceiptDelivery: false})
	n := e.seedDonation(t, e.donor.ID)

	payload, err := json.Marshal(donation.ReceiptTaskPayload{NotificationID: n.ID})
	require.NoError(t, err)
	require.NoError(t, e.svc.HandleReceiptSend(context.Background(), asynq.NewTask(taskname.ReceiptSend, payload)))

	err = e.svc.HandleReceiptSend(context.Background(), asynq.NewTask(taskname.ReceiptSend, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestOnDeadLetter(t *testing.T) {
	e := setup(t, featureflags.Static{})
	n := e.seedDonation(t, e.donor.ID)

	payload, err := json.Marshal(donation.ReceiptTaskPayload{NotificationID: n.ID})
	require.NoError(t, err)
	e.svc.OnDeadLetter(context.Background(), asynq.NewTask(taskname.ReceiptSend, payload), errors.New("timeout"))

	got := e.reload(t, n.ID)
	require.Equal(t, donation.ReceiptStatusDead, got.Status)
	require.Equal(t, "timeout", got.LastError)

	// Other task types are ignored.
	other := e.seedDonation(t, e.donor.ID)
	e.svc.OnDeadLetter(context.Background(), asynq.NewTask(taskname.IntentSweep, nil), errors.New("boom"))
	require.Equal(t, donation.ReceiptStatusPending, e.reload(t, other.ID).Status)
}

func TestRequeueStale(t *testing.T) {
	e := setup(t, featureflags.Static{})
	stale := e.seedDonation(t, e.donor.ID)
	fresh := e.seedDonation(t, e.donor.ID)
	sent := e.seedDonation(t, e.donor.ID)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, e.db.Model(&donation.ReceiptNotification{}).Where("id IN ?", []string{stale.ID, sent.ID}).
		UpdateColumn("updated_at", old).Error)
	require.NoError(t, e.db.Model(&donation.ReceiptNotification{}).Where("id = ?", sent.ID).
		UpdateColumn("status", donation.ReceiptStatusSent).Error)

	n, err := e.svc.RequeueStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks := e.enqueuer.Tasks()
	require.Len(t, tasks, 1)
	var payload donation.ReceiptTaskPayload
	require.NoError(t, json.Unmarshal(tasks[0].Payload(), &payload))
	require.Equal(t, stale.ID, payload.NotificationID)
	require.NotEqual(t, fresh.ID, payload.NotificationID)

	e.enqueuer.Err = errors.New("redis down")
	n, err = e.svc.RequeueStale(context.Background())
	require.Error(t, err)
	require.Zero(t, n)
}

func TestReceiptURL(t *testing.T) {
	e := setup(t, featureflags.Static{})
	n := e.seedDonation(t, e.donor.ID)
	ctx := context.Background()

	_, err := e.svc.URL(ctx, e.donor.ID, n.DonationID)
	require.ErrorIs(t, err, receipt.ErrReceiptNotReady)

	require.NoError(t, e.db.Model(&donation.ReceiptNotification{}).Where("id = ?", n.ID).
		UpdateColumn("object_key", "receipts/x.pdf").Error)
	e.archive.EXPECT().URL(gomock.Any(), "receipts/x.pdf", gomock.Any()).Return("https://files.example.org/x", nil)

	url, err := e.svc.URL(ctx, e.donor.ID, n.DonationID)
	require.NoError(t, err)
	require.Equal(t, "https://files.example.org/x", url)

	_, err = e.svc.URL(ctx, "someone-else", n.DonationID)
	require.ErrorIs(t, err, donation.ErrDonationNotFound)
}
