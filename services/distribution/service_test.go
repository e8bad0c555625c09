package distribution_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/db/pagination"
	"impact-donations/pkg/errutil"
	"impact-donations/services/catalog"
	"impact-donations/services/distribution"
	"impact-donations/services/donation"
	"impact-donations/services/identity"
	"impact-donations/services/payment"
	"impact-donations/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type env struct {
	db       *gorm.DB
	node     *snowflake.Node
	svc      *distribution.Service
	stickers *distribution.StickerSelector
	donor    *identity.Donor
	campaign *catalog.Campaign
	product  *catalog.CampaignProduct
	base     time.Time
	seeded   int
}

func setup(t *testing.T) *env {
	t.Helper()

	var models []any
	models = append(models, identity.Models()...)
	models = append(models, catalog.Models()...)
	models = append(models, payment.Models()...)
	models = append(models, donation.Models()...)
	models = append(models, distribution.Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)
	ctx := context.Background()

	ids := identity.NewService(identity.Params{DB: db, Node: node})
	cat := catalog.NewService(catalog.ServiceParams{DB: db, Node: node})

	donor, err := ids.Create(ctx, identity.CreateDonorRequest{DisplayName: "Priya", Email: "priya@example.org"})
	require.NoError(t, err)
	campaign, err := cat.CreateCampaign(ctx, catalog.CreateCampaignRequest{Name: "Winter Blankets", GoalAmount: decimal.NewFromInt(5000), Status: catalog.CampaignStatusActive})
	require.NoError(t, err)
	product, err := cat.CreateProduct(ctx, catalog.CreateProductRequest{CampaignID: campaign.ID, Name: "Blanket", UnitPrice: decimal.NewFromInt(250), Stock: 100})
	require.NoError(t, err)

	return &env{
		db:   db,
		node: node,
		svc: distribution.NewService(distribution.Params{
			DB:       db,
			Node:     node,
			Config:   &config.Config{},
			Sequence: testutil.NewSequence(),
			Catalog:  cat,
		}),
		stickers: distribution.NewStickerSelector(distribution.StickerParams{DB: db, Catalog: cat}),
		donor:    donor,
		campaign: campaign,
		product:  product,
		base:     time.Now().Add(-time.Hour),
	}
}

// seedItem stores a paid fulfillment item; each call is one second newer than
// the previous one.
func (e *env) seedItem(t *testing.T, qty int, personal *donation.Personalization) *donation.FulfillmentItem {
	t.Helper()
	e.seeded++
	item := &donation.FulfillmentItem{
		ID:          e.node.Generate().String(),
		DonationID:  e.node.Generate().String(),
		DonorID:     e.donor.ID,
		CampaignID:  e.campaign.ID,
		ProductID:   e.product.ID,
		ProductName: e.product.Name,
		Quantity:    qty,
		UnitPrice:   e.product.UnitPrice,
		LineTotal:   e.product.UnitPrice.Mul(decimal.NewFromInt(int64(qty))),
		Status:      donation.ItemStatusPending,
		DonatedAt:   e.base,
		CreatedAt:   e.base.Add(time.Duration(e.seeded) * time.Second),
	}
	require.NoError(t, e.db.Create(item).Error)
	if personal != nil {
		personal.ID = e.node.Generate().String()
		personal.FulfillmentItemID = &item.ID
		require.NoError(t, e.db.Create(personal).Error)
	}
	return item
}

func (e *env) createReq(qty *int) distribution.CreateBatchRequest {
	return distribution.CreateBatchRequest{
		CampaignID:  e.campaign.ID,
		ProductID:   e.product.ID,
		Label:       "North district",
		PlannedDate: time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02"),
		Quantity:    qty,
	}
}

func intp(v int) *int { return &v }

func (e *env) itemStatus(t *testing.T, id string) donation.ItemStatus {
	t.Helper()
	var it donation.FulfillmentItem
	require.NoError(t, e.db.First(&it, "id = ?", id).Error)
	return it.Status
}

func TestCreateBatchInsufficientItems(t *testing.T) {
	e := setup(t)
	for i := 0; i < 3; i++ {
		e.seedItem(t, 1, nil)
	}

	_, err := e.svc.CreateBatch(context.Background(), "ops", e.createReq(intp(5)))
	require.ErrorIs(t, err, distribution.ErrInsufficientUnallocated)

	var batches, memberships int64
	require.NoError(t, e.db.Model(&distribution.Batch{}).Count(&batches).Error)
	require.NoError(t, e.db.Model(&distribution.BatchMembership{}).Count(&memberships).Error)
	require.Zero(t, batches)
	require.Zero(t, memberships)

	n, err := e.svc.UnassignedCount(context.Background(), e.product.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestCreateBatchTakesOldestFirst(t *testing.T) {
	e := setup(t)
	items := []*donation.FulfillmentItem{
		e.seedItem(t, 1, nil),
		e.seedItem(t, 2, nil),
		e.seedItem(t, 1, nil),
		e.seedItem(t, 3, nil),
	}

	res, err := e.svc.CreateBatch(context.Background(), "ops", e.createReq(intp(2)))
	require.NoError(t, err)
	require.Equal(t, 2, res.ItemsAssigned)
	require.NotEmpty(t, res.Code)
	require.Equal(t, distribution.BatchStatusPlanning, res.Progress.Status)
	require.Equal(t, 2, res.Progress.TotalItems)
	require.Equal(t, 2, res.Progress.AllocatedItems)
	require.True(t, res.Progress.TotalValue.Equal(decimal.NewFromInt(750)))

	require.Equal(t, donation.ItemStatusAllocated, e.itemStatus(t, items[0].ID))
	require.Equal(t, donation.ItemStatusAllocated, e.itemStatus(t, items[1].ID))
	require.Equal(t, donation.ItemStatusPending, e.itemStatus(t, items[2].ID))
	require.Equal(t, donation.ItemStatusPending, e.itemStatus(t, items[3].ID))

	b, err := e.svc.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Equal(t, 3, b.TotalUnits)
	require.Equal(t, "ops", b.CreatedBy)

	// The rest goes to the same batch.
	more, err := e.svc.AllocateToBatch(context.Background(), res.BatchID, nil)
	require.NoError(t, err)
	require.Equal(t, 2, more.ItemsAssigned)
	require.Equal(t, 4, more.Progress.TotalItems)

	n, err := e.svc.UnassignedCount(context.Background(), e.product.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCreateBatchValidation(t *testing.T) {
	e := setup(t)
	e.seedItem(t, 1, nil)

	req := e.createReq(nil)
	req.PlannedDate = "2000-01-01"
	_, err := e.svc.CreateBatch(context.Background(), "ops", req)
	require.Equal(t, distribution.ReasonPlannedDateInPast, errutil.ReasonOf(err))

	req = e.createReq(nil)
	req.PlannedDate = "next week"
	_, err = e.svc.CreateBatch(context.Background(), "ops", req)
	be, ok := errutil.As(err)
	require.True(t, ok)
	require.Equal(t, errutil.StatusValidationFailed, be.Code)

	req = e.createReq(nil)
	req.PlannedDate = time.Now().UTC().Format("2006-01-02")
	_, err = e.svc.CreateBatch(context.Background(), "ops", req)
	require.NoError(t, err)
}

func TestAllocationExclusivity(t *testing.T) {
	e := setup(t)
	for i := 0; i < 3; i++ {
		e.seedItem(t, 1, nil)
	}

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.CreateBatch(context.Background(), "ops", e.createReq(intp(2)))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, distribution.ErrInsufficientUnallocated)
	}
	require.Equal(t, 1, ok)

	var dup []struct {
		FulfillmentItemID string
		N                 int
	}
	require.NoError(t, e.db.Model(&distribution.BatchMembership{}).
		Select("fulfillment_item_id, COUNT(*) AS n").
		Where("active_fulfillment_item_id IS NOT NULL").
		Group("fulfillment_item_id").
		Having("COUNT(*) > 1").
		Scan(&dup).Error)
	require.Empty(t, dup)

	// The unique index rejects a second active membership outright.
	var m distribution.BatchMembership
	require.NoError(t, e.db.Where("active_fulfillment_item_id IS NOT NULL").First(&m).Error)
	clash := &distribution.BatchMembership{
		ID:                      e.node.Generate().String(),
		BatchID:                 "other",
		FulfillmentItemID:       m.FulfillmentItemID,
		ActiveFulfillmentItemID: &m.FulfillmentItemID,
		Quantity:                1,
		Status:                  donation.ItemStatusAllocated,
	}
	require.Error(t, e.db.Create(clash).Error)
}

// A locked read can come back short when rows it waited on were changed by a
// concurrent allocation. The hook drops one row from the first read to stand
// in for that.
func TestCreateBatchRereadsShortLockedSelection(t *testing.T) {
	e := setup(t)
	for i := 0; i < 3; i++ {
		e.seedItem(t, 1, nil)
	}

	var reads int
	require.NoError(t, e.db.Callback().Query().After("gorm:query").Register("test:short_read", func(tx *gorm.DB) {
		items, ok := tx.Statement.Dest.(*[]*donation.FulfillmentItem)
		if !ok {
			return
		}
		reads++
		if reads == 1 && len(*items) > 0 {
			*items = (*items)[:len(*items)-1]
		}
	}))

	res, err := e.svc.CreateBatch(context.Background(), "ops", e.createReq(intp(3)))
	require.NoError(t, err)
	require.Equal(t, 3, res.ItemsAssigned)
	require.Equal(t, 2, reads)
}

func TestCreateBatchShortAfterRereadFails(t *testing.T) {
	e := setup(t)
	for i := 0; i < 3; i++ {
		e.seedItem(t, 1, nil)
	}

	var reads int
	require.NoError(t, e.db.Callback().Query().After("gorm:query").Register("test:short_read", func(tx *gorm.DB) {
		items, ok := tx.Statement.Dest.(*[]*donation.FulfillmentItem)
		if !ok {
			return
		}
		reads++
		if len(*items) > 0 {
			*items = (*items)[:len(*items)-1]
		}
	}))

	_, err := e.svc.CreateBatch(context.Background(), "ops", e.createReq(intp(3)))
	require.ErrorIs(t, err, distribution.ErrInsufficientUnallocated)
	require.Equal(t, 2, reads)

	var batches int64
	require.NoError(t, e.db.Model(&distribution.Batch{}).Count(&batches).Error)
	require.Zero(t, batches)
}

func TestSetStatusRollup(t *testing.T) {
	e := setup(t)
	a := e.seedItem(t, 1, nil)
	b := e.seedItem(t, 1, nil)
	outsider := e.seedItem(t, 1, nil)

	res, err := e.svc.CreateBatch(context.Background(), "ops", e.createReq(intp(2)))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.svc.SetStatus(ctx, res.BatchID, a.ID, donation.ItemStatusDistributed)
	require.ErrorIs(t, err, distribution.ErrInvalidTransition)

	_, err = e.svc.SetStatus(ctx, res.BatchID, a.ID, donation.ItemStatusAllocated)
	require.ErrorIs(t, err, distribution.ErrInvalidTransition)

	_, err = e.svc.SetStatus(ctx, res.BatchID, outsider.ID, donation.ItemStatusPrepared)
	require.ErrorIs(t, err, distribution.ErrMembershipNotFound)

	p, err := e.svc.SetStatus(ctx, res.BatchID, a.ID, donation.ItemStatusPrepared)
	require.NoError(t, err)
	require.Equal(t, distribution.BatchStatusPlanning, p.Status)
	require.Equal(t, 1, p.PreparedItems)
	require.Equal(t, 1, p.AllocatedItems)

	p, err = e.svc.SetStatus(ctx, res.BatchID, b.ID, donation.ItemStatusPrepared)
	require.NoError(t, err)
	require.Equal(t, distribution.BatchStatusPrepared, p.Status)

	p, err = e.svc.SetStatus(ctx, res.BatchID, a.ID, donation.ItemStatusDistributed)
	require.NoError(t, err)
	require.Equal(t, distribution.BatchStatusInProgress, p.Status)
	require.Equal(t, 50, p.ProgressPercentage)

	_, err = e.svc.SetStatus(ctx, res.BatchID, a.ID, donation.ItemStatusDistributed)
	require.ErrorIs(t, err, distribution.ErrInvalidTransition)

	p, err = e.svc.SetStatus(ctx, res.BatchID, b.ID, donation.ItemStatusDistributed)
	require.NoError(t, err)
	require.Equal(t, distribution.BatchStatusCompleted, p.Status)
	require.Equal(t, 100, p.ProgressPercentage)
	require.Equal(t, 2, p.DistributedItems)

	var m distribution.BatchMembership
	require.NoError(t, e.db.First(&m, "fulfillment_item_id = ?", a.ID).Error)
	require.Equal(t, donation.ItemStatusDistributed, m.Status)
}

func TestCancelBatch(t *testing.T) {
	e := setup(t)
	a := e.seedItem(t, 1, nil)
	e.seedItem(t, 2, nil)
	ctx := context.Background()

	res, err := e.svc.CreateBatch(ctx, "ops", e.createReq(nil))
	require.NoError(t, err)
	_, err = e.svc.SetStatus(ctx, res.BatchID, a.ID, donation.ItemStatusPrepared)
	require.NoError(t, err)

	p, err := e.svc.CancelBatch(ctx, res.BatchID)
	require.NoError(t, err)
	require.Equal(t, distribution.BatchStatusCancelled, p.Status)
	require.Zero(t, p.TotalItems)
	require.Equal(t, donation.ItemStatusPending, e.itemStatus(t, a.ID))

	n, err := e.svc.UnassignedCount(ctx, e.product.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// Released memberships are kept as history.
	var released int64
	require.NoError(t, e.db.Model(&distribution.BatchMembership{}).
		Where("batch_id = ? AND active_fulfillment_item_id IS NULL AND released_at IS NOT NULL", res.BatchID).
		Count(&released).Error)
	require.Equal(t, int64(2), released)

	_, err = e.svc.AllocateToBatch(ctx, res.BatchID, nil)
	require.ErrorIs(t, err, distribution.ErrBatchLocked)

	again, err := e.svc.CreateBatch(ctx, "ops", e.createReq(nil))
	require.NoError(t, err)
	require.Equal(t, 2, again.ItemsAssigned)

	_, err = e.svc.SetStatus(ctx, again.BatchID, a.ID, donation.ItemStatusPrepared)
	require.NoError(t, err)
	_, err = e.svc.SetStatus(ctx, again.BatchID, a.ID, donation.ItemStatusDistributed)
	require.NoError(t, err)

	_, err = e.svc.CancelBatch(ctx, again.BatchID)
	require.ErrorIs(t, err, distribution.ErrBatchLocked)
}

func TestOverrideStatus(t *testing.T) {
	e := setup(t)
	a := e.seedItem(t, 1, nil)
	e.seedItem(t, 1, nil)
	ctx := context.Background()

	res, err := e.svc.CreateBatch(ctx, "ops", e.createReq(nil))
	require.NoError(t, err)

	p, err := e.svc.OverrideStatus(ctx, res.BatchID, distribution.BatchStatusInProgress)
	require.NoError(t, err)
	require.Equal(t, distribution.BatchStatusInProgress, p.Status)

	p, err = e.svc.SetStatus(ctx, res.BatchID, a.ID, donation.ItemStatusPrepared)
	require.NoError(t, err)
	require.Equal(t, distribution.BatchStatusInProgress, p.Status)

	p, err = e.svc.OverrideStatus(ctx, res.BatchID, "")
	require.NoError(t, err)
	require.Equal(t, distribution.BatchStatusPlanning, p.Status)

	_, err = e.svc.OverrideStatus(ctx, res.BatchID, distribution.BatchStatusCancelled)
	require.Error(t, err)

	_, err = e.svc.OverrideStatus(ctx, "missing", distribution.BatchStatusCompleted)
	require.ErrorIs(t, err, distribution.ErrBatchNotFound)
}

func TestListBatches(t *testing.T) {
	e := setup(t)
	for i := 0; i < 4; i++ {
		e.seedItem(t, 1, nil)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := e.svc.CreateBatch(ctx, "ops", e.createReq(intp(2)))
		require.NoError(t, err)
	}

	rows, err := e.svc.ListBatches(ctx, e.campaign.ID, pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotEqual(t, rows[0].Code, rows[1].Code)
}
