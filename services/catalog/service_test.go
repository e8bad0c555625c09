package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"impact-donations/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	db := testutil.NewTestDB(t, Models()...)
	return NewService(ServiceParams{DB: db, Node: testutil.NewNode(t)})
}

func TestCreateCampaignAndProduct(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCampaign(ctx, CreateCampaignRequest{Name: "Winter Blankets", GoalAmount: decimal.NewFromInt(10000), Status: CampaignStatusActive})
	require.NoError(t, err)
	require.Equal(t, "winter-blankets", c.Code)

	p, err := svc.CreateProduct(ctx, CreateProductRequest{CampaignID: c.ID, Name: "Blanket", UnitPrice: decimal.NewFromInt(100), Stock: 5, MaxQty: 3})
	require.NoError(t, err)

	got, err := svc.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Stock)
	require.True(t, got.UnitPrice.Equal(decimal.NewFromInt(100)))
	require.True(t, got.AllowsQuantity(3))
	require.False(t, got.AllowsQuantity(4))
	require.False(t, got.AllowsQuantity(0))

	byID, err := svc.ProductsByID(ctx, []string{p.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	require.Contains(t, byID, p.ID)

	_, err = svc.CreateProduct(ctx, CreateProductRequest{CampaignID: "nope", Name: "X", UnitPrice: decimal.NewFromInt(1)})
	require.Error(t, err)
}

func TestDefaultActiveCampaign(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.DefaultActiveCampaign(ctx)
	require.ErrorIs(t, err, ErrNoEligibleCampaign)

	past := time.Now().Add(-48 * time.Hour)
	ended := time.Now().Add(-24 * time.Hour)
	_, err = svc.CreateCampaign(ctx, CreateCampaignRequest{Name: "Ended", Status: CampaignStatusActive, IsDefault: true, StartAt: &past, EndAt: &ended})
	require.NoError(t, err)
	_, err = svc.DefaultActiveCampaign(ctx)
	require.ErrorIs(t, err, ErrNoEligibleCampaign)

	live, err := svc.CreateCampaign(ctx, CreateCampaignRequest{Name: "General Fund", Status: CampaignStatusActive, IsDefault: true})
	require.NoError(t, err)

	ids := make([]string, 8)
	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := svc.DefaultActiveCampaign(ctx)
			errs[i] = err
			if c != nil {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, live.ID, ids[i])
	}
}
