package distribution_test

import (
	"context"
	"testing"

	"impact-donations/services/distribution"
	"impact-donations/services/donation"

	"github.com/stretchr/testify/require"
)

type stickerFixture struct {
	*env
	batchID                string
	pictured, plain, named *donation.FulfillmentItem
}

func stickerSetup(t *testing.T) *stickerFixture {
	t.Helper()
	e := setup(t)
	f := &stickerFixture{env: e}
	f.pictured = e.seedItem(t, 2, &donation.Personalization{DisplayName: "Asha", Country: "IN", ImageRef: "personal/asha.png", HasImage: true})
	f.plain = e.seedItem(t, 1, nil)
	f.named = e.seedItem(t, 3, &donation.Personalization{Message: "Stay warm", ImageRef: "personal/unused.png"})

	res, err := e.svc.CreateBatch(context.Background(), "ops", e.createReq(nil))
	require.NoError(t, err)
	f.batchID = res.BatchID
	return f
}

func collect(t *testing.T, s *distribution.StickerSelector, q distribution.StickerQuery) []distribution.Sticker {
	t.Helper()
	var out []distribution.Sticker
	for st, err := range s.Stickers(context.Background(), q) {
		require.NoError(t, err)
		out = append(out, st)
	}
	return out
}

func TestStickersExpandUnits(t *testing.T) {
	f := stickerSetup(t)

	all := collect(t, f.stickers, distribution.StickerQuery{BatchID: f.batchID, Filter: distribution.FilterAll, All: true})
	require.Len(t, all, 6)
	for i, st := range all {
		require.Equal(t, i+1, st.Number)
		require.Equal(t, "Winter Blankets", st.CampaignLabel)
		require.Equal(t, "North district", st.BatchLabel)
		require.NotEmpty(t, st.BatchCode)
	}

	require.Equal(t, f.pictured.ID, all[0].FulfillmentItemID)
	require.Equal(t, 1, all[0].Unit)
	require.Equal(t, 2, all[1].Unit)
	require.Equal(t, "Asha", all[0].DonorName)
	require.Equal(t, "personal/asha.png", all[0].ImageRef)

	require.Equal(t, f.plain.ID, all[2].FulfillmentItemID)
	require.Equal(t, "Priya", all[2].DonorName)
	require.Empty(t, all[2].ImageRef)

	require.Equal(t, f.named.ID, all[5].FulfillmentItemID)
	require.Equal(t, 3, all[5].Unit)
	require.Equal(t, "Priya", all[5].DonorName)
	require.Equal(t, "Stay warm", all[5].Message)
	require.Empty(t, all[5].ImageRef)
}

func TestStickerNumberingStableAcrossPages(t *testing.T) {
	f := stickerSetup(t)
	ctx := context.Background()

	whole, err := f.stickers.Page(ctx, distribution.StickerQuery{BatchID: f.batchID, Page: 1, PageSize: 1000, Filter: distribution.FilterAll})
	require.NoError(t, err)
	require.Equal(t, 6, whole.Total)

	var paged []distribution.Sticker
	for page := 1; page <= 3; page++ {
		p, err := f.stickers.Page(ctx, distribution.StickerQuery{BatchID: f.batchID, Page: page, PageSize: 4, Filter: distribution.FilterAll})
		require.NoError(t, err)
		require.Equal(t, 6, p.Total)
		paged = append(paged, p.Data...)
	}
	require.Equal(t, whole.Data, paged)

	capped, err := f.stickers.Page(ctx, distribution.StickerQuery{BatchID: f.batchID, Page: 1, PageSize: 5000})
	require.NoError(t, err)
	require.Equal(t, 1000, capped.PageSize)
}

func TestStickerFilters(t *testing.T) {
	f := stickerSetup(t)
	ctx := context.Background()

	with := collect(t, f.stickers, distribution.StickerQuery{BatchID: f.batchID, Filter: distribution.FilterWithImages, All: true})
	require.Len(t, with, 2)
	require.Equal(t, []int{1, 2}, []int{with[0].Number, with[1].Number})
	require.Equal(t, "personal/asha.png", with[1].ImageRef)

	without := collect(t, f.stickers, distribution.StickerQuery{BatchID: f.batchID, Filter: distribution.FilterWithoutImages, All: true})
	require.Len(t, without, 4)
	require.Equal(t, f.plain.ID, without[0].FulfillmentItemID)
	require.Equal(t, 1, without[0].Number)
	for _, st := range without {
		require.Empty(t, st.ImageRef)
	}

	n, err := f.stickers.Total(ctx, f.batchID, distribution.FilterWithoutImages)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	_, err = f.stickers.Page(ctx, distribution.StickerQuery{BatchID: f.batchID, Filter: "sepia"})
	require.Error(t, err)

	_, err = f.stickers.Page(ctx, distribution.StickerQuery{BatchID: "missing", Filter: distribution.FilterAll})
	require.ErrorIs(t, err, distribution.ErrBatchNotFound)
}

func TestStickerSequenceIsRestartable(t *testing.T) {
	f := stickerSetup(t)
	seq := f.stickers.Stickers(context.Background(), distribution.StickerQuery{BatchID: f.batchID, All: true})

	var first, second []distribution.Sticker
	for st, err := range seq {
		require.NoError(t, err)
		first = append(first, st)
	}
	for st, err := range seq {
		require.NoError(t, err)
		second = append(second, st)
		if len(second) == 3 {
			break
		}
	}
	require.Len(t, first, 6)
	require.Equal(t, first[:3], second)
}

func TestStickersSkipReleasedMembers(t *testing.T) {
	f := stickerSetup(t)
	_, err := f.svc.CancelBatch(context.Background(), f.batchID)
	require.NoError(t, err)

	n, err := f.stickers.Total(context.Background(), f.batchID, distribution.FilterAll)
	require.NoError(t, err)
	require.Zero(t, n)
}
