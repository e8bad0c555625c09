package distribution

import (
	"context"
	"errors"
	"iter"
	"math"
	"time"

	"impact-donations/pkg/errutil"
	"impact-donations/services/catalog"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	stickerChunk   = 200
	maxStickerPage = 1000
	labelCacheSize = 256
	labelCacheTTL  = 10 * time.Minute
	anonymousDonor = "Anonymous"
)

// StickerSelector projects batch members into printable stickers. It never
// writes.
type StickerSelector struct {
	db      *gorm.DB
	catalog *catalog.Service
	labels  *expirable.LRU[string, string]
	chunk   int
}

type StickerParams struct {
	fx.In

	DB      *gorm.DB
	Catalog *catalog.Service
}

func NewStickerSelector(p StickerParams) *StickerSelector {
	return &StickerSelector{
		db:      p.DB,
		catalog: p.Catalog,
		labels:  expirable.NewLRU[string, string](labelCacheSize, nil, labelCacheTTL),
		chunk:   stickerChunk,
	}
}

type stickerRow struct {
	ItemID       string
	DonationID   string
	ProductName  string
	Quantity     int
	DonorName    string
	PersonalName string
	Country      string
	Message      string
	ImageRef     string
	HasImage     bool
}

// Stickers returns a lazy sequence over the stickers of a batch. Every range
// over the result re-reads the batch, so the sequence can be consumed more than
// once. Numbers run 1..total over the filtered set regardless of the window.
func (s *StickerSelector) Stickers(ctx context.Context, q StickerQuery) iter.Seq2[Sticker, error] {
	return func(yield func(Sticker, error) bool) {
		if !q.Filter.Valid() {
			yield(Sticker{}, errutil.ValidationFailed("invalid sticker filter", nil,
				errutil.WithDetails(errutil.Detail{Field: "filter", Message: "must be all, with-images or without-images"})))
			return
		}

		var batch Batch
		if err := s.db.WithContext(ctx).Where("id = ?", q.BatchID).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				yield(Sticker{}, errutil.NotFound("batch not found", nil, errutil.WithReason(ReasonBatchNotFound)))
				return
			}
			yield(Sticker{}, errutil.ServiceUnavailable("failed to load batch", err))
			return
		}
		campaignLabel := s.campaignLabel(ctx, batch.CampaignID)

		start, end := window(q)
		pos := 0
		for offset := 0; ; offset += s.chunk {
			var rows []stickerRow
			if err := s.query(ctx, batch.ID, q.Filter).Offset(offset).Limit(s.chunk).Scan(&rows).Error; err != nil {
				yield(Sticker{}, errutil.ServiceUnavailable("failed to load stickers", err))
				return
			}

			for _, r := range rows {
				if pos+r.Quantity <= start {
					pos += r.Quantity
					continue
				}
				for unit := 1; unit <= r.Quantity; unit++ {
					pos++
					if pos <= start {
						continue
					}
					if pos > end {
						return
					}
					if !yield(r.sticker(pos, unit, campaignLabel, &batch, q.Filter), nil) {
						return
					}
				}
			}
			if len(rows) < s.chunk {
				return
			}
		}
	}
}

// Page collects one page of stickers together with the filtered total.
func (s *StickerSelector) Page(ctx context.Context, q StickerQuery) (*StickerPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 50
	}
	if q.PageSize > maxStickerPage {
		q.PageSize = maxStickerPage
	}

	out := &StickerPage{Data: make([]Sticker, 0, q.PageSize), Page: q.Page, PageSize: q.PageSize}
	for st, err := range s.Stickers(ctx, q) {
		if err != nil {
			return nil, err
		}
		out.Data = append(out.Data, st)
	}

	total, err := s.Total(ctx, q.BatchID, q.Filter)
	if err != nil {
		return nil, err
	}
	out.Total = total
	return out, nil
}

// Total is the number of stickers the filter yields for a batch.
func (s *StickerSelector) Total(ctx context.Context, batchID string, filter StickerFilter) (int, error) {
	var total int64
	err := s.db.WithContext(ctx).Table("(?) AS s", s.query(ctx, batchID, filter)).
		Select("COALESCE(SUM(s.quantity), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, errutil.ServiceUnavailable("failed to count stickers", err)
	}
	return int(total), nil
}

func (s *StickerSelector) query(ctx context.Context, batchID string, filter StickerFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Table("batch_memberships AS bm").
		Select("fi.id AS item_id, fi.donation_id AS donation_id, fi.product_name AS product_name, bm.quantity AS quantity, " +
			"COALESCE(d.display_name, '') AS donor_name, COALESCE(p.display_name, '') AS personal_name, " +
			"COALESCE(p.country, '') AS country, COALESCE(p.message, '') AS message, " +
			"COALESCE(p.image_ref, '') AS image_ref, COALESCE(p.has_image, false) AS has_image").
		Joins("JOIN fulfillment_items fi ON fi.id = bm.fulfillment_item_id").
		Joins("LEFT JOIN personalizations p ON p.fulfillment_item_id = fi.id").
		Joins("LEFT JOIN donors d ON d.id = fi.donor_id").
		Where("bm.batch_id = ? AND bm.active_fulfillment_item_id IS NOT NULL", batchID)

	switch filter {
	case FilterWithImages:
		q = q.Where("p.has_image = ?", true)
	case FilterWithoutImages:
		q = q.Where("(p.id IS NULL OR p.has_image = ?)", false)
	}
	return q.Order("fi.created_at ASC").Order("fi.id ASC")
}

func (s *StickerSelector) campaignLabel(ctx context.Context, campaignID string) string {
	if label, ok := s.labels.Get(campaignID); ok {
		return label
	}
	c, err := s.catalog.GetCampaign(ctx, campaignID)
	if err != nil {
		zap.L().Warn("campaign label unavailable", zap.String("campaign_id", campaignID), zap.Error(err))
		return campaignID
	}
	s.labels.Add(campaignID, c.Name)
	return c.Name
}

func (r stickerRow) sticker(number, unit int, campaignLabel string, b *Batch, filter StickerFilter) Sticker {
	name := r.PersonalName
	if name == "" {
		name = r.DonorName
	}
	if name == "" {
		name = anonymousDonor
	}
	st := Sticker{
		Number:            number,
		FulfillmentItemID: r.ItemID,
		DonationID:        r.DonationID,
		Unit:              unit,
		DonorName:         name,
		Country:           r.Country,
		Message:           r.Message,
		ProductName:       r.ProductName,
		CampaignLabel:     campaignLabel,
		BatchLabel:        b.Label,
		BatchCode:         b.Code,
	}
	if r.HasImage && filter != FilterWithoutImages {
		st.ImageRef = r.ImageRef
	}
	return st
}

// window returns the (start, end] sequence positions a query covers.
func window(q StickerQuery) (int, int) {
	if q.All {
		return 0, math.MaxInt
	}
	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	if size > maxStickerPage {
		size = maxStickerPage
	}
	start := (page - 1) * size
	return start, start + size
}
