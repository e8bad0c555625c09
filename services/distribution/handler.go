package distribution

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"impact-donations/pkg/db/pagination"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/httpapi"
	"impact-donations/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Handler struct {
	svc      *Service
	stickers *StickerSelector
}

type HandlerParams struct {
	fx.In

	Service  *Service
	Stickers *StickerSelector
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Service, stickers: p.Stickers}
}

var _ httpapi.Route = (*Handler)(nil)

func (h *Handler) Public(r gin.IRouter) {}

func (h *Handler) Protected(r gin.IRouter) {
	batches := r.Group("/batches")
	batches.POST("", h.create)
	batches.GET("", h.list)
	batches.GET("/:id", h.get)
	batches.POST("/:id/allocate", h.allocate)
	batches.POST("/:id/status", h.override)
	batches.POST("/:id/cancel", h.cancel)
	batches.GET("/:id/stickers", h.listStickers)

	r.PUT("/items/:id/status", h.setItemStatus)
	r.GET("/products/:id/unassigned", h.unassigned)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid batch request", err))
		return
	}

	id, _ := middleware.IdentityFromContext(c.Request.Context())
	res, err := h.svc.CreateBatch(c.Request.Context(), id.Subject, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) list(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}
	rows, err := h.svc.ListBatches(c.Request.Context(), c.Query("campaign_id"), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (h *Handler) get(c *gin.Context) {
	b, err := h.svc.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) allocate(c *gin.Context) {
	var req AllocateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid allocation request", err))
			return
		}
	}
	res, err := h.svc.AllocateToBatch(c.Request.Context(), c.Param("id"), req.Quantity)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) override(c *gin.Context) {
	var req OverrideStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid status request", err))
		return
	}
	res, err := h.svc.OverrideStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) cancel(c *gin.Context) {
	res, err := h.svc.CancelBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) setItemStatus(c *gin.Context) {
	var req UpdateItemStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid status request", err))
		return
	}
	res, err := h.svc.SetStatus(c.Request.Context(), req.BatchID, c.Param("id"), req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) unassigned(c *gin.Context) {
	n, err := h.svc.UnassignedCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": c.Param("id"), "unassigned": n})
}

func (h *Handler) listStickers(c *gin.Context) {
	var q StickerQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid sticker query", err))
		return
	}
	q.BatchID = c.Param("id")

	if !q.All {
		page, err := h.stickers.Page(c.Request.Context(), q)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, page)
		return
	}

	// Bulk export streams CSV straight from the sequence.
	b, err := h.svc.GetBatch(c.Request.Context(), q.BatchID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	filename := slug.Make(b.Code+" "+b.Label) + "-stickers.csv"
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"number", "donor_name", "country", "message", "product", "campaign", "batch", "image_ref"})
	n := 0
	for st, err := range h.stickers.Stickers(c.Request.Context(), q) {
		if err != nil {
			zap.L().Error("sticker export aborted", zap.String("batch_id", q.BatchID), zap.Int("written", n), zap.Error(err))
			break
		}
		_ = w.Write([]string{
			strconv.Itoa(st.Number), st.DonorName, st.Country, st.Message,
			st.ProductName, st.CampaignLabel, st.BatchLabel, st.ImageRef,
		})
		n++
	}
	w.Flush()
	stickersExported.Add(float64(n))
}
