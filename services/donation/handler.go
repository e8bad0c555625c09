package donation

import (
	"net/http"

	"impact-donations/pkg/db/pagination"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/httpapi"
	"impact-donations/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

var _ httpapi.Route = (*Handler)(nil)

func (h *Handler) Public(r gin.IRouter) {}

func (h *Handler) Protected(r gin.IRouter) {
	r.GET("/donations/:id", h.get)
	r.GET("/donations/:id/items", h.listItems)
	r.GET("/me/items", h.listMine)
}

func (h *Handler) get(c *gin.Context) {
	id, _ := middleware.IdentityFromContext(c.Request.Context())
	d, err := h.svc.GetDonation(c.Request.Context(), id.Subject, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) listItems(c *gin.Context) {
	id, _ := middleware.IdentityFromContext(c.Request.Context())
	items, err := h.svc.ListItemsForDonation(c.Request.Context(), id.Subject, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (h *Handler) listMine(c *gin.Context) {
	var page pagination.Page
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid page", err))
		return
	}

	id, _ := middleware.IdentityFromContext(c.Request.Context())
	items, err := h.svc.ListItemsForDonor(c.Request.Context(), id.Subject, page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page": page.Page, "page_size": page.PageSize})
}
