package receipt

import (
	"net/http"

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
	r.GET("/donations/:id/receipt", h.receiptURL)
}

func (h *Handler) receiptURL(c *gin.Context) {
	id, _ := middleware.IdentityFromContext(c.Request.Context())
	url, err := h.svc.URL(c.Request.Context(), id.Subject, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int(urlTTL.Seconds())})
}
