package identity

import (
	"net/http"

	"impact-donations/pkg/httpapi"

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
	r.GET("/me/profile", h.profile)
}

func (h *Handler) profile(c *gin.Context) {
	donor, err := h.svc.Authenticate(c.Request.Context(), "")
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, donor)
}
