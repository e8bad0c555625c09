package catalog

import (
	"net/http"
	"strings"

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

func (h *Handler) Public(r gin.IRouter) {
	r.GET("/campaigns", h.listCampaigns)
	r.GET("/campaigns/:id", h.getCampaign)
	r.GET("/campaigns/:id/products", h.listProducts)
}

func (h *Handler) Protected(r gin.IRouter) {}

func (h *Handler) listCampaigns(c *gin.Context) {
	status := CampaignStatus(strings.ToUpper(c.DefaultQuery("status", string(CampaignStatusActive))))
	rows, err := h.svc.ListCampaigns(c.Request.Context(), status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": rows})
}

func (h *Handler) getCampaign(c *gin.Context) {
	campaign, err := h.svc.GetCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *Handler) listProducts(c *gin.Context) {
	rows, err := h.svc.ListProducts(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": rows})
}
