package payment

import (
	"net/http"

	"impact-donations/pkg/errutil"
	"impact-donations/pkg/httpapi"
	"impact-donations/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	svc     *Service
	limiter *middleware.RateLimiter
}

type HandlerParams struct {
	fx.In

	Service *Service
	Limiter *middleware.RateLimiter
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Service, limiter: p.Limiter}
}

var _ httpapi.Route = (*Handler)(nil)

// Public routes are authenticated by the gateway signature instead of a token.
func (h *Handler) Public(r gin.IRouter) {
	r.POST("/payments/confirm", h.confirm)
}

func (h *Handler) Protected(r gin.IRouter) {
	r.POST("/checkout", middleware.RateLimit(h.limiter), h.checkout)
	r.GET("/intents/:id", h.getIntent)
	r.POST("/intents/:id/attempt", h.markAttempted)
	r.POST("/intents/:id/cancel", h.cancel)
}

func (h *Handler) checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("malformed checkout payload", err))
		return
	}

	res, err := h.svc.Checkout(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("malformed confirmation payload", err))
		return
	}

	res, err := h.svc.Confirm(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getIntent(c *gin.Context) {
	id, _ := middleware.IdentityFromContext(c.Request.Context())
	intent, err := h.svc.GetIntent(c.Request.Context(), id.Subject, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *Handler) markAttempted(c *gin.Context) {
	id, _ := middleware.IdentityFromContext(c.Request.Context())
	intent, err := h.svc.MarkAttempted(c.Request.Context(), id.Subject, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *Handler) cancel(c *gin.Context) {
	id, _ := middleware.IdentityFromContext(c.Request.Context())
	intent, err := h.svc.Cancel(c.Request.Context(), id.Subject, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, intent)
}
