package payment

//go:generate mockgen -destination=mocks/gateway.go -package=mocks impact-donations/services/payment Gateway,Recorder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const ReasonGatewayRejected = "GATEWAY_REJECTED"

type OrderRequest struct {
	// AmountMinor is the amount in the currency's minor unit (paise for INR).
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Receipt     string            `json:"receipt"`
	Notes       map[string]string `json:"notes,omitempty"`
}

type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Receipt  string `json:"receipt"`
	// Raw is the unmodified gateway response body.
	Raw []byte `json:"-"`
}

// Gateway opens payment orders with the external payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
}

type gatewayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

type restyGateway struct {
	client *resty.Client
}

// NewGateway builds the HTTP gateway client. Every call is bounded by
// GATEWAY.TIMEOUT and is never retried here; callers retry the checkout.
func NewGateway(cfg *config.Config) Gateway {
	timeout := cfg.Gateway.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.Gateway.BaseURL).
		SetBasicAuth(cfg.Gateway.KeyID, cfg.Gateway.KeySecret).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	return &restyGateway{client: client}
}

func (g *restyGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var (
		out    Order
		gwErr  gatewayError
		logger = zap.L().With(zap.String("receipt", req.Receipt), zap.Int64("amount", req.AmountMinor))
	)

	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&gwErr).
		Post("/v1/orders")
	if err != nil {
		if isTimeout(err) {
			logger.Warn("gateway order timed out", zap.Error(err))
			return nil, errutil.Timeout("payment gateway timed out", err)
		}
		logger.Error("gateway order failed", zap.Error(err))
		return nil, errutil.BadGateway("payment gateway unreachable", err)
	}

	if resp.IsError() {
		logger.Error("gateway rejected order",
			zap.Int("status", resp.StatusCode()),
			zap.String("code", gwErr.Error.Code),
			zap.String("description", gwErr.Error.Description))
		if resp.StatusCode() >= 500 {
			return nil, errutil.BadGateway("payment gateway error", fmt.Errorf("status %d", resp.StatusCode()))
		}
		return nil, errutil.UnprocessableEntity("payment gateway rejected the order", errors.New(gwErr.Error.Description),
			errutil.WithReason(ReasonGatewayRejected))
	}

	if out.ID == "" {
		return nil, errutil.BadGateway("payment gateway returned no order id", nil)
	}
	out.Raw = resp.Body()
	return &out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
