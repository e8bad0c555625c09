package catalog

import (
	"context"
	"strings"
	"time"

	"impact-donations/pkg/db/option"
	"impact-donations/pkg/errutil"
	"impact-donations/pkg/logger"
	"impact-donations/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("impact-donations/services/catalog")

const ReasonNoEligibleCampaign = "NO_ELIGIBLE_CAMPAIGN"

var ErrNoEligibleCampaign = errutil.BaseError{Code: errutil.StatusUnprocessableEntity, Reason: ReasonNoEligibleCampaign}

// Service is the read side of the catalog. It never touches campaign
// aggregates or product stock after creation.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	validate *validator.Validate
	group    singleflight.Group
	now      func() time.Time

	campaigns repository.Repository[Campaign]
	products  repository.Repository[CampaignProduct]
}

type ServiceParams struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		validate:  validator.New(),
		now:       time.Now,
		campaigns: repository.ProvideStore[Campaign](p.DB),
		products:  repository.ProvideStore[CampaignProduct](p.DB),
	}
}

func (s *Service) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	ctx, span := tracer.Start(ctx, "catalog.GetCampaign")
	defer span.End()

	c, err := s.campaigns.FindOne(ctx, &Campaign{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to load campaign", zap.String("campaign_id", id), zap.Error(err))
		return nil, errutil.ServiceUnavailable("catalog unavailable", err)
	}
	if c == nil {
		return nil, errutil.NotFound("campaign not found", nil)
	}
	return c, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (*CampaignProduct, error) {
	p, err := s.products.FindOne(ctx, &CampaignProduct{ID: id})
	if err != nil {
		return nil, errutil.ServiceUnavailable("catalog unavailable", err)
	}
	if p == nil {
		return nil, errutil.NotFound("product not found", nil)
	}
	return p, nil
}

// ProductsByID loads the given products keyed by id. Missing ids are absent
// from the result.
func (s *Service) ProductsByID(ctx context.Context, ids []string) (map[string]*CampaignProduct, error) {
	out := make(map[string]*CampaignProduct, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.products.Find(ctx, &CampaignProduct{}, option.ApplyOperator(option.Condition{
		Field:    "id",
		Operator: option.IN,
		Value:    ids,
	}))
	if err != nil {
		return nil, errutil.ServiceUnavailable("catalog unavailable", err)
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

// DefaultActiveCampaign returns the campaign flagged as default that is active
// now. Concurrent callers share one query.
func (s *Service) DefaultActiveCampaign(ctx context.Context) (*Campaign, error) {
	v, err, _ := s.group.Do("default-campaign", func() (any, error) {
		rows, err := s.campaigns.Find(ctx, &Campaign{IsDefault: true, Status: CampaignStatusActive},
			option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
		if err != nil {
			return nil, errutil.ServiceUnavailable("catalog unavailable", err)
		}
		now := s.now()
		for _, c := range rows {
			if c.IsActive(now) {
				return c, nil
			}
		}
		return nil, errutil.New(errutil.StatusUnprocessableEntity, "no eligible campaign", errutil.WithReason(ReasonNoEligibleCampaign))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Campaign), nil
}

func (s *Service) ListCampaigns(ctx context.Context, status CampaignStatus) ([]*Campaign, error) {
	rows, err := s.campaigns.Find(ctx, &Campaign{Status: status},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}))
	if err != nil {
		return nil, errutil.ServiceUnavailable("catalog unavailable", err)
	}
	return rows, nil
}

func (s *Service) ListProducts(ctx context.Context, campaignID string) ([]*CampaignProduct, error) {
	rows, err := s.products.Find(ctx, &CampaignProduct{CampaignID: campaignID},
		option.WithSortBy(option.QuerySortBy{SortBy: "name", OrderBy: "asc", Allow: map[string]bool{"name": true}}))
	if err != nil {
		return nil, errutil.ServiceUnavailable("catalog unavailable", err)
	}
	return rows, nil
}

func (s *Service) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*Campaign, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errutil.ValidationFailed("invalid campaign", err)
	}
	if req.GoalAmount.IsNegative() {
		return nil, errutil.ValidationFailed("invalid campaign", nil, errutil.WithDetails(errutil.Detail{Field: "goal_amount", Message: "must not be negative"}))
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = slug.Make(req.Name)
	}
	status := req.Status
	if status == "" {
		status = CampaignStatusDraft
	}

	c := &Campaign{
		ID:                 s.node.Generate().String(),
		Code:               code,
		Name:               req.Name,
		Status:             status,
		GoalAmount:         req.GoalAmount.Round(2),
		TotalRaised:        decimal.Zero,
		ProgressPercentage: decimal.Zero,
		IsDefault:          req.IsDefault,
		StartAt:            req.StartAt,
		EndAt:              req.EndAt,
	}
	if err := s.campaigns.Create(ctx, c); err != nil {
		return nil, errutil.Internal("failed to create campaign", err)
	}
	return c, nil
}

func (s *Service) CreateProduct(ctx context.Context, req CreateProductRequest) (*CampaignProduct, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errutil.ValidationFailed("invalid product", err)
	}
	if !req.UnitPrice.IsPositive() {
		return nil, errutil.ValidationFailed("invalid product", nil, errutil.WithDetails(errutil.Detail{Field: "unit_price", Message: "must be positive"}))
	}
	if req.MaxQty > 0 && req.MinQty > req.MaxQty {
		return nil, errutil.ValidationFailed("invalid product", nil, errutil.WithDetails(errutil.Detail{Field: "max_qty", Message: "must not be below min_qty"}))
	}
	if _, err := s.GetCampaign(ctx, req.CampaignID); err != nil {
		return nil, err
	}

	p := &CampaignProduct{
		ID:         s.node.Generate().String(),
		CampaignID: req.CampaignID,
		Name:       req.Name,
		UnitPrice:  req.UnitPrice.Round(2),
		Stock:      req.Stock,
		MinQty:     req.MinQty,
		MaxQty:     req.MaxQty,
	}
	if err := s.products.Create(ctx, p); err != nil {
		return nil, errutil.Internal("failed to create product", err)
	}
	return p, nil
}
