package identity

import (
	"context"
	"strings"

	"impact-donations/pkg/errutil"
	"impact-donations/pkg/logger"
	"impact-donations/pkg/middleware"
	"impact-donations/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("impact-donations/services/identity")

const (
	ReasonUnauthenticated  = "UNAUTHENTICATED_CALLER"
	ReasonIdentityMismatch = "IDENTITY_MISMATCH"
)

var (
	ErrUnauthenticated  = errutil.BaseError{Code: errutil.StatusUnauthorized, Reason: ReasonUnauthenticated}
	ErrIdentityMismatch = errutil.BaseError{Code: errutil.StatusForbidden, Reason: ReasonIdentityMismatch}
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	donors   repository.Repository[Donor]
	validate *validator.Validate
}

type Params struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		donors:   repository.ProvideStore[Donor](p.DB),
		validate: validator.New(),
	}
}

func (s *Service) Lookup(ctx context.Context, id string) (*Donor, error) {
	ctx, span := tracer.Start(ctx, "identity.Lookup")
	defer span.End()

	donor, err := s.donors.FindOne(ctx, &Donor{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to load donor", zap.String("donor_id", id), zap.Error(err))
		return nil, errutil.ServiceUnavailable("identity store unavailable", err)
	}
	if donor == nil {
		return nil, errutil.NotFound("donor not found", nil)
	}
	return donor, nil
}

// Authenticate resolves the verified identity on ctx to a Donor. asserted is
// the donor id the client claims to act for; when set it must equal the
// authenticated subject.
func (s *Service) Authenticate(ctx context.Context, asserted string) (*Donor, error) {
	id, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		return nil, errutil.New(errutil.StatusUnauthorized, "authentication required", errutil.WithReason(ReasonUnauthenticated))
	}

	if asserted != "" && asserted != id.Subject {
		logger.FromContext(ctx).Warn("caller asserted a different identity",
			zap.String("subject", id.Subject), zap.String("asserted", asserted))
		return nil, errutil.New(errutil.StatusForbidden, "asserted identity does not match the authenticated caller",
			errutil.WithReason(ReasonIdentityMismatch))
	}

	donor, err := s.donors.FindOne(ctx, &Donor{ID: id.Subject})
	if err != nil {
		return nil, errutil.ServiceUnavailable("identity store unavailable", err)
	}
	if donor == nil {
		return nil, errutil.New(errutil.StatusUnauthorized, "identity is not registered", errutil.WithReason(ReasonUnauthenticated))
	}
	return donor, nil
}

func (s *Service) Create(ctx context.Context, req CreateDonorRequest) (*Donor, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validate.Struct(req); err != nil {
		return nil, errutil.ValidationFailed("invalid donor", err)
	}

	donor := &Donor{
		ID:          s.node.Generate().String(),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Email:       req.Email,
		Mobile:      req.Mobile,
		Country:     req.Country,
	}
	if err := s.donors.Create(ctx, donor); err != nil {
		return nil, errutil.Internal("failed to create donor", err)
	}
	return donor, nil
}
