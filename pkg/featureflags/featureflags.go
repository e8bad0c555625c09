package featureflags

import (
	"context"

	"impact-donations/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	// ReceiptDelivery gates sending of donation receipts.
	ReceiptDelivery = "receipt_delivery"
)

type FeatureFlag interface {
	// Enabled reports whether feature is on for identifier. Unknown flags and
	// lookup failures fall back to def.
	Enabled(ctx context.Context, identifier, feature string, def bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled(ctx context.Context, identifier, feature string, def bool) bool {
	if s.client == nil {
		return def
	}

	var (
		flags flagsmith.Flags
		err   error
	)
	if identifier == "" {
		flags, err = s.client.GetEnvironmentFlags()
	} else {
		flags, err = s.client.GetIdentityFlags(identifier, nil)
	}
	if err != nil {
		zap.L().Warn("feature flag lookup failed", zap.String("feature", feature), zap.Error(err))
		return def
	}

	on, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return def
	}
	return on
}

// Static is a fixed FeatureFlag, handy for tests and local runs.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, _, feature string, def bool) bool {
	if v, ok := s[feature]; ok {
		return v
	}
	return def
}
