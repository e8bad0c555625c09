package main

import (
	"context"
	"log"

	"impact-donations/pkg/config"
	"impact-donations/pkg/db"
	"impact-donations/pkg/gen"
	"impact-donations/pkg/hashistack/secretmanager"
	"impact-donations/pkg/logger"
	"impact-donations/services/catalog"
	"impact-donations/services/identity"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type seedCampaign struct {
	req      catalog.CreateCampaignRequest
	products []catalog.CreateProductRequest
}

var campaigns = []seedCampaign{
	{
		req: catalog.CreateCampaignRequest{
			Name:       "Winter Blankets 2026",
			GoalAmount: decimal.NewFromInt(500000),
			Status:     catalog.CampaignStatusActive,
			IsDefault:  true,
		},
		products: []catalog.CreateProductRequest{
			{Name: "Wool blanket", UnitPrice: decimal.NewFromInt(450), Stock: 2000, MinQty: 1, MaxQty: 20},
			{Name: "Family bundle", UnitPrice: decimal.NewFromInt(1800), Stock: 300, MinQty: 1, MaxQty: 5},
		},
	},
	{
		req: catalog.CreateCampaignRequest{
			Name:       "School Meals",
			GoalAmount: decimal.NewFromInt(250000),
			Status:     catalog.CampaignStatusActive,
		},
		products: []catalog.CreateProductRequest{
			{Name: "Meal for a week", UnitPrice: decimal.NewFromInt(350), Stock: 5000, MinQty: 1, MaxQty: 50},
		},
	},
}

var donors = []identity.CreateDonorRequest{
	{DisplayName: "Asha Rao", Email: "asha@example.org", Mobile: "+919800000001", Country: "IN"},
	{DisplayName: "Daniel Okafor", Email: "daniel@example.org", Country: "NG"},
}

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		fx.Invoke(zap.ReplaceGlobals),
		db.Module,
		gen.Module,
		identity.Module,
		catalog.Module,
		fx.Invoke(seed),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
}

func seed(cfg *config.Config, conn *gorm.DB, cat *catalog.Service, ids *identity.Service) error {
	ctx := context.Background()

	var models []any
	models = append(models, identity.Models()...)
	models = append(models, catalog.Models()...)
	if err := db.Migrate(cfg, conn, models...); err != nil {
		return err
	}

	existing, err := cat.ListCampaigns(ctx, "")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		zap.L().Info("catalog already seeded", zap.Int("campaigns", len(existing)))
		return nil
	}

	for _, sc := range campaigns {
		c, err := cat.CreateCampaign(ctx, sc.req)
		if err != nil {
			return err
		}
		for _, p := range sc.products {
			p.CampaignID = c.ID
			if _, err := cat.CreateProduct(ctx, p); err != nil {
				return err
			}
		}
		zap.L().Info("seeded campaign", zap.String("id", c.ID), zap.String("code", c.Code), zap.Int("products", len(sc.products)))
	}

	for _, d := range donors {
		donor, err := ids.Create(ctx, d)
		if err != nil {
			return err
		}
		zap.L().Info("seeded donor", zap.String("id", donor.ID), zap.String("email", donor.Email))
	}
	return nil
}
