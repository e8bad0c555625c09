package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignStatusDraft    CampaignStatus = "DRAFT"
	CampaignStatusActive   CampaignStatus = "ACTIVE"
	CampaignStatusInactive CampaignStatus = "INACTIVE"
	CampaignStatusExpired  CampaignStatus = "EXPIRED"
)

// Campaign holds the fundraising target and the running aggregate. TotalRaised,
// DonorCount and ProgressPercentage are written only by the donation recorder.
type Campaign struct {
	ID                 string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Code               string          `gorm:"column:code;type:varchar(100);uniqueIndex" json:"code"`
	Name               string          `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Status             CampaignStatus  `gorm:"column:status;type:varchar(20);not null;default:'DRAFT'" json:"status"`
	GoalAmount         decimal.Decimal `gorm:"column:goal_amount;type:numeric(14,2);not null;default:0" json:"goal_amount"`
	TotalRaised        decimal.Decimal `gorm:"column:total_raised;type:numeric(14,2);not null;default:0" json:"total_raised"`
	DonorCount         int64           `gorm:"column:donor_count;not null;default:0" json:"donor_count"`
	ProgressPercentage decimal.Decimal `gorm:"column:progress_percentage;type:numeric(5,2);not null;default:0" json:"progress_percentage"`
	IsDefault          bool            `gorm:"column:is_default;not null;default:false" json:"is_default"`
	StartAt            *time.Time      `gorm:"column:start_at" json:"start_at,omitempty"`
	EndAt              *time.Time      `gorm:"column:end_at" json:"end_at,omitempty"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Campaign) TableName() string { return "campaigns" }

// IsActive checks if campaign is currently active based on time range & status.
func (c *Campaign) IsActive(now time.Time) bool {
	if c.Status != CampaignStatusActive {
		return false
	}
	if c.StartAt != nil && now.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return false
	}
	return true
}

// CampaignProduct is a unit of inventory. Stock never goes below zero; MinQty
// and MaxQty of zero mean unbounded.
type CampaignProduct struct {
	ID         string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	CampaignID string          `gorm:"column:campaign_id;type:varchar(32);index;not null" json:"campaign_id"`
	Name       string          `gorm:"column:name;type:varchar(255);not null" json:"name"`
	UnitPrice  decimal.Decimal `gorm:"column:unit_price;type:numeric(14,2);not null" json:"unit_price"`
	Stock      int64           `gorm:"column:stock;not null;default:0;check:stock >= 0" json:"stock"`
	MinQty     int             `gorm:"column:min_qty;not null;default:0" json:"min_qty,omitempty"`
	MaxQty     int             `gorm:"column:max_qty;not null;default:0" json:"max_qty,omitempty"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (CampaignProduct) TableName() string { return "campaign_products" }

// AllowsQuantity reports whether qty is inside the product's purchase bounds.
func (p *CampaignProduct) AllowsQuantity(qty int) bool {
	if qty <= 0 {
		return false
	}
	if p.MinQty > 0 && qty < p.MinQty {
		return false
	}
	if p.MaxQty > 0 && qty > p.MaxQty {
		return false
	}
	return true
}

type CreateCampaignRequest struct {
	Name       string          `json:"name" validate:"required,max=255"`
	Code       string          `json:"code" validate:"omitempty,max=100"`
	GoalAmount decimal.Decimal `json:"goal_amount"`
	Status     CampaignStatus  `json:"status" validate:"omitempty,oneof=DRAFT ACTIVE INACTIVE EXPIRED"`
	IsDefault  bool            `json:"is_default"`
	StartAt    *time.Time      `json:"start_at"`
	EndAt      *time.Time      `json:"end_at"`
}

type CreateProductRequest struct {
	CampaignID string          `json:"campaign_id" validate:"required"`
	Name       string          `json:"name" validate:"required,max=255"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Stock      int64           `json:"stock" validate:"gte=0"`
	MinQty     int             `json:"min_qty" validate:"gte=0"`
	MaxQty     int             `json:"max_qty" validate:"gte=0"`
}
