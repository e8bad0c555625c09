package distribution

import (
	"time"

	"impact-donations/services/donation"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchStatusPlanning   BatchStatus = "planning"
	BatchStatusPrepared   BatchStatus = "prepared"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusPlanning, BatchStatusPrepared, BatchStatusInProgress, BatchStatusCompleted, BatchStatusCancelled:
		return true
	}
	return false
}

// Batch groups fulfillment items for one physical distribution run. The item
// counts are denormalized and recomputed whenever a member changes status.
type Batch struct {
	ID                 string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Code               string          `gorm:"column:code;type:varchar(100);uniqueIndex;not null" json:"code"`
	CampaignID         string          `gorm:"column:campaign_id;type:varchar(32);index;not null" json:"campaign_id"`
	ProductID          string          `gorm:"column:product_id;type:varchar(32);index;not null" json:"product_id"`
	Label              string          `gorm:"column:label;type:varchar(255);not null" json:"label"`
	PlannedDate        time.Time       `gorm:"column:planned_date;not null" json:"planned_date"`
	Status             BatchStatus     `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	StatusOverridden   bool            `gorm:"column:status_overridden;not null;default:false" json:"status_overridden"`
	TotalItems         int             `gorm:"column:total_items;not null;default:0" json:"total_items"`
	TotalUnits         int             `gorm:"column:total_units;not null;default:0" json:"total_units"`
	AllocatedItems     int             `gorm:"column:allocated_items;not null;default:0" json:"allocated_items"`
	PreparedItems      int             `gorm:"column:prepared_items;not null;default:0" json:"prepared_items"`
	DistributedItems   int             `gorm:"column:distributed_items;not null;default:0" json:"distributed_items"`
	ProgressPercentage int             `gorm:"column:progress_percentage;not null;default:0" json:"progress_percentage"`
	TotalValue         decimal.Decimal `gorm:"column:total_value;type:numeric(14,2);not null;default:0" json:"total_value"`
	CreatedBy          string          `gorm:"column:created_by;type:varchar(64)" json:"created_by,omitempty"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Batch) TableName() string { return "distribution_batches" }

// BatchMembership links an item to a batch. ActiveFulfillmentItemID is set
// while the membership is active and cleared on release, so the unique index
// allows at most one active membership per item.
type BatchMembership struct {
	ID                      string              `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	BatchID                 string              `gorm:"column:batch_id;type:varchar(32);index;not null" json:"batch_id"`
	FulfillmentItemID       string              `gorm:"column:fulfillment_item_id;type:varchar(32);index;not null" json:"fulfillment_item_id"`
	ActiveFulfillmentItemID *string             `gorm:"column:active_fulfillment_item_id;type:varchar(32);uniqueIndex" json:"-"`
	Quantity                int                 `gorm:"column:quantity;not null" json:"quantity"`
	Status                  donation.ItemStatus `gorm:"column:status;type:varchar(20);not null" json:"status"`
	ReleasedAt              *time.Time          `gorm:"column:released_at" json:"released_at,omitempty"`
	CreatedAt               time.Time           `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time           `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (BatchMembership) TableName() string { return "batch_memberships" }

func (m *BatchMembership) Active() bool { return m.ActiveFulfillmentItemID != nil }

// Progress is the snapshot returned after any change to a batch.
type Progress struct {
	BatchID            string          `json:"batch_id"`
	Status             BatchStatus     `json:"status"`
	TotalItems         int             `json:"total_items"`
	AllocatedItems     int             `json:"allocated_items"`
	PreparedItems      int             `json:"prepared_items"`
	DistributedItems   int             `json:"distributed_items"`
	ProgressPercentage int             `json:"progress_percentage"`
	TotalValue         decimal.Decimal `json:"total_value"`
}

func (b *Batch) Progress() *Progress {
	return &Progress{
		BatchID:            b.ID,
		Status:             b.Status,
		TotalItems:         b.TotalItems,
		AllocatedItems:     b.AllocatedItems,
		PreparedItems:      b.PreparedItems,
		DistributedItems:   b.DistributedItems,
		ProgressPercentage: b.ProgressPercentage,
		TotalValue:         b.TotalValue,
	}
}

type CreateBatchRequest struct {
	CampaignID  string `json:"campaign_id" binding:"required"`
	ProductID   string `json:"product_id" binding:"required"`
	Label       string `json:"label" binding:"required,max=255"`
	PlannedDate string `json:"planned_date" binding:"required"`
	// Quantity is the number of items to allocate; nil takes every unassigned item.
	Quantity *int `json:"quantity" binding:"omitempty,gt=0"`
}

type AllocateRequest struct {
	Quantity *int `json:"quantity" binding:"omitempty,gt=0"`
}

type AllocationResult struct {
	BatchID       string    `json:"batch_id"`
	Code          string    `json:"code"`
	ItemsAssigned int       `json:"items_assigned"`
	Progress      *Progress `json:"progress"`
}

type UpdateItemStatusRequest struct {
	BatchID string              `json:"batch_id" binding:"required"`
	Status  donation.ItemStatus `json:"status" binding:"required"`
}

type OverrideStatusRequest struct {
	// Status is the forced batch status; empty returns control to the roll-up.
	Status BatchStatus `json:"status"`
}

type StickerFilter string

const (
	FilterAll           StickerFilter = "all"
	FilterWithImages    StickerFilter = "with-images"
	FilterWithoutImages StickerFilter = "without-images"
)

func (f StickerFilter) Valid() bool {
	switch f {
	case "", FilterAll, FilterWithImages, FilterWithoutImages:
		return true
	}
	return false
}

type StickerQuery struct {
	BatchID  string        `form:"-"`
	Page     int           `form:"page,default=1"`
	PageSize int           `form:"page_size,default=50"`
	Filter   StickerFilter `form:"filter,default=all"`
	All      bool          `form:"all"`
}

// Sticker is one printable unit. An item with quantity N yields N stickers.
type Sticker struct {
	Number            int    `json:"number"`
	FulfillmentItemID string `json:"fulfillment_item_id"`
	DonationID        string `json:"donation_id"`
	Unit              int    `json:"unit"`
	DonorName         string `json:"donor_name"`
	Country           string `json:"country,omitempty"`
	Message           string `json:"message,omitempty"`
	ProductName       string `json:"product_name"`
	CampaignLabel     string `json:"campaign_label"`
	BatchLabel        string `json:"batch_label"`
	BatchCode         string `json:"batch_code"`
	ImageRef          string `json:"image_ref,omitempty"`
}

type StickerPage struct {
	Data     []Sticker `json:"data"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}
