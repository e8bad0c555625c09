package donation

import (
	"time"

	"impact-donations/services/payment"

	"github.com/shopspring/decimal"
)

// Donation is the aggregate root of a completed contribution. Exactly one row
// exists per paid intent.
type Donation struct {
	ID               string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	DonorID          string          `gorm:"column:donor_id;type:varchar(32);index;not null" json:"donor_id"`
	CampaignID       string          `gorm:"column:campaign_id;type:varchar(32);index" json:"campaign_id"`
	IntentID         string          `gorm:"column:intent_id;type:varchar(32);uniqueIndex;not null" json:"intent_id"`
	ReceiptNumber    string          `gorm:"column:receipt_number;type:varchar(64);index" json:"receipt_number"`
	GatewayPaymentID string          `gorm:"column:gateway_payment_id;type:varchar(64)" json:"gateway_payment_id"`
	GatewaySignature string          `gorm:"column:gateway_signature;type:varchar(128)" json:"-"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(14,2);not null" json:"amount"`
	TipAmount        decimal.Decimal `gorm:"column:tip_amount;type:numeric(14,2);not null;default:0" json:"tip_amount"`
	Currency         string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Kind             payment.Kind    `gorm:"column:kind;type:varchar(20);not null" json:"kind"`
	Visible          bool            `gorm:"column:visible;not null" json:"visible"`
	Dedication       string          `gorm:"column:dedication;type:text" json:"dedication,omitempty"`
	Message          string          `gorm:"column:message;type:text" json:"message,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Donation) TableName() string { return "donations" }

type ItemStatus string

const (
	ItemStatusPending     ItemStatus = "pending"
	ItemStatusAllocated   ItemStatus = "allocated"
	ItemStatusPrepared    ItemStatus = "prepared"
	ItemStatusDistributed ItemStatus = "distributed"
)

var itemOrder = []ItemStatus{ItemStatusPending, ItemStatusAllocated, ItemStatusPrepared, ItemStatusDistributed}

// Rank is the position of s in the fulfillment sequence, or -1 if s is not a
// known status.
func (s ItemStatus) Rank() int {
	for i, st := range itemOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the only status s may move to.
func (s ItemStatus) Next() (ItemStatus, bool) {
	r := s.Rank()
	if r < 0 || r == len(itemOrder)-1 {
		return "", false
	}
	return itemOrder[r+1], true
}

func (s ItemStatus) Valid() bool { return s.Rank() >= 0 }

// FulfillmentItem is one purchased cart line. LineTotal is frozen at purchase.
type FulfillmentItem struct {
	ID          string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	DonationID  string          `gorm:"column:donation_id;type:varchar(32);index;not null" json:"donation_id"`
	DonorID     string          `gorm:"column:donor_id;type:varchar(32);index;not null" json:"donor_id"`
	CampaignID  string          `gorm:"column:campaign_id;type:varchar(32);index;not null" json:"campaign_id"`
	ProductID   string          `gorm:"column:product_id;type:varchar(32);index:idx_items_product_status;not null" json:"product_id"`
	ProductName string          `gorm:"column:product_name;type:varchar(255)" json:"product_name"`
	Quantity    int             `gorm:"column:quantity;not null;check:quantity > 0" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"column:unit_price;type:numeric(14,2);not null" json:"unit_price"`
	LineTotal   decimal.Decimal `gorm:"column:line_total;type:numeric(14,2);not null" json:"line_total"`
	Status      ItemStatus      `gorm:"column:status;type:varchar(20);not null;index:idx_items_product_status" json:"status"`
	DonatedAt   time.Time       `gorm:"column:donated_at;not null" json:"donated_at"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (FulfillmentItem) TableName() string { return "fulfillment_items" }

// Personalization belongs to exactly one owner: a donation for direct
// contributions or a fulfillment item for product-based ones.
type Personalization struct {
	ID                  string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	DonationID          *string   `gorm:"column:donation_id;type:varchar(32);uniqueIndex" json:"donation_id,omitempty"`
	FulfillmentItemID   *string   `gorm:"column:fulfillment_item_id;type:varchar(32);uniqueIndex" json:"fulfillment_item_id,omitempty"`
	DisplayName         string    `gorm:"column:display_name;type:varchar(255)" json:"display_name"`
	Country             string    `gorm:"column:country;type:varchar(64)" json:"country,omitempty"`
	ImageRef            string    `gorm:"column:image_ref;type:varchar(1024)" json:"image_ref,omitempty"`
	HasImage            bool      `gorm:"column:has_image;not null;default:false" json:"has_image"`
	Message             string    `gorm:"column:message;type:text" json:"message,omitempty"`
	Purpose             string    `gorm:"column:purpose;type:varchar(255)" json:"purpose,omitempty"`
	SpecialInstructions string    `gorm:"column:special_instructions;type:text" json:"special_instructions,omitempty"`
	SocialHandle        string    `gorm:"column:social_handle;type:varchar(100)" json:"social_handle,omitempty"`
	VideoWishRef        string    `gorm:"column:video_wish_ref;type:varchar(1024)" json:"video_wish_ref,omitempty"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Personalization) TableName() string { return "personalizations" }

func newPersonalization(id string, in *payment.PersonalizationInput) *Personalization {
	return &Personalization{
		ID:                  id,
		DisplayName:         in.DisplayName,
		Country:             in.Country,
		ImageRef:            in.ImageRef,
		HasImage:            in.ImageRef != "",
		Message:             in.Message,
		Purpose:             in.Purpose,
		SpecialInstructions: in.SpecialInstructions,
		SocialHandle:        in.SocialHandle,
		VideoWishRef:        in.VideoWishRef,
	}
}

type ReceiptStatus string

const (
	ReceiptStatusPending ReceiptStatus = "pending"
	ReceiptStatusSent    ReceiptStatus = "sent"
	ReceiptStatusFailed  ReceiptStatus = "failed"
	ReceiptStatusDead    ReceiptStatus = "dead"
)

// ReceiptNotification is the outbox row for a donation receipt. It is written
// in the same transaction as the donation and driven to sent or dead by the
// receipt worker.
type ReceiptNotification struct {
	ID         string        `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	DonationID string        `gorm:"column:donation_id;type:varchar(32);uniqueIndex;not null" json:"donation_id"`
	Status     ReceiptStatus `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	Attempts   int           `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError  string        `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	ObjectKey  string        `gorm:"column:object_key;type:varchar(255)" json:"object_key,omitempty"`
	SentAt     *time.Time    `gorm:"column:sent_at" json:"sent_at,omitempty"`
	CreatedAt  time.Time     `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time     `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (ReceiptNotification) TableName() string { return "receipt_notifications" }

type ReceiptTaskPayload struct {
	NotificationID string `json:"notification_id"`
}

// ItemView is the donor-facing projection of a fulfillment item.
type ItemView struct {
	ID              string           `json:"id"`
	DonationID      string           `json:"donation_id"`
	ProductID       string           `json:"product_id"`
	ProductName     string           `json:"product_name"`
	Quantity        int              `json:"quantity"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	LineTotal       decimal.Decimal  `json:"line_total"`
	Status          ItemStatus       `json:"status"`
	Personalization *Personalization `json:"personalization,omitempty"`
}

// Details is everything a receipt needs about one donation.
type Details struct {
	Donation        *Donation                   `json:"donation"`
	Items           []*FulfillmentItem          `json:"items"`
	Personalization *Personalization            `json:"personalization,omitempty"`
	ItemPersonal    map[string]*Personalization `json:"-"`
}
