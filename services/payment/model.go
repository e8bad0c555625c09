package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type IntentStatus string

const (
	IntentStatusCreated   IntentStatus = "created"
	IntentStatusAttempted IntentStatus = "attempted"
	IntentStatusPaid      IntentStatus = "paid"
	IntentStatusFailed    IntentStatus = "failed"
	IntentStatusCancelled IntentStatus = "cancelled"
)

// OpenStatuses are the states from which an intent may still be paid.
var OpenStatuses = []IntentStatus{IntentStatusCreated, IntentStatusAttempted}

type Kind string

const (
	KindDirect       Kind = "direct"
	KindProductBased Kind = "product_based"
)

// Intent is a pending payment attempt. Only the verifier, the recorder and the
// abandonment sweeper change its status; rows are never deleted.
type Intent struct {
	ID               string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	DonorID          string          `gorm:"column:donor_id;type:varchar(32);index;not null" json:"donor_id"`
	CampaignID       string          `gorm:"column:campaign_id;type:varchar(32);index" json:"campaign_id"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(14,2);not null" json:"amount"`
	TipAmount        decimal.Decimal `gorm:"column:tip_amount;type:numeric(14,2);not null;default:0" json:"tip_amount"`
	Currency         string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Kind             Kind            `gorm:"column:kind;type:varchar(20);not null" json:"kind"`
	Status           IntentStatus    `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	GatewayOrderID   string          `gorm:"column:gateway_order_id;type:varchar(64);uniqueIndex;not null" json:"gateway_order_id"`
	GatewayPaymentID string          `gorm:"column:gateway_payment_id;type:varchar(64)" json:"gateway_payment_id,omitempty"`
	GatewayResponse  datatypes.JSON  `gorm:"column:gateway_response" json:"-"`
	FailureReason    string          `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	AttemptedAt      *time.Time      `gorm:"column:attempted_at" json:"attempted_at,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Intent) TableName() string { return "contribution_intents" }

func (i *Intent) IsOpen() bool {
	return i.Status == IntentStatusCreated || i.Status == IntentStatusAttempted
}

// CheckoutSnapshot is working memory for an intent: the cart and donor form as
// submitted. It is deleted once the donation is recorded.
type CheckoutSnapshot struct {
	IntentID  string         `gorm:"column:intent_id;primaryKey;type:varchar(32)"`
	Cart      datatypes.JSON `gorm:"column:cart"`
	Form      datatypes.JSON `gorm:"column:form"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (CheckoutSnapshot) TableName() string { return "temp_checkout_snapshots" }

func (s *CheckoutSnapshot) Lines() ([]CartLine, error) {
	var lines []CartLine
	if len(s.Cart) == 0 {
		return lines, nil
	}
	if err := json.Unmarshal(s.Cart, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *CheckoutSnapshot) DonorForm() (DonorForm, error) {
	var f DonorForm
	if len(s.Form) == 0 {
		return f, nil
	}
	err := json.Unmarshal(s.Form, &f)
	return f, err
}

// CartLine is a validated cart line. UnitPrice is frozen at add-to-cart time.
type CartLine struct {
	ProductID       string                `json:"product_id"`
	CampaignID      string                `json:"campaign_id"`
	ProductName     string                `json:"product_name"`
	Quantity        int                   `json:"quantity"`
	UnitPrice       decimal.Decimal       `json:"unit_price"`
	Personalization *PersonalizationInput `json:"personalization,omitempty"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2)
}

type PersonalizationInput struct {
	DisplayName         string `json:"display_name,omitempty" validate:"omitempty,max=255"`
	Country             string `json:"country,omitempty" validate:"omitempty,max=64"`
	ImageRef            string `json:"image_ref,omitempty" validate:"omitempty,max=1024"`
	Message             string `json:"message,omitempty" validate:"omitempty,max=1000"`
	Purpose             string `json:"purpose,omitempty" validate:"omitempty,max=255"`
	SpecialInstructions string `json:"special_instructions,omitempty" validate:"omitempty,max=1000"`
	SocialHandle        string `json:"social_handle,omitempty" validate:"omitempty,max=100"`
	VideoWishRef        string `json:"video_wish_ref,omitempty" validate:"omitempty,max=1024"`
}

func (p *PersonalizationInput) IsEmpty() bool {
	return p == nil || *p == PersonalizationInput{}
}

// DonorForm is the donor-entered part of the checkout.
type DonorForm struct {
	Name                string          `json:"name"`
	Country             string          `json:"country"`
	Email               string          `json:"email,omitempty"`
	Mobile              string          `json:"mobile,omitempty"`
	Message             string          `json:"message,omitempty"`
	Dedication          string          `json:"dedication,omitempty"`
	Purpose             string          `json:"purpose,omitempty"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
	SocialHandle        string          `json:"social_handle,omitempty"`
	VideoWishRef        string          `json:"video_wish_ref,omitempty"`
	ImageRef            string          `json:"image_ref,omitempty"`
	TipAmount           decimal.Decimal `json:"tip_amount"`
	Visible             bool            `json:"visible"`
}

// Personalization returns the form-level personalization, or nil when the
// donor supplied none.
func (f DonorForm) Personalization() *PersonalizationInput {
	p := &PersonalizationInput{
		DisplayName:         f.Name,
		Country:             f.Country,
		ImageRef:            f.ImageRef,
		Message:             f.Message,
		Purpose:             f.Purpose,
		SpecialInstructions: f.SpecialInstructions,
		SocialHandle:        f.SocialHandle,
		VideoWishRef:        f.VideoWishRef,
	}
	if p.IsEmpty() {
		return nil
	}
	return p
}

// PaymentRef identifies the gateway payment that settled an intent.
type PaymentRef struct {
	PaymentID string
	Signature string
}

// RecordResult is returned by a Recorder once an intent is settled.
type RecordResult struct {
	DonationID          string   `json:"donation_id"`
	AffectedCampaignIDs []string `json:"affected_campaign_ids"`
	Replayed            bool     `json:"replayed"`
}
