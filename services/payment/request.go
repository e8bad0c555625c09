package payment

import (
	"strconv"
	"strings"

	"impact-donations/pkg/errutil"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// CheckoutRequest is the checkout payload as received from the client. It is
// coerced into typed CartLines and a DonorForm before anything is persisted.
type CheckoutRequest struct {
	DonorID    string            `json:"donor_id"`
	CampaignID string            `json:"campaign_id"`
	Kind       Kind              `json:"kind" validate:"required,oneof=direct product_based"`
	Amount     decimal.Decimal   `json:"amount"`
	Cart       []CartLineRequest `json:"cart" validate:"omitempty,max=50,dive"`
	Form       DonorFormRequest  `json:"form"`
}

type CartLineRequest struct {
	ProductID          string                `json:"product_ref" validate:"required"`
	Quantity           int                   `json:"quantity" validate:"gt=0"`
	UnitPriceAtAddTime decimal.Decimal       `json:"unit_price_at_add_time"`
	Personalization    *PersonalizationInput `json:"personalization" validate:"omitempty"`
}

type DonorFormRequest struct {
	Name                string           `json:"name" validate:"omitempty,max=255"`
	Country             string           `json:"country" validate:"omitempty,max=64"`
	Email               string           `json:"email" validate:"omitempty,email"`
	Mobile              string           `json:"mobile" validate:"omitempty,e164"`
	Message             string           `json:"message" validate:"omitempty,max=1000"`
	Dedication          string           `json:"dedication" validate:"omitempty,max=500"`
	Purpose             string           `json:"purpose" validate:"omitempty,max=255"`
	SpecialInstructions string           `json:"special_instructions" validate:"omitempty,max=1000"`
	SocialHandle        string           `json:"social_handle" validate:"omitempty,max=100"`
	VideoWishRef        string           `json:"video_wish_ref" validate:"omitempty,max=1024"`
	ImageRef            string           `json:"image_ref" validate:"omitempty,max=1024"`
	TipAmount           decimal.Decimal  `json:"tip_amount"`
	TipPercentage       *decimal.Decimal `json:"tip_percentage"`
	Visible             *bool            `json:"visible"`
}

const (
	ReasonInvalidAmount = "INVALID_AMOUNT"
	ReasonInvalidCart   = "INVALID_CART"
)

var ErrInvalidAmount = errutil.BaseError{Code: errutil.StatusValidationFailed, Reason: ReasonInvalidAmount}

var validate = validator.New()

// normalize trims free text and runs struct validation, returning field-level
// details on failure.
func (r *CheckoutRequest) normalize() error {
	r.Form.Name = strings.TrimSpace(r.Form.Name)
	r.Form.Country = strings.TrimSpace(r.Form.Country)
	r.Form.Email = strings.TrimSpace(r.Form.Email)
	r.Form.Mobile = strings.ReplaceAll(strings.TrimSpace(r.Form.Mobile), " ", "")
	r.CampaignID = strings.TrimSpace(r.CampaignID)

	if !r.Amount.IsPositive() {
		return errutil.ValidationFailed("amount must be greater than zero", nil,
			errutil.WithReason(ReasonInvalidAmount),
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be greater than zero"}))
	}

	if err := validate.Struct(r); err != nil {
		return errutil.ValidationFailed("invalid checkout request", err, errutil.WithDetails(fieldDetails(err)...))
	}

	var details []errutil.Detail
	if r.Kind == KindProductBased && len(r.Cart) == 0 {
		details = append(details, errutil.Detail{Field: "cart", Message: "required for product-based contributions"})
	}
	if r.Kind == KindDirect {
		if r.Form.Name == "" {
			details = append(details, errutil.Detail{Field: "form.name", Message: "required for direct contributions"})
		}
		if r.Form.Country == "" {
			details = append(details, errutil.Detail{Field: "form.country", Message: "required for direct contributions"})
		}
		if len(r.Cart) > 0 {
			details = append(details, errutil.Detail{Field: "cart", Message: "must be empty for direct contributions"})
		}
	}
	if r.Form.TipAmount.IsNegative() {
		details = append(details, errutil.Detail{Field: "form.tip_amount", Message: "must not be negative"})
	}
	if p := r.Form.TipPercentage; p != nil && (p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100))) {
		details = append(details, errutil.Detail{Field: "form.tip_percentage", Message: "must be between 0 and 100"})
	}
	for i, line := range r.Cart {
		if line.UnitPriceAtAddTime.IsNegative() {
			details = append(details, errutil.Detail{Field: cartField(i, "unit_price_at_add_time"), Message: "must not be negative"})
		}
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid checkout request", nil, errutil.WithDetails(details...))
	}
	return nil
}

// tip resolves the platform tip. A percentage is applied to base, the
// contribution before tip, and rounded to two decimals.
func (r *CheckoutRequest) tip(base decimal.Decimal) decimal.Decimal {
	if r.Form.TipPercentage != nil {
		return base.Mul(*r.Form.TipPercentage).Div(decimal.NewFromInt(100)).Round(2)
	}
	return r.Form.TipAmount.Round(2)
}

func (r *CheckoutRequest) donorForm(tip decimal.Decimal) DonorForm {
	visible := true
	if r.Form.Visible != nil {
		visible = *r.Form.Visible
	}
	return DonorForm{
		Name:                r.Form.Name,
		Country:             r.Form.Country,
		Email:               r.Form.Email,
		Mobile:              r.Form.Mobile,
		Message:             r.Form.Message,
		Dedication:          r.Form.Dedication,
		Purpose:             r.Form.Purpose,
		SpecialInstructions: r.Form.SpecialInstructions,
		SocialHandle:        r.Form.SocialHandle,
		VideoWishRef:        r.Form.VideoWishRef,
		ImageRef:            r.Form.ImageRef,
		TipAmount:           tip,
		Visible:             visible,
	}
}

func fieldDetails(err error) []errutil.Detail {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	out := make([]errutil.Detail, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, errutil.Detail{Field: fe.Namespace(), Message: "failed on " + fe.Tag()})
	}
	return out
}

func cartField(i int, name string) string {
	return "cart[" + strconv.Itoa(i) + "]." + name
}
