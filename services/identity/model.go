package identity

import "time"

// Donor is the identity record the checkout pipeline trusts. The JWT subject
// must resolve to a row in this table.
type Donor struct {
	ID          string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	DisplayName string    `gorm:"column:display_name;type:varchar(255);not null" json:"display_name"`
	Email       string    `gorm:"column:email;type:varchar(255);uniqueIndex" json:"email"`
	Mobile      string    `gorm:"column:mobile;type:varchar(32)" json:"mobile,omitempty"`
	Country     string    `gorm:"column:country;type:varchar(64)" json:"country,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Donor) TableName() string { return "donors" }

// ContactAddress is where receipts are sent.
func (d *Donor) ContactAddress() string {
	return d.Email
}

type CreateDonorRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=255"`
	Email       string `json:"email" validate:"required,email"`
	Mobile      string `json:"mobile" validate:"omitempty,e164"`
	Country     string `json:"country" validate:"omitempty,max=64"`
}
