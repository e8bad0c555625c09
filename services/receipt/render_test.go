package receipt

import (
	"bytes"
	"testing"
	"time"

	"impact-donations/services/donation"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	doc := Document{
		Details: &donation.Details{
			Donation: &donation.Donation{
				ReceiptNumber: "DON-261015-007",
				Amount:        decimal.NewFromInt(1000),
				Currency:      "INR",
				Dedication:    "my grandmother",
			},
		},
		DonorName:    "Kabir",
		CampaignName: "Flood Relief",
		IssuedAt:     time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
	}
	pdf, err := Render(doc)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	_, err = Render(Document{})
	require.Error(t, err)
}
