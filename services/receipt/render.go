package receipt

import (
	"bytes"
	"fmt"
	"time"

	"impact-donations/services/donation"

	"github.com/jung-kurt/gofpdf"
)

// Document is everything printed on a receipt.
type Document struct {
	Details      *donation.Details
	DonorName    string
	CampaignName string
	IssuedAt     time.Time
}

// Render lays out an A4 receipt and returns the PDF bytes.
func Render(doc Document) ([]byte, error) {
	if doc.Details == nil || doc.Details.Donation == nil {
		return nil, fmt.Errorf("receipt: missing donation")
	}
	d := doc.Details.Donation

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Donation receipt "+d.ReceiptNumber, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 12, "Donation Receipt", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	row := func(label, value string) {
		pdf.CellFormat(45, 7, label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
	}
	row("Receipt number", d.ReceiptNumber)
	row("Issued", doc.IssuedAt.Format("02 Jan 2006"))
	row("Donor", doc.DonorName)
	row("Campaign", doc.CampaignName)
	row("Payment reference", d.GatewayPaymentID)
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(90, 8, "Item", "B", 0, "L", false, 0, "")
	pdf.CellFormat(20, 8, "Qty", "B", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, "Unit price", "B", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, "Amount", "B", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	if len(doc.Details.Items) == 0 {
		pdf.CellFormat(145, 7, "Direct donation", "", 0, "L", false, 0, "")
		pdf.CellFormat(35, 7, d.Amount.Sub(d.TipAmount).StringFixed(2), "", 1, "R", false, 0, "")
	}
	for _, it := range doc.Details.Items {
		pdf.CellFormat(90, 7, it.ProductName, "", 0, "L", false, 0, "")
		pdf.CellFormat(20, 7, fmt.Sprint(it.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 7, it.UnitPrice.StringFixed(2), "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 7, it.LineTotal.StringFixed(2), "", 1, "R", false, 0, "")
	}
	if d.TipAmount.IsPositive() {
		pdf.CellFormat(145, 7, "Tip", "", 0, "L", false, 0, "")
		pdf.CellFormat(35, 7, d.TipAmount.StringFixed(2), "", 1, "R", false, 0, "")
	}

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(145, 9, "Total ("+d.Currency+")", "T", 0, "L", false, 0, "")
	pdf.CellFormat(35, 9, d.Amount.StringFixed(2), "T", 1, "R", false, 0, "")

	if d.Dedication != "" {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "I", 10)
		pdf.MultiCell(0, 6, "Dedicated to "+d.Dedication, "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
