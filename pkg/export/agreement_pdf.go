package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// AgreementField is one label/value line of an agreement section.
type AgreementField struct {
	Label string
	Value string
}

// AgreementSection groups fields under a heading.
type AgreementSection struct {
	Title  string
	Fields []AgreementField
}

// AgreementDocument is the printable content of a signed training agreement.
type AgreementDocument struct {
	StudentName   string
	StudentID     string
	EnrollmentKey string
	SignedOn      time.Time
	Sections      []AgreementSection
	Signatories   []AgreementField
}

// AgreementRenderer renders signed agreements to PDF.
type AgreementRenderer struct {
	title string
}

// NewAgreementRenderer constructs a renderer; title defaults to "Training Agreement".
func NewAgreementRenderer(title string) *AgreementRenderer {
	if title == "" {
		title = "Training Agreement"
	}
	return &AgreementRenderer{title: title}
}

// Render produces the PDF bytes for doc.
func (r *AgreementRenderer) Render(doc AgreementDocument) ([]byte, error) {
	if doc.StudentID == "" || doc.EnrollmentKey == "" {
		return nil, fmt.Errorf("agreement requires student id and enrollment key")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetTitle(r.title, false)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, strings.ToUpper(r.title), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Student: %s (%s)", doc.StudentName, doc.StudentID), "", 1, "", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Agreement: %s", doc.EnrollmentKey), "", 1, "", false, 0, "")
	if !doc.SignedOn.IsZero() {
		pdf.CellFormat(0, 6, fmt.Sprintf("Signed on: %s", doc.SignedOn.Format("02 Jan 2006")), "", 1, "", false, 0, "")
	}
	pdf.Ln(4)

	for _, section := range doc.Sections {
		writeSection(pdf, section.Title, section.Fields)
	}
	if len(doc.Signatories) > 0 {
		writeSection(pdf, "Signatures", doc.Signatories)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render agreement pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSection(pdf *gofpdf.Fpdf, title string, fields []AgreementField) {
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 8, title, "B", 1, "", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	for _, f := range fields {
		pdf.CellFormat(60, 6, f.Label, "1", 0, "", false, 0, "")
		pdf.MultiCell(0, 6, f.Value, "1", "", false)
	}
	pdf.Ln(3)
}
