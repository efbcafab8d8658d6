package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgreementRendererRender(t *testing.T) {
	r := NewAgreementRenderer("")
	out, err := r.Render(AgreementDocument{
		StudentName:   "Ada Lovelace",
		StudentID:     "stu-1",
		EnrollmentKey: "onboard2",
		SignedOn:      time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC),
		Sections: []AgreementSection{{
			Title:  "Employment",
			Fields: []AgreementField{{Label: "Employer", Value: "Analytical Engines Ltd"}},
		}},
		Signatories: []AgreementField{{Label: "Student", Value: "Ada Lovelace"}},
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestAgreementRendererRequiresIdentity(t *testing.T) {
	_, err := NewAgreementRenderer("Agreement").Render(AgreementDocument{StudentID: "stu-1"})
	assert.Error(t, err)
}
