// Package notify delivers templated notifications to students and staff.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// TemplateKind identifies a notification template.
type TemplateKind string

// Known templates.
const (
	TemplateCourseAssigned       TemplateKind = "course_assigned"
	TemplateCertificateIssued    TemplateKind = "certificate_issued"
	TemplateAgreementSigned      TemplateKind = "agreement_signed"
	TemplateReEnrollmentRequired TemplateKind = "reenrollment_required"
)

// Recipient is the addressee of a notification.
type Recipient struct {
	ID    string
	Name  string
	Email string
}

// Notifier sends a single notification.
type Notifier interface {
	Send(ctx context.Context, to Recipient, kind TemplateKind, payload map[string]string) error
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[TemplateKind]messageTemplate{
	TemplateCourseAssigned: mustTemplate(
		"You have been enrolled on {{.course_title}}",
		"Hello {{.name}},\n\nYou have been enrolled on {{.course_title}}, starting {{.start_date}}.\n",
	),
	TemplateCertificateIssued: mustTemplate(
		"Certificate issued for {{.course_title}}",
		"Hello {{.name}},\n\nCongratulations, your certificate for {{.course_title}} has been issued.\n",
	),
	TemplateAgreementSigned: mustTemplate(
		"Your training agreement has been signed",
		"Hello {{.name}},\n\nYour training agreement ({{.enrollment_key}}) was signed on {{.signed_on}}.\n",
	),
	TemplateReEnrollmentRequired: mustTemplate(
		"Please renew your training agreement",
		"Hello {{.name}},\n\nYour training agreement is more than a year old. Please complete the onboarding steps again before starting {{.course_title}}.\n",
	),
}

func mustTemplate(subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New("subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New("body").Option("missingkey=zero").Parse(body)),
	}
}

// Render produces subject and plain-text body for the template.
func Render(kind TemplateKind, to Recipient, payload map[string]string) (string, string, error) {
	tpl, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification template %q", kind)
	}
	data := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	if _, ok := data["name"]; !ok {
		data["name"] = to.Name
	}
	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject.String(), body.String(), nil
}
