package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

type sendgridClient interface {
	Send(email *sgmail.SGMailV3) (*rest.Response, error)
}

// SendgridNotifier delivers notifications as email through SendGrid.
type SendgridNotifier struct {
	client     sendgridClient
	from       *sgmail.Email
	subjPrefix string
}

// NewSendgridNotifier constructs a notifier using the given API key and sender.
func NewSendgridNotifier(apiKey, fromName, fromEmail string) *SendgridNotifier {
	return &SendgridNotifier{
		client:     sendgrid.NewSendClient(apiKey),
		from:       sgmail.NewEmail(fromName, fromEmail),
		subjPrefix: "[" + fromName + "] ",
	}
}

// Send renders the template and posts it to SendGrid. Non-2xx responses are errors.
func (n *SendgridNotifier) Send(ctx context.Context, to Recipient, kind TemplateKind, payload map[string]string) error {
	if to.Email == "" {
		return fmt.Errorf("recipient %s has no email address", to.ID)
	}
	subject, body, err := Render(kind, to, payload)
	if err != nil {
		return err
	}
	msg := sgmail.NewSingleEmail(n.from, n.subjPrefix+subject, sgmail.NewEmail(to.Name, to.Email), body, "")
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := n.client.Send(msg)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid send: status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}
