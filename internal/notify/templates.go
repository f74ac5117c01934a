package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/gearloop/marketplace/internal/events"
)

// TemplateData is what every notification template can reference
type TemplateData struct {
	RecipientName   string
	CounterpartName string
	ProductTitle    string
	ExpiresAt       string
	Link            string
}

type notification struct {
	subject *template.Template
	body    *template.Template
}

func mustNotification(name, subject, body string) notification {
	return notification{
		subject: template.Must(template.New(name + ".subject").Parse(subject)),
		body:    template.Must(template.New(name + ".body").Parse(strings.TrimSpace(body) + "\n")),
	}
}

var notifications = map[string]notification{
	events.SaleProposed: mustNotification(events.SaleProposed,
		`You were selected to buy "{{.ProductTitle}}"`, `
Hi {{.RecipientName}},

{{.CounterpartName}} selected you as the buyer of "{{.ProductTitle}}".
Please confirm or decline the sale: {{.Link}}
`),
	events.SaleConfirmed: mustNotification(events.SaleConfirmed,
		`Sale of "{{.ProductTitle}}" confirmed`, `
Hi {{.RecipientName}},

{{.CounterpartName}} confirmed the purchase of "{{.ProductTitle}}".
Please leave a review of the transaction: {{.Link}}
`),
	events.SaleDeclined: mustNotification(events.SaleDeclined,
		`Sale of "{{.ProductTitle}}" declined`, `
Hi {{.RecipientName}},

{{.CounterpartName}} declined the purchase of "{{.ProductTitle}}".
The listing is available again and you can choose another buyer: {{.Link}}
`),
	events.SaleWithdrawn: mustNotification(events.SaleWithdrawn,
		`Sale of "{{.ProductTitle}}" withdrawn`, `
Hi {{.RecipientName}},

{{.CounterpartName}} withdrew the sale of "{{.ProductTitle}}".
`),
	events.ReviewRequested: mustNotification(events.ReviewRequested,
		`{{.CounterpartName}} reviewed your sale of "{{.ProductTitle}}"`, `
Hi {{.RecipientName}},

{{.CounterpartName}} left a review for "{{.ProductTitle}}".
Both reviews are published once you review too: {{.Link}}
`),
	events.ReviewReminder: mustNotification(events.ReviewReminder,
		`Your review period for "{{.ProductTitle}}" is ending`, `
Hi {{.RecipientName}},

You can review your transaction with {{.CounterpartName}} for "{{.ProductTitle}}" until {{.ExpiresAt}}.
{{.Link}}
`),
}

// Render produces the subject and body of a notification
func Render(eventType string, data TemplateData) (string, string, error) {
	n, ok := notifications[eventType]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
	}
	var subject, body bytes.Buffer
	if err := n.subject.Execute(&subject, data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", eventType, err)
	}
	if err := n.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", eventType, err)
	}
	return subject.String(), body.String(), nil
}
