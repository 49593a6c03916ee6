// Package notify renders and delivers customer-facing payment emails.
// Rendering happens in-process with Go templates; the providers receive
// finished HTML and text, never template IDs, so switching vendors cannot
// change message content.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"subsync/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// EmailKind selects which message to render.
type EmailKind string

const (
	EmailPaymentSucceeded      EmailKind = "payment_succeeded"
	EmailPaymentFailed         EmailKind = "payment_failed"
	EmailPaymentActionRequired EmailKind = "payment_action_required"
	EmailSubscriptionConfirmed EmailKind = "subscription_confirmed"
	EmailSubscriptionCanceled  EmailKind = "subscription_canceled"
)

// emailKinds is the full set of messages; all templates must parse at
// startup.
var emailKinds = []EmailKind{
	EmailPaymentSucceeded,
	EmailPaymentFailed,
	EmailPaymentActionRequired,
	EmailSubscriptionConfirmed,
	EmailSubscriptionCanceled,
}

// subjects maps each message to its subject line.
var subjects = map[EmailKind]string{
	EmailPaymentSucceeded:      "Payment received",
	EmailPaymentFailed:         "Payment failed — action needed",
	EmailPaymentActionRequired: "Verification needed to complete your payment",
	EmailSubscriptionConfirmed: "Your subscription is confirmed",
	EmailSubscriptionCanceled:  "Your subscription has been canceled",
}

// RenderedEmail holds pre-rendered content ready for transmission.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
}

// templateData is the flattened payload passed to the templates.
type templateData struct {
	Subject         string
	ServiceName     string
	CustomerName    string
	Amount          string
	Currency        string
	InvoiceID       string
	InvoiceURL      string
	PlanID          string
	NextBillingDate string
}

// Renderer renders payment emails from embedded templates. All templates
// are parsed once at construction; a parse failure is a startup error, not
// a per-send one.
type Renderer struct {
	serviceName   string
	htmlTemplates map[EmailKind]*template.Template
	textTemplates map[EmailKind]*texttemplate.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer(serviceName string) (*Renderer, error) {
	if serviceName == "" {
		serviceName = "Billing"
	}

	baseHTML, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("renderer: failed to read base.html: %w", err)
	}

	r := &Renderer{
		serviceName:   serviceName,
		htmlTemplates: make(map[EmailKind]*template.Template, len(emailKinds)),
		textTemplates: make(map[EmailKind]*texttemplate.Template, len(emailKinds)),
	}

	for _, kind := range emailKinds {
		name := string(kind)

		htmlContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.html: %w", name, err)
		}
		htmlTmpl, err := template.New("base").Parse(string(baseHTML))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse base.html: %w", err)
		}
		if _, err := htmlTmpl.Parse(string(htmlContent)); err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.html: %w", name, err)
		}
		r.htmlTemplates[kind] = htmlTmpl

		txtContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.txt", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.txt: %w", name, err)
		}
		txtTmpl, err := texttemplate.New(name).Parse(string(txtContent))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.txt: %w", name, err)
		}
		r.textTemplates[kind] = txtTmpl
	}

	return r, nil
}

// RenderParams carries the message-specific fields.
type RenderParams struct {
	CustomerName    string
	AmountCents     int64
	Currency        string
	InvoiceID       string
	InvoiceURL      string
	PlanID          string
	NextBillingDate time.Time
}

// Render produces the subject and both bodies for one message.
func (r *Renderer) Render(kind EmailKind, params RenderParams) (*RenderedEmail, error) {
	htmlTmpl, ok := r.htmlTemplates[kind]
	if !ok {
		return nil, fmt.Errorf("renderer: unknown email kind %q", kind)
	}

	name := params.CustomerName
	if name == "" {
		name = "there"
	}

	data := templateData{
		Subject:      subjects[kind],
		ServiceName:  r.serviceName,
		CustomerName: name,
		Amount:       types.FormatMinorUnits(params.AmountCents),
		Currency:     strings.ToUpper(params.Currency),
		InvoiceID:    params.InvoiceID,
		InvoiceURL:   params.InvoiceURL,
		PlanID:       params.PlanID,
	}
	if !params.NextBillingDate.IsZero() {
		data.NextBillingDate = params.NextBillingDate.Format("January 2, 2006")
	}

	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return nil, fmt.Errorf("renderer: failed to render %s html: %w", kind, err)
	}

	var textBuf bytes.Buffer
	if err := r.textTemplates[kind].Execute(&textBuf, data); err != nil {
		return nil, fmt.Errorf("renderer: failed to render %s text: %w", kind, err)
	}

	return &RenderedEmail{
		Subject:  data.Subject,
		BodyHTML: htmlBuf.String(),
		BodyText: textBuf.String(),
	}, nil
}
