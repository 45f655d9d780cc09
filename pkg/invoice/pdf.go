package invoice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os/exec"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrPDFUnavailable is returned when no object store is configured
var ErrPDFUnavailable = errors.New("invoice pdf storage not configured")

// Document is everything a renderer needs for one invoice
type Document struct {
	Invoice *billing.Invoice
	Items   []*billing.InvoiceItem
}

// Rendered is a rendered invoice document
type Rendered struct {
	Content     []byte
	ContentType string
	Extension   string
}

// Renderer turns an invoice into a printable document
type Renderer interface {
	Render(ctx context.Context, doc Document) (*Rendered, error)
}

// ObjectStore stores rendered documents
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
	URL(key string) string
}

var invoiceTemplate = template.Must(template.New("invoice").Funcs(template.FuncMap{
	"money": formatMoney,
	"date":  func(t time.Time) string { return t.Format("02 Jan 2006") },
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Invoice.InvoiceNumber}}</title></head>
<body>
<h1>Invoice {{.Invoice.InvoiceNumber}}</h1>
<p>Period: {{date .Invoice.PeriodStart}} to {{date .Invoice.PeriodEnd}}</p>
<p>Due: {{date .Invoice.DueDate}}</p>
<table>
<tr><th>Description</th><th>Quantity</th><th>Unit price</th><th>Total</th></tr>
{{- range .Items}}
<tr><td>{{.Description}}</td><td>{{.Quantity}}</td><td>{{money .UnitPrice $.Invoice.Currency}}</td><td>{{money .Total $.Invoice.Currency}}</td></tr>
{{- end}}
</table>
<p>Subtotal: {{money .Invoice.Subtotal .Invoice.Currency}}</p>
<p>Tax: {{money .Invoice.Tax .Invoice.Currency}}</p>
<p><strong>Total: {{money .Invoice.Total .Invoice.Currency}}</strong></p>
</body>
</html>
`))

// formatMoney renders minor units with two decimals
func formatMoney(amount int64, currency string) string {
	return decimal.New(amount, -2).StringFixed(2) + " " + currency
}

// HTMLRenderer renders invoices as standalone HTML
type HTMLRenderer struct{}

// Render executes the invoice template
func (HTMLRenderer) Render(ctx context.Context, doc Document) (*Rendered, error) {
	var buf bytes.Buffer
	if err := invoiceTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render invoice template: %w", err)
	}
	return &Rendered{Content: buf.Bytes(), ContentType: "text/html; charset=utf-8", Extension: "html"}, nil
}

// WkhtmltopdfRenderer converts the HTML rendering to PDF with the wkhtmltopdf binary
type WkhtmltopdfRenderer struct {
	binary  string
	timeout time.Duration
	html    HTMLRenderer
}

// NewWkhtmltopdfRenderer resolves the binary on PATH when it is not absolute
func NewWkhtmltopdfRenderer(binary string, timeout time.Duration) (*WkhtmltopdfRenderer, error) {
	if binary == "" {
		binary = "wkhtmltopdf"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("wkhtmltopdf binary not found: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WkhtmltopdfRenderer{binary: path, timeout: timeout}, nil
}

// Render pipes the HTML through wkhtmltopdf
func (r *WkhtmltopdfRenderer) Render(ctx context.Context, doc Document) (*Rendered, error) {
	page, err := r.html.Render(ctx, doc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, "--quiet", "--encoding", "utf-8", "-", "-")
	cmd.Stdin = bytes.NewReader(page.Content)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("pdf rendering timed out after %v: %w", r.timeout, err)
		}
		return nil, fmt.Errorf("wkhtmltopdf failed: %w: %s", err, stderr.String())
	}
	return &Rendered{Content: stdout.Bytes(), ContentType: "application/pdf", Extension: "pdf"}, nil
}

// GenerateInvoicePDF renders an issued invoice, stores it and records the URL
func (g *Generator) GenerateInvoicePDF(ctx context.Context, invoiceID string, now time.Time) (inv *billing.Invoice, err error) {
	ctx, span := g.tracer.Start(ctx, "invoice.pdf", trace.WithAttributes(attribute.String("invoice_id", invoiceID)))
	defer func() {
		observability.EndSpan(span, err)
		g.metrics.InvoicePDF(err)
	}()

	if g.objects == nil {
		return nil, ErrPDFUnavailable
	}

	inv, err = g.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %s: %w", invoiceID, err)
	}
	if inv.Status == billing.InvoiceStatusDraft {
		return nil, fmt.Errorf("invoice %s is still a draft", invoiceID)
	}

	items, err := g.store.ListInvoiceItems(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice items: %w", err)
	}

	rendered, err := g.renderer.Render(ctx, Document{Invoice: inv, Items: items})
	if err != nil {
		return nil, fmt.Errorf("failed to render invoice %s: %w", invoiceID, err)
	}

	key := fmt.Sprintf("invoices/%s/%s.%s", inv.AccountID, inv.InvoiceNumber, rendered.Extension)
	if err := g.objects.PutObject(ctx, key, bytes.NewReader(rendered.Content), rendered.ContentType); err != nil {
		return nil, fmt.Errorf("failed to upload invoice %s: %w", invoiceID, err)
	}

	// only the document columns are written; status may have moved while rendering
	url := g.objects.URL(key)
	if err := g.store.SetInvoicePDF(ctx, invoiceID, url, now); err != nil {
		return nil, fmt.Errorf("failed to record pdf for invoice %s: %w", invoiceID, err)
	}
	inv, err = g.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload invoice %s: %w", invoiceID, err)
	}

	g.log.WithFields(logrus.Fields{
		"invoice_id": inv.ID,
		"url":        inv.PDFURL,
	}).Debug("Invoice PDF stored")
	return inv, nil
}

// BackfillMissingPDFs renders up to limit issued invoices that have no stored
// document. One failure does not stop the rest. Returns how many succeeded.
func (g *Generator) BackfillMissingPDFs(ctx context.Context, now time.Time, limit int) (int, error) {
	if g.objects == nil {
		return 0, nil
	}
	invoices, err := g.store.ListInvoicesWithoutPDF(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list invoices without pdf: %w", err)
	}

	done := 0
	for _, inv := range invoices {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := g.GenerateInvoicePDF(ctx, inv.ID, now); err != nil {
			g.log.WithError(err).WithField("invoice_id", inv.ID).Warn("Failed to backfill invoice PDF")
			continue
		}
		done++
	}
	return done, nil
}
