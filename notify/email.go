// Package notify delivers abnormal-capture alerts by email.
package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"ok-monitor/datalake"
	"ok-monitor/utils"
)

// EmailConfig configures the SendGrid notifier.
type EmailConfig struct {
	APIKey     string
	Sender     string
	SenderName string
	Recipients []string
	UIBaseURL  string
	// DescriptionRoot is where normal-description files referenced by
	// capture records live.
	DescriptionRoot string
}

// EmailNotifier sends one email per abnormal capture, with the capture image
// attached inline and the device's normal description quoted for context.
type EmailNotifier struct {
	cfg    EmailConfig
	client *sendgrid.Client
	logger *slog.Logger
}

func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("SendGrid API key is required")
	}
	if cfg.Sender == "" {
		return nil, fmt.Errorf("alert sender address is required")
	}
	cfg.Recipients = CleanRecipients(cfg.Recipients)
	if len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("at least one alert recipient is required")
	}
	if cfg.SenderName == "" {
		cfg.SenderName = "OK Monitor"
	}
	return &EmailNotifier{
		cfg:    cfg,
		client: sendgrid.NewSendClient(cfg.APIKey),
		logger: utils.GetLogger(),
	}, nil
}

// CleanRecipients trims, de-duplicates (case-insensitively) and drops empty
// addresses, preserving order.
func CleanRecipients(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	cleaned := make([]string, 0, len(recipients))
	for _, entry := range recipients {
		value := strings.TrimSpace(entry)
		if value == "" {
			continue
		}
		lower := strings.ToLower(value)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		cleaned = append(cleaned, value)
	}
	return cleaned
}

// NotifyAbnormal builds and sends the alert email for a stored record.
func (n *EmailNotifier) NotifyAbnormal(ctx context.Context, record datalake.CaptureRecord) error {
	message := n.buildMessage(record)

	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("SendGrid rejected alert email: status %d: %s", resp.StatusCode, resp.Body)
	}

	n.logger.InfoContext(ctx, "sent abnormal capture alert",
		slog.String("recordID", record.RecordID),
		slog.Int("recipients", len(n.cfg.Recipients)))
	return nil
}

func (n *EmailNotifier) buildMessage(record datalake.CaptureRecord) *mail.SGMailV3 {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(n.cfg.SenderName, n.cfg.Sender))
	message.Subject = n.renderSubject(record)

	personalization := mail.NewPersonalization()
	for _, recipient := range n.cfg.Recipients {
		personalization.AddTos(mail.NewEmail("", recipient))
	}
	message.AddPersonalizations(personalization)

	sentAt := time.Now().UTC().Format(time.RFC3339)
	normalDescription := n.loadNormalDescription(record)

	contentID := ""
	if imageData, ok := n.readImage(record); ok {
		contentID = "capture-" + record.RecordID
		attachment := mail.NewAttachment()
		attachment.SetContent(base64.StdEncoding.EncodeToString(imageData))
		attachment.SetType("image/jpeg")
		attachment.SetFilename(record.RecordID + ".jpeg")
		attachment.SetDisposition("inline")
		attachment.SetContentID(contentID)
		message.AddAttachment(attachment)
	}

	message.AddContent(mail.NewContent("text/plain", n.renderPlain(record, sentAt, normalDescription)))
	message.AddContent(mail.NewContent("text/html", n.renderHTML(record, sentAt, normalDescription, contentID)))
	return message
}

func (n *EmailNotifier) renderSubject(record datalake.CaptureRecord) string {
	device := record.Metadata["device_id"]
	if device == "" {
		device = "unknown device"
	}
	return fmt.Sprintf("Abnormal capture on %s (%s)", device, record.RecordID)
}

func (n *EmailNotifier) renderPlain(record datalake.CaptureRecord, sentAt, normalDescription string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Abnormal capture detected.\n\n")
	fmt.Fprintf(&b, "Record: %s\n", record.RecordID)
	fmt.Fprintf(&b, "Device: %s\n", record.Metadata["device_id"])
	fmt.Fprintf(&b, "Trigger: %s\n", record.Metadata["trigger_label"])
	fmt.Fprintf(&b, "Captured at: %s\n", record.CapturedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Score: %.2f\n", record.Classification.Score)
	if record.Classification.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", record.Classification.Reason)
	}
	if normalDescription != "" {
		fmt.Fprintf(&b, "\nNormal baseline:\n%s\n", normalDescription)
	}
	if n.cfg.UIBaseURL != "" {
		fmt.Fprintf(&b, "\nReview: %s\n", n.captureURL())
	}
	fmt.Fprintf(&b, "\nSent at %s\n", sentAt)
	return b.String()
}

func (n *EmailNotifier) renderHTML(record datalake.CaptureRecord, sentAt, normalDescription, contentID string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(n.renderSubject(record)))
	b.WriteString("<table>")
	writeRow(&b, "Record", record.RecordID)
	writeRow(&b, "Device", record.Metadata["device_id"])
	writeRow(&b, "Trigger", record.Metadata["trigger_label"])
	writeRow(&b, "Captured at", record.CapturedAt.Format(time.RFC3339))
	writeRow(&b, "Score", fmt.Sprintf("%.2f", record.Classification.Score))
	if record.Classification.Reason != "" {
		writeRow(&b, "Reason", record.Classification.Reason)
	}
	b.WriteString("</table>")
	if normalDescription != "" {
		fmt.Fprintf(&b, "<p><strong>Normal baseline:</strong><br>%s</p>",
			html.EscapeString(normalDescription))
	}
	if contentID != "" {
		fmt.Fprintf(&b, `<p><img src="cid:%s" alt="capture" style="max-width:640px"></p>`, contentID)
	}
	if n.cfg.UIBaseURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Review recent captures</a></p>`, n.captureURL())
	}
	fmt.Fprintf(&b, "<p><small>Sent at %s</small></p>", sentAt)
	b.WriteString("</body></html>")
	return b.String()
}

func writeRow(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "<tr><td><strong>%s</strong></td><td>%s</td></tr>",
		html.EscapeString(label), html.EscapeString(value))
}

func (n *EmailNotifier) captureURL() string {
	return strings.TrimRight(n.cfg.UIBaseURL, "/") + "/ui"
}

func (n *EmailNotifier) readImage(record datalake.CaptureRecord) ([]byte, bool) {
	if !record.ImageStored || record.ImagePath == "" {
		return nil, false
	}
	data, err := os.ReadFile(record.ImagePath)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (n *EmailNotifier) loadNormalDescription(record datalake.CaptureRecord) string {
	if record.NormalDescriptionFile == "" || n.cfg.DescriptionRoot == "" {
		return ""
	}
	path := filepath.Join(n.cfg.DescriptionRoot, filepath.Base(record.NormalDescriptionFile))
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
