package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ok-monitor/datalake"
	"ok-monitor/models"
)

func TestCleanRecipients(t *testing.T) {
	t.Parallel()

	got := CleanRecipients([]string{" ops@example.com ", "", "OPS@example.com", "oncall@example.com"})
	want := []string{"ops@example.com", "oncall@example.com"}
	if len(got) != len(want) {
		t.Fatalf("CleanRecipients = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CleanRecipients = %v, want %v", got, want)
		}
	}
}

func TestNewEmailNotifierValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewEmailNotifier(EmailConfig{Sender: "a@b.c", Recipients: []string{"x@y.z"}}); err == nil {
		t.Fatal("missing API key should be rejected")
	}
	if _, err := NewEmailNotifier(EmailConfig{APIKey: "key", Recipients: []string{"x@y.z"}}); err == nil {
		t.Fatal("missing sender should be rejected")
	}
	if _, err := NewEmailNotifier(EmailConfig{APIKey: "key", Sender: "a@b.c", Recipients: []string{"  ", ""}}); err == nil {
		t.Fatal("empty recipient list should be rejected")
	}
	if _, err := NewEmailNotifier(EmailConfig{APIKey: "key", Sender: "a@b.c", Recipients: []string{"x@y.z"}}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func testNotifier(t *testing.T, descriptionRoot string) *EmailNotifier {
	t.Helper()
	notifier, err := NewEmailNotifier(EmailConfig{
		APIKey:          "test-key",
		Sender:          "alerts@example.com",
		Recipients:      []string{"ops@example.com", "oncall@example.com"},
		UIBaseURL:       "https://monitor.example.com/",
		DescriptionRoot: descriptionRoot,
	})
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}
	return notifier
}

func testRecord(t *testing.T, withImage bool) datalake.CaptureRecord {
	t.Helper()
	record := datalake.CaptureRecord{
		RecordID:   "cam-1_20260830T120000_0000abcd",
		CapturedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Metadata:   map[string]string{"device_id": "cam-1", "trigger_label": "motion"},
		Classification: models.Classification{
			State:  models.StateAbnormal,
			Score:  0.92,
			Reason: "person in frame",
		},
		NormalDescriptionFile: "cam-1.txt",
	}
	if withImage {
		imagePath := filepath.Join(t.TempDir(), record.RecordID+".jpeg")
		if err := os.WriteFile(imagePath, []byte("jpeg bytes"), 0644); err != nil {
			t.Fatalf("failed to write test image: %v", err)
		}
		record.ImageStored = true
		record.ImagePath = imagePath
		record.ImageFilename = filepath.Base(imagePath)
	}
	return record
}

func TestBuildMessageWithInlineImage(t *testing.T) {
	t.Parallel()

	descriptionRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(descriptionRoot, "cam-1.txt"), []byte("an empty hallway\n"), 0644); err != nil {
		t.Fatalf("failed to write description: %v", err)
	}

	notifier := testNotifier(t, descriptionRoot)
	record := testRecord(t, true)
	message := notifier.buildMessage(record)

	if !strings.Contains(message.Subject, "cam-1") || !strings.Contains(message.Subject, record.RecordID) {
		t.Fatalf("subject should name device and record: %q", message.Subject)
	}
	if len(message.Personalizations) != 1 || len(message.Personalizations[0].To) != 2 {
		t.Fatal("both recipients should be addressed")
	}
	if len(message.Attachments) != 1 {
		t.Fatalf("expected 1 inline attachment, got %d", len(message.Attachments))
	}
	if message.Attachments[0].ContentID != "capture-"+record.RecordID {
		t.Fatalf("unexpected content id: %q", message.Attachments[0].ContentID)
	}

	var plain, htmlBody string
	for _, content := range message.Content {
		switch content.Type {
		case "text/plain":
			plain = content.Value
		case "text/html":
			htmlBody = content.Value
		}
	}
	if !strings.Contains(plain, "person in frame") {
		t.Fatalf("plain body missing reason: %q", plain)
	}
	if !strings.Contains(plain, "an empty hallway") {
		t.Fatalf("plain body missing normal baseline: %q", plain)
	}
	if !strings.Contains(plain, "https://monitor.example.com/ui") {
		t.Fatalf("plain body missing review link: %q", plain)
	}
	if !strings.Contains(htmlBody, "cid:capture-"+record.RecordID) {
		t.Fatalf("html body missing inline image reference: %q", htmlBody)
	}
}

func TestBuildMessageWithoutImage(t *testing.T) {
	t.Parallel()

	notifier := testNotifier(t, "")
	record := testRecord(t, false)
	message := notifier.buildMessage(record)

	if len(message.Attachments) != 0 {
		t.Fatalf("no image on disk should mean no attachment, got %d", len(message.Attachments))
	}
	for _, content := range message.Content {
		if strings.Contains(content.Value, "cid:") {
			t.Fatalf("body must not reference a missing image: %q", content.Value)
		}
	}
}
