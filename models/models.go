package models

import "time"

// Classification states produced by the vision models.
const (
	StateNormal    = "normal"
	StateAbnormal  = "abnormal"
	StateUncertain = "uncertain"
)

// Classification is the immutable outcome of evaluating one capture. A zero
// Reason means the model gave no explanation.
type Classification struct {
	State  string  `json:"state"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// CapturePayload is an inbound capture submitted by a monitoring device.
type CapturePayload struct {
	DeviceID     string            `json:"device_id"`
	TriggerLabel string            `json:"trigger_label"`
	ImageBase64  string            `json:"image_base64"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// InferenceResult is what the pipeline reports back for a processed capture.
type InferenceResult struct {
	RecordID string  `json:"record_id"`
	State    string  `json:"state"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

// CaptureSummary is the listing view of a stored capture record.
type CaptureSummary struct {
	RecordID              string    `json:"recordId"`
	CapturedAt            time.Time `json:"capturedAt"`
	State                 string    `json:"state"`
	Score                 float64   `json:"score"`
	Reason                string    `json:"reason,omitempty"`
	TriggerLabel          string    `json:"triggerLabel,omitempty"`
	NormalDescriptionFile string    `json:"normalDescriptionFile,omitempty"`
	ImageAvailable        bool      `json:"imageAvailable"`
}

// CaptureEvent is published to live listeners whenever a new record is stored.
type CaptureEvent struct {
	DeviceID     string    `json:"deviceId"`
	RecordID     string    `json:"recordId"`
	State        string    `json:"state"`
	Score        float64   `json:"score"`
	Reason       string    `json:"reason,omitempty"`
	TriggerLabel string    `json:"triggerLabel,omitempty"`
	CapturedAt   time.Time `json:"capturedAt"`
	ImageStored  bool      `json:"imageStored"`
}

// TriggerEvent asks a listening device to take a capture immediately.
type TriggerEvent struct {
	DeviceID    string    `json:"deviceId"`
	Label       string    `json:"label"`
	RequestedAt time.Time `json:"requestedAt"`
}

// AlertEvent records one delivered (or attempted) abnormal-capture alert.
type AlertEvent struct {
	ID       int64     `json:"id,omitempty"`
	DeviceID string    `json:"deviceId"`
	RecordID string    `json:"recordId"`
	State    string    `json:"state"`
	Score    float64   `json:"score"`
	Reason   string    `json:"reason,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}
