package datalake

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ok-monitor/models"
	"ok-monitor/utils"
)

// ErrMissingImage is returned when a capture asks for its image to be stored
// without supplying any image bytes.
var ErrMissingImage = errors.New("image bytes are required when the image is stored")

const maxLabelLength = 48

// CaptureRecord is the durable form of one classified capture. The exported
// JSON fields are exactly what lands in the metadata sidecar; the path fields
// are runtime-only. Metadata is immutable once written — ImageStored reflects
// whether the image was written at store time, not whether it still exists
// (the pruner may delete it later).
type CaptureRecord struct {
	RecordID              string                `json:"record_id"`
	CapturedAt            time.Time             `json:"captured_at"`
	IngestedAt            time.Time             `json:"ingested_at"`
	Metadata              map[string]string     `json:"metadata"`
	Classification        models.Classification `json:"classification"`
	NormalDescriptionFile string                `json:"normal_description_file,omitempty"`
	ImageFilename         string                `json:"image_filename,omitempty"`
	ImageStored           bool                  `json:"image_stored"`

	ImagePath    string `json:"-"`
	MetadataPath string `json:"-"`
}

// StoreCaptureRequest carries everything needed to persist one capture.
// Zero CapturedAt/IngestedAt default to now.
type StoreCaptureRequest struct {
	ImageBytes            []byte
	Metadata              map[string]string
	Classification        models.Classification
	NormalDescriptionFile string
	StoreImage            bool
	CapturedAt            time.Time
	IngestedAt            time.Time
	DeviceID              string
}

// Store writes capture records to a date-partitioned directory tree
// (YYYY/MM/DD/{record_id}.json plus an optional .jpeg sibling).
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := utils.CreateFolder(root); err != nil {
		return nil, fmt.Errorf("error creating datalake root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

// StoreCapture persists one capture. The image (when stored) is written
// before the metadata sidecar so a reader never finds metadata pointing at
// an image the writer hasn't finished yet.
func (s *Store) StoreCapture(req StoreCaptureRequest) (CaptureRecord, error) {
	if req.StoreImage && len(req.ImageBytes) == 0 {
		return CaptureRecord{}, ErrMissingImage
	}

	capturedAt := req.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	ingestedAt := req.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}

	label := req.DeviceID
	if label == "" {
		label = req.Metadata["device_id"]
	}
	recordID := buildRecordID(label, capturedAt)

	dateDir := filepath.Join(s.root, capturedAt.UTC().Format("2006/01/02"))
	if err := utils.CreateFolder(dateDir); err != nil {
		return CaptureRecord{}, fmt.Errorf("error creating partition directory: %w", err)
	}

	record := CaptureRecord{
		RecordID:              recordID,
		CapturedAt:            capturedAt.UTC(),
		IngestedAt:            ingestedAt.UTC(),
		Metadata:              req.Metadata,
		Classification:        req.Classification,
		NormalDescriptionFile: req.NormalDescriptionFile,
		ImageStored:           req.StoreImage,
		MetadataPath:          filepath.Join(dateDir, recordID+".json"),
	}

	if req.StoreImage {
		record.ImageFilename = recordID + ".jpeg"
		record.ImagePath = filepath.Join(dateDir, record.ImageFilename)
		if err := os.WriteFile(record.ImagePath, req.ImageBytes, 0644); err != nil {
			return CaptureRecord{}, fmt.Errorf("error writing capture image: %w", err)
		}
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return CaptureRecord{}, fmt.Errorf("error encoding capture metadata: %w", err)
	}
	if err := os.WriteFile(record.MetadataPath, payload, 0644); err != nil {
		return CaptureRecord{}, fmt.Errorf("error writing capture metadata: %w", err)
	}

	return record, nil
}

// buildRecordID produces "{sanitized-label}_{timestamp}_{random}" — unique,
// filesystem-safe, and sortable by device and time.
func buildRecordID(label string, capturedAt time.Time) string {
	return fmt.Sprintf("%s_%s_%08x",
		sanitizeLabel(label),
		capturedAt.UTC().Format("20060102T150405"),
		utils.GenerateUniqueID(),
	)
}

// sanitizeLabel lowercases the device label, collapses runs of
// non-alphanumerics to single hyphens, trims them, and caps the length.
func sanitizeLabel(raw string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen && b.Len() > 0 {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	label := strings.Trim(b.String(), "-")
	if len(label) > maxLabelLength {
		label = strings.Trim(label[:maxLabelLength], "-")
	}
	if label == "" {
		return "device"
	}
	return label
}
