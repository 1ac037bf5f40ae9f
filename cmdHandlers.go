package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mdobak/go-xerrors"

	"ok-monitor/ai"
	"ok-monitor/datalake"
	"ok-monitor/db"
	"ok-monitor/hub"
	"ok-monitor/inference"
	"ok-monitor/models"
	"ok-monitor/notify"
	"ok-monitor/similarity"
	"ok-monitor/utils"
)

type apiError struct {
	Message string `json:"message"`
}

type pruneRequest struct {
	RetentionDays int  `json:"retentionDays"`
	DryRun        bool `json:"dryRun"`
}

type deviceConfigResponse struct {
	DeviceID              string `json:"device_id"`
	NormalDescription     string `json:"normal_description"`
	NormalDescriptionFile string `json:"normal_description_file,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

func allowCORS(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}

func envBool(key string, fallback bool) bool {
	value := utils.GetEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	value := utils.GetEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := utils.GetEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// buildClassifier selects the model stack from CLASSIFIER_BACKEND:
// openai, nim, gemini, consensus (OpenAI primary + Gemini secondary), or
// threshold (keyless baseline).
func buildClassifier(ctx context.Context) (ai.Classifier, error) {
	backend := utils.GetEnv("CLASSIFIER_BACKEND", "threshold")
	switch backend {
	case "openai":
		return ai.NewOpenAIClassifier(
			os.Getenv("OPENAI_API_KEY"),
			utils.GetEnv("OPENAI_MODEL", ""),
			utils.GetEnv("OPENAI_BASE_URL", ""),
		), nil
	case "nim":
		return ai.NewNIMClassifier(
			os.Getenv("NVIDIA_API_KEY"),
			utils.GetEnv("NIM_MODEL", ""),
			utils.GetEnv("NIM_BASE_URL", ""),
		), nil
	case "gemini":
		return ai.NewGeminiClassifier(ctx, os.Getenv("GEMINI_API_KEY"), utils.GetEnv("GEMINI_MODEL", ""))
	case "consensus":
		primary := ai.NewOpenAIClassifier(
			os.Getenv("OPENAI_API_KEY"),
			utils.GetEnv("OPENAI_MODEL", ""),
			utils.GetEnv("OPENAI_BASE_URL", ""),
		)
		secondary, err := ai.NewGeminiClassifier(ctx, os.Getenv("GEMINI_API_KEY"), utils.GetEnv("GEMINI_MODEL", ""))
		if err != nil {
			return nil, err
		}
		return ai.NewConsensusClassifier(primary, secondary, "OpenAI", "Gemini"), nil
	case "threshold":
		return ai.NewThresholdClassifier(), nil
	default:
		return nil, fmt.Errorf("unknown CLASSIFIER_BACKEND %q", backend)
	}
}

// alertRecorder decorates the email notifier with a best-effort write to the
// alert history store. Without an email notifier it degrades to a log-only
// notifier so the history still fills in.
type alertRecorder struct {
	inner  inference.Notifier
	alerts db.AlertStore
	logger *slog.Logger
}

func (a *alertRecorder) NotifyAbnormal(ctx context.Context, record datalake.CaptureRecord) error {
	if a.inner != nil {
		if err := a.inner.NotifyAbnormal(ctx, record); err != nil {
			return err
		}
	} else {
		a.logger.WarnContext(ctx, "abnormal capture detected (no email notifier configured)",
			slog.String("recordID", record.RecordID),
			slog.String("deviceID", record.Metadata["device_id"]),
			slog.Float64("score", record.Classification.Score))
	}

	if a.alerts != nil {
		event := models.AlertEvent{
			DeviceID: record.Metadata["device_id"],
			RecordID: record.RecordID,
			State:    record.Classification.State,
			Score:    record.Classification.Score,
			Reason:   record.Classification.Reason,
			SentAt:   time.Now().UTC(),
		}
		if err := a.alerts.StoreAlert(ctx, event); err != nil {
			a.logger.ErrorContext(ctx, "failed to record alert history",
				slog.String("recordID", record.RecordID),
				slog.Any("error", xerrors.New(err)))
		}
	}
	return nil
}

func serve(port string) {
	logger := utils.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	datalakeRoot := utils.GetEnv("DATALAKE_ROOT", "storage/datalake")
	store, err := datalake.NewStore(datalakeRoot)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open datalake", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}

	index := datalake.NewRecentIndex(datalakeRoot, envInt("RECENT_INDEX_MAX", 500))
	cache := similarity.NewCache(utils.GetEnv("SIMILARITY_CACHE_PATH", "storage/similarity_cache.json"))

	classifier, err := buildClassifier(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to build classifier", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}

	descriptionDir := utils.GetEnv("NORMAL_DESCRIPTION_DIR", "storage/normal_descriptions")
	descriptionFile := utils.GetEnv("NORMAL_DESCRIPTION_FILE", "")
	normalDescription := ""
	if descriptionFile != "" {
		data, err := os.ReadFile(filepath.Join(descriptionDir, descriptionFile))
		if err != nil {
			logger.WarnContext(ctx, "failed to read normal description file",
				slog.String("file", descriptionFile), slog.Any("error", xerrors.New(err)))
		} else {
			normalDescription = strings.TrimSpace(string(data))
		}
	}
	classifier.SetNormalDescription(normalDescription)

	alertStore, err := db.NewAlertStore(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open alert store", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
	defer alertStore.Close()

	var emailNotifier inference.Notifier
	if apiKey := os.Getenv("SENDGRID_API_KEY"); apiKey != "" {
		notifier, err := notify.NewEmailNotifier(notify.EmailConfig{
			APIKey:          apiKey,
			Sender:          utils.GetEnv("ALERT_SENDER", ""),
			Recipients:      strings.Split(utils.GetEnv("ALERT_RECIPIENTS", ""), ","),
			UIBaseURL:       utils.GetEnv("UI_BASE_URL", ""),
			DescriptionRoot: descriptionDir,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to configure email alerts", slog.Any("error", xerrors.New(err)))
			os.Exit(1)
		}
		emailNotifier = notifier
	} else {
		log.Println("SENDGRID_API_KEY not set; abnormal captures will be logged, not emailed")
	}

	triggerHub := hub.New[models.TriggerEvent](hub.DefaultQueueSize, false)
	captureHub := hub.New[models.CaptureEvent](hub.DefaultQueueSize, true)
	defer triggerHub.Close()
	defer captureHub.Close()

	service := inference.NewService(classifier, store, index, cache,
		&alertRecorder{inner: emailNotifier, alerts: alertStore, logger: logger},
		captureHub,
		inference.Config{
			DedupeEnabled:           envBool("DEDUPE_ENABLED", true),
			DedupeThreshold:         envInt("DEDUPE_THRESHOLD", 3),
			DedupeKeepEvery:         envInt("DEDUPE_KEEP_EVERY", 5),
			StreakPruningEnabled:    envBool("STREAK_PRUNING_ENABLED", true),
			StreakThreshold:         envInt("STREAK_THRESHOLD", 3),
			StreakKeepEvery:         envInt("STREAK_KEEP_EVERY", 5),
			SimilarityEnabled:       envBool("SIMILARITY_ENABLED", true),
			SimilarityMaxDistance:   envInt("SIMILARITY_MAX_DISTANCE", 6),
			SimilarityExpiryMinutes: envFloat("SIMILARITY_EXPIRY_MINUTES", 60),
			AlertCooldown:           time.Duration(envFloat("ALERT_COOLDOWN_MINUTES", 15) * float64(time.Minute)),
			NormalDescriptionFile:   descriptionFile,
		})

	if lastSent, err := alertStore.LastAlertTimes(ctx); err != nil {
		logger.WarnContext(ctx, "failed to seed alert cooldowns", slog.Any("error", xerrors.New(err)))
	} else {
		service.SeedCooldowns(lastSent)
	}

	// Out-of-band maintenance: similarity cache expiry and the pruning sweep.
	expiryMinutes := envFloat("SIMILARITY_EXPIRY_MINUTES", 60)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cache.PruneExpired(expiryMinutes)
			}
		}
	}()

	if pruneIntervalHours := envInt("PRUNE_INTERVAL_HOURS", 0); pruneIntervalHours > 0 {
		retentionDays := envInt("RETENTION_DAYS", 30)
		go func() {
			ticker := time.NewTicker(time.Duration(pruneIntervalHours) * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := datalake.Prune(datalakeRoot, retentionDays, false); err != nil {
						logger.ErrorContext(ctx, "scheduled pruning sweep failed",
							slog.Any("error", xerrors.New(err)))
					}
				}
			}
		}()
	}

	socketServer := newSocketController(captureHub, triggerHub, index).buildServer()
	go func() {
		if err := socketServer.Serve(); err != nil {
			logger.ErrorContext(ctx, "socket server stopped", slog.Any("error", xerrors.New(err)))
		}
	}()
	defer socketServer.Close()

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", socketServer)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/captures", newCaptureHandler(service))
	mux.HandleFunc("/v1/captures/recent", newRecentHandler(index))
	mux.HandleFunc("/v1/alerts", newAlertsHandler(alertStore))
	mux.HandleFunc("/v1/device-config", newDeviceConfigHandler(normalDescription, descriptionFile))
	mux.HandleFunc("/v1/devices/", newTriggerHandler(triggerHub))
	mux.HandleFunc("/v1/admin/prune", newPruneHandler(datalakeRoot))

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("Listening on port %s\n", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.ErrorContext(ctx, "server stopped", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
}

func newCaptureHandler(service *inference.Service) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var payload models.CapturePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid capture payload")
			return
		}

		result, err := service.ProcessCapture(r.Context(), payload)
		if err != nil {
			switch {
			case errors.Is(err, inference.ErrInvalidDevice), errors.Is(err, inference.ErrBadImage):
				writeJSONError(w, http.StatusBadRequest, err.Error())
			default:
				logger.ErrorContext(r.Context(), "failed to process capture",
					slog.String("deviceID", payload.DeviceID),
					slog.Any("error", xerrors.New(err)))
				writeJSONError(w, http.StatusBadGateway, "classification failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func newRecentHandler(index *datalake.RecentIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				limit = parsed
			}
		}
		summaries := index.Latest(limit)
		if summaries == nil {
			summaries = []models.CaptureSummary{}
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

func newAlertsHandler(alerts db.AlertStore) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				limit = parsed
			}
		}
		events, err := alerts.RecentAlerts(r.Context(), limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list alerts", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to list alerts")
			return
		}
		if events == nil {
			events = []models.AlertEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func newDeviceConfigHandler(normalDescription, descriptionFile string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		deviceID, err := inference.ValidateDeviceID(r.URL.Query().Get("device_id"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deviceConfigResponse{
			DeviceID:              deviceID,
			NormalDescription:     normalDescription,
			NormalDescriptionFile: descriptionFile,
		})
	}
}

// newTriggerHandler serves POST /v1/devices/{id}/trigger by publishing a
// manual-trigger event to any listening device.
func newTriggerHandler(triggerHub *hub.Hub[models.TriggerEvent]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[1] != "trigger" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		deviceID, err := inference.ValidateDeviceID(parts[0])
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		label := r.URL.Query().Get("label")
		if label == "" {
			label = "manual"
		}

		event := models.TriggerEvent{
			DeviceID:    deviceID,
			Label:       label,
			RequestedAt: time.Now().UTC(),
		}
		triggerHub.Publish(deviceID, event)
		writeJSON(w, http.StatusAccepted, event)
	}
}

func newPruneHandler(datalakeRoot string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		req := pruneRequest{RetentionDays: envInt("RETENTION_DAYS", 30)}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid prune request")
				return
			}
		}

		stats, err := datalake.Prune(datalakeRoot, req.RetentionDays, req.DryRun)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
