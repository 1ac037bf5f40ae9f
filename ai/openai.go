package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ok-monitor/models"
)

// OpenAIClassifier classifies captures through the OpenAI multimodal chat
// completions API.
type OpenAIClassifier struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	mu                sync.Mutex
	normalDescription string
}

// NewOpenAIClassifier builds a client for the given key. Model and base URL
// fall back to sensible defaults when empty.
func NewOpenAIClassifier(apiKey, model, baseURL string) *OpenAIClassifier {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClassifier{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OpenAIClassifier) SetNormalDescription(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.normalDescription = text
}

func (o *OpenAIClassifier) Classify(ctx context.Context, image []byte) (models.Classification, error) {
	if o.apiKey == "" {
		return models.Classification{}, fmt.Errorf("OpenAI API key is required to classify captures")
	}

	o.mu.Lock()
	description := o.normalDescription
	o.mu.Unlock()

	payload := chatCompletionPayload(o.model, description, image, nil)
	message, err := postChatCompletion(ctx, o.client, o.baseURL, o.apiKey, payload, "OpenAI")
	if err != nil {
		return models.Classification{}, err
	}
	return parseModelReply("OpenAI", message)
}

// chatCompletionRequest is the shared OpenAI-compatible request shape used by
// both the OpenAI and NVIDIA NIM classifiers.
type chatCompletionRequest struct {
	Model          string                 `json:"model"`
	ResponseFormat map[string]string      `json:"response_format"`
	Temperature    float64                `json:"temperature"`
	Messages       []chatMessage          `json:"messages"`
	SafetySettings map[string]interface{} `json:"safety_settings,omitempty"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func chatCompletionPayload(model, normalDescription string, image []byte, safetySettings map[string]interface{}) chatCompletionRequest {
	encoded := base64.StdEncoding.EncodeToString(image)
	dataURL := "data:image/jpeg;base64," + encoded

	return chatCompletionRequest{
		Model:          model,
		ResponseFormat: map[string]string{"type": "json_object"},
		Temperature:    0,
		Messages: []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: []chatContentPart{
				{Type: "text", Text: classifierUserPrompt(normalDescription)},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL}},
			}},
		},
		SafetySettings: safetySettings,
	}
}

const classifierSystemPrompt = "You are an inspection classifier for machine captures. " +
	"Analyse each image and decide whether it is Normal, Abnormal, or Uncertain. " +
	"Only respond with JSON describing your decision."

func classifierUserPrompt(normalDescription string) string {
	description := strings.TrimSpace(normalDescription)
	if description == "" {
		description = "No normal description provided."
	}
	return "Use the following description of a normal capture as context:\n" +
		description + "\n\n" +
		"Label the supplied image as one of: normal, abnormal, or uncertain.\n" +
		"Return a JSON object with fields 'state' (lowercase label), 'confidence' " +
		"(float between 0 and 1), and 'reason' (short explanation or null)."
}

func postChatCompletion(ctx context.Context, client *http.Client, baseURL, apiKey string, payload chatCompletionRequest, provider string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s request: %w", provider, err)
	}

	url := strings.TrimRight(baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create %s request: %w", provider, err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach %s API: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%s API returned status %d: %s", provider, resp.StatusCode, string(bodyBytes))
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", provider, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("unexpected response format from %s API", provider)
	}
	return completion.Choices[0].Message.Content, nil
}
