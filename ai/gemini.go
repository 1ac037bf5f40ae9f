package ai

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"ok-monitor/models"
)

// GeminiClassifier classifies captures with a Gemini vision model.
type GeminiClassifier struct {
	client *genai.Client
	model  string

	mu                sync.Mutex
	normalDescription string
}

// NewGeminiClassifier builds a Gemini-backed classifier using the given API
// key. Model falls back to gemini-2.5-flash when empty.
func NewGeminiClassifier(ctx context.Context, apiKey, model string) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClassifier{client: client, model: model}, nil
}

func (g *GeminiClassifier) SetNormalDescription(text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.normalDescription = text
}

func (g *GeminiClassifier) Classify(ctx context.Context, image []byte) (models.Classification, error) {
	g.mu.Lock()
	description := g.normalDescription
	g.mu.Unlock()

	systemInstruction := genai.NewContentFromText(classifierSystemPrompt, genai.RoleModel)
	userContent := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(classifierUserPrompt(description)),
		genai.NewPartFromBytes(image, "image/jpeg"),
	}, genai.RoleUser)

	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
		Temperature:       genai.Ptr(float32(0)),
		ResponseMIMEType:  "application/json",
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{userContent}, config)
	if err != nil {
		return models.Classification{}, fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return models.Classification{}, fmt.Errorf("Gemini returned an empty response")
	}
	return parseModelReply("Gemini", text)
}
