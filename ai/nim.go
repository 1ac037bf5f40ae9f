package ai

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ok-monitor/models"
)

// NIMClassifier classifies captures using NVIDIA NIM's OpenAI-compatible
// chat API.
type NIMClassifier struct {
	apiKey            string
	model             string
	baseURL           string
	disableGuardrails bool
	client            *http.Client

	mu                sync.Mutex
	normalDescription string
}

func NewNIMClassifier(apiKey, model, baseURL string) *NIMClassifier {
	if model == "" {
		model = "meta/llama-3.2-90b-vision-instruct"
	}
	if baseURL == "" {
		baseURL = "https://integrate.api.nvidia.com/v1"
	}
	return &NIMClassifier{
		apiKey:            apiKey,
		model:             model,
		baseURL:           baseURL,
		disableGuardrails: true,
		client:            &http.Client{Timeout: 60 * time.Second},
	}
}

func (n *NIMClassifier) SetNormalDescription(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.normalDescription = text
}

func (n *NIMClassifier) Classify(ctx context.Context, image []byte) (models.Classification, error) {
	if n.apiKey == "" {
		return models.Classification{}, fmt.Errorf("NVIDIA API key is required to classify captures")
	}

	n.mu.Lock()
	description := n.normalDescription
	n.mu.Unlock()

	var safety map[string]interface{}
	if n.disableGuardrails {
		safety = map[string]interface{}{"vision": "BLOCK_NONE", "text": "BLOCK_NONE"}
	}

	payload := chatCompletionPayload(n.model, description, image, safety)
	message, err := postChatCompletion(ctx, n.client, n.baseURL, n.apiKey, payload, "NIM")
	if err != nil {
		return models.Classification{}, err
	}
	return parseModelReply("NIM", message)
}
