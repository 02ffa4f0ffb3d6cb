package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"preconsult/internal/consultation"
)

const (
	elevenLabsAPIURL = "https://api.elevenlabs.io/v1/text-to-speech"
	// DefaultVoiceID is the "Rachel" voice.
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
)

type elevenLabsClient struct {
	apiKey     string
	baseURL    string
	voiceID    string
	httpClient *http.Client
}

// NewElevenLabsClient reads bot messages aloud. An empty voiceID selects
// DefaultVoiceID.
func NewElevenLabsClient(apiKey, voiceID string) consultation.TTSClient {
	return newElevenLabsClient(apiKey, voiceID, elevenLabsAPIURL)
}

func newElevenLabsClient(apiKey, voiceID, baseURL string) *elevenLabsClient {
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	return &elevenLabsClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		voiceID: voiceID,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func (c *elevenLabsClient) Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error) {
	if voiceID == "" {
		voiceID = c.voiceID
	}

	reqBody := ttsRequest{
		Text:          text,
		ModelID:       "eleven_multilingual_v2",
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("TTS API error: %s - %s", resp.Status, string(body))
	}
	return io.ReadAll(resp.Body)
}
