package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/apresai/dubber/internal/audio"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

type httpRequest struct {
	Text         string  `json:"text"`
	Exaggeration float64 `json:"exaggeration"`
	CFGWeight    float64 `json:"cfg_weight"`
	AudioPrompt  string  `json:"audio_prompt"` // base64 reference WAV
}

// httpJSONResponse is accepted when the server answers with JSON instead of a WAV body.
type httpJSONResponse struct {
	Audio string `json:"audio"`
	Error string `json:"error"`
}

// HTTPSynthesizer posts segments to a Chatterbox-compatible synthesis server.
type HTTPSynthesizer struct {
	url        string
	apiKey     string
	tokens     oauth2.TokenSource
	googleAuth bool
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPSynthesizer(cfg Config) (*HTTPSynthesizer, error) {
	if cfg.URL == "" {
		return nil, errors.New("http synthesizer requires a URL (--synth-url or DUBBER_TTS_URL)")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSynthesizer{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		googleAuth: cfg.GoogleAuth,
		logger:     logger,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}, nil
}

func (s *HTTPSynthesizer) Name() string { return "http" }

// accessToken obtains an OAuth2 token via Application Default Credentials.
func (s *HTTPSynthesizer) accessToken(ctx context.Context) (string, error) {
	if s.tokens == nil {
		ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
		if err != nil {
			return "", fmt.Errorf("get default token source: %w (hint: run 'gcloud auth application-default login' or set GOOGLE_APPLICATION_CREDENTIALS)", err)
		}
		s.tokens = oauth2.ReuseTokenSource(nil, ts)
	}
	token, err := s.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	return token.AccessToken, nil
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req Request) (audio.Waveform, error) {
	ref, err := os.ReadFile(req.ReferencePath)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("read reference voice: %w", err)
	}

	bodyBytes, err := json.Marshal(httpRequest{
		Text:         req.Text,
		Exaggeration: req.Exaggeration,
		CFGWeight:    req.CFGWeight,
		AudioPrompt:  base64.StdEncoding.EncodeToString(ref),
	})
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav, application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("X-API-Key", s.apiKey)
	}
	if s.googleAuth {
		token, err := s.accessToken(ctx)
		if err != nil {
			return audio.Waveform{}, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	res, err := s.httpClient.Do(httpReq)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	s.logger.DebugContext(ctx, "synthesis server responded",
		"status", res.StatusCode,
		"elapsed", elapsed,
		"request_bytes", len(bodyBytes),
	)

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return audio.Waveform{}, fmt.Errorf("synthesis server error (status %d): %s", res.StatusCode, truncate(string(respBody), 200))
	}

	wavBytes, err := extractAudio(res.Header.Get("Content-Type"), respBody)
	if err != nil {
		return audio.Waveform{}, err
	}
	w, err := audio.DecodeBytes(wavBytes)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("decode synthesized audio: %w", err)
	}
	return w, nil
}

func extractAudio(contentType string, body []byte) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/json" {
		return body, nil
	}
	var resp httpJSONResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("synthesis server error: %s", resp.Error)
	}
	if resp.Audio == "" {
		return nil, errors.New("response contained no audio data")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode audio base64: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (s *HTTPSynthesizer) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

var _ Synthesizer = (*HTTPSynthesizer)(nil)
