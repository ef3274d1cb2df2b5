// Package recognition is the HTTP client for the face recognition service,
// which performs face detection and ArcFace embedding generation.
package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reunia/facematch/internal/config"
)

// MaxFacesPerImage caps how many detected faces a result carries. The service
// orders faces by prominence, so the cap keeps the strongest candidates.
const MaxFacesPerImage = 10

// ErrBadInput marks a 422 from the recognition service: the image itself was
// rejected (undecodable, too small, no face). Callers must not retry these.
var ErrBadInput = errors.New("recognition service rejected input")

// ErrUnavailable marks a transport failure or 5xx: the service could not be
// reached or failed internally. Callers may fall back or retry.
var ErrUnavailable = errors.New("recognition service unavailable")

// BoundingBox locates a face in source image pixels.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// DetectedFace is one face found in an image.
type DetectedFace struct {
	FaceIndex   int         `json:"face_index"`
	BoundingBox BoundingBox `json:"bounding_box"`
	Confidence  float64     `json:"confidence"`
	FaceAreaPx  int         `json:"face_area_px"`
}

// DetectResult is the outcome of a detection call.
type DetectResult struct {
	Faces        []DetectedFace
	ImageWidth   int
	ImageHeight  int
	ProcessingMS int
}

// EmbedResult is the outcome of an embedding call.
type EmbedResult struct {
	Embedding      []float32
	FaceConfidence float64
	FaceQuality    float64
	ProcessingMS   int
}

// Health reports the recognition service identity and model.
type Health struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Version  string `json:"version"`
	Model    string `json:"model"`
	Detector string `json:"detector"`
}

// Client talks to the recognition service with bearer auth and JSON bodies.
type Client struct {
	baseURL       string
	token         string
	client        *http.Client
	detectTimeout time.Duration
	embedTimeout  time.Duration
	healthTimeout time.Duration
}

// NewClient creates a recognition service client.
func NewClient(cfg *config.RecognitionConfig) *Client {
	return &Client{
		baseURL:       strings.TrimSuffix(cfg.URL, "/"),
		token:         cfg.Token,
		client:        &http.Client{},
		detectTimeout: cfg.DetectTimeout,
		embedTimeout:  cfg.EmbedTimeout,
		healthTimeout: cfg.HealthTimeout,
	}
}

type detectRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type detectResponse struct {
	Success      bool           `json:"success"`
	Faces        []DetectedFace `json:"faces"`
	FaceCount    int            `json:"face_count"`
	ImageWidth   int            `json:"image_width"`
	ImageHeight  int            `json:"image_height"`
	ProcessingMS int            `json:"processing_ms"`
}

type embedRequest struct {
	ImageBase64 string       `json:"image_base64"`
	FaceBBox    *BoundingBox `json:"face_bbox,omitempty"`
}

type embedResponse struct {
	Success        bool      `json:"success"`
	Embedding      []float32 `json:"embedding"`
	EmbeddingDims  int       `json:"embedding_dims"`
	FaceConfidence float64   `json:"face_confidence"`
	FaceQuality    float64   `json:"face_quality"`
	ProcessingMS   int       `json:"processing_ms"`
}

// Detect finds faces in an image.
func (c *Client) Detect(ctx context.Context, imageData []byte) (*DetectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.detectTimeout)
	defer cancel()

	req := detectRequest{ImageBase64: base64.StdEncoding.EncodeToString(imageData)}
	resp, err := doPostJSON[detectResponse](ctx, c, "/detect", req)
	if err != nil {
		return nil, err
	}

	faces := resp.Faces
	if len(faces) > MaxFacesPerImage {
		faces = faces[:MaxFacesPerImage]
	}

	return &DetectResult{
		Faces:        faces,
		ImageWidth:   resp.ImageWidth,
		ImageHeight:  resp.ImageHeight,
		ProcessingMS: resp.ProcessingMS,
	}, nil
}

// Embed generates an embedding for a face. A non-nil bbox skips detection and
// crops the given region; nil lets the service auto-detect a single face.
func (c *Client) Embed(ctx context.Context, imageData []byte, bbox *BoundingBox) (*EmbedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	req := embedRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(imageData),
		FaceBBox:    bbox,
	}
	resp, err := doPostJSON[embedResponse](ctx, c, "/embed", req)
	if err != nil {
		return nil, err
	}

	return &EmbedResult{
		Embedding:      resp.Embedding,
		FaceConfidence: resp.FaceConfidence,
		FaceQuality:    resp.FaceQuality,
		ProcessingMS:   resp.ProcessingMS,
	}, nil
}

// CheckHealth verifies the service is reachable and reports its model. The
// health endpoint requires no auth.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: health returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("could not unmarshal health response: %w", err)
	}
	return &health, nil
}

// doPostJSON performs a POST request with a JSON body and unmarshals the JSON
// response. A 422 maps to ErrBadInput, transport errors and 5xx map to
// ErrUnavailable.
func doPostJSON[T any](ctx context.Context, c *Client, endpoint string, requestBody any) (*T, error) {
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("could not marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrBadInput, readErrorBody(resp.Body))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, readErrorBody(resp.Body))
	default:
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("could not unmarshal response: %w", err)
	}
	return &result, nil
}

// readErrorBody extracts a short error message from a failed response. The
// recognition service wraps errors as {"detail": {"error": "..."}}.
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(body) == 0 {
		return "(no body)"
	}

	var wrapped struct {
		Detail struct {
			Error string `json:"error"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Detail.Error != "" {
		return wrapped.Detail.Error
	}
	return string(body)
}
