// Package faceanalyzer implements component 4.E: detection + 512-dim
// embedding per face against a local CPU-only inference server. Adapted
// directly from the teacher's internal/fingerprint.EmbeddingClient, which
// already exposes the exact contract spec.md §4.E needs (multipart POST of
// image bytes, a response of per-face {bbox, detection_score, embedding}).
package faceanalyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Face is one detected face, with its embedding L2-normalised to unit
// length, per spec.md §4.E.
type Face struct {
	BBox           [4]float64 // x1, y1, x2, y2
	DetectionScore float64
	Embedding      []float32
}

// faceResponse mirrors the embedding server's /embed/face JSON contract.
type faceResponse struct {
	FacesCount int `json:"faces_count"`
	Faces      []struct {
		FaceIndex int       `json:"face_index"`
		Dim       int       `json:"dim"`
		Embedding []float32 `json:"embedding"`
		BBox      []float64 `json:"bbox"`
		DetScore  float64   `json:"det_score"`
	} `json:"faces"`
}

// Client talks to the local face detection/embedding server. Models are
// loaded once per worker process on the server side; this client is a thin,
// stateless HTTP wrapper, constructed once per worker and reused across
// every image (spec.md §4.E: "loaded once per worker process").
type Client struct {
	parsedURL         *url.URL
	httpClient        *http.Client
	minDetectionScore float64
}

// New constructs a Client. baseURL must be a valid http(s) URL.
func New(baseURL string, minDetectionScore float64, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid face analyzer URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid face analyzer URL scheme %q: must be http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("invalid face analyzer URL: missing host")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		parsedURL:         parsed,
		httpClient:        &http.Client{Timeout: timeout},
		minDetectionScore: minDetectionScore,
	}, nil
}

// Analyze detects faces in imageData and returns their L2-normalised
// embeddings, filtered to those at or above the configured minimum
// detection score.
func (c *Client) Analyze(ctx context.Context, imageData []byte) ([]Face, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("create multipart form: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	reqURL := c.parsedURL.JoinPath("/embed/face")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face analyzer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read face analyzer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("face analyzer error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed faceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse face analyzer response: %w", err)
	}

	var faces []Face
	for _, f := range parsed.Faces {
		if f.DetScore < c.minDetectionScore {
			continue
		}
		var bbox [4]float64
		copy(bbox[:], f.BBox)
		faces = append(faces, Face{
			BBox:           bbox,
			DetectionScore: f.DetScore,
			Embedding:      l2Normalise(f.Embedding),
		})
	}
	return faces, nil
}

// l2Normalise scales v to unit length. A zero-norm vector (degenerate
// server output) is returned unchanged rather than divided by zero.
func l2Normalise(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-12 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
