// Package attachment talks to the external blob store. A blob goes in; a
// URL and a media type come back.
package attachment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lalith-99/podsync/internal/models"
)

// Store uploads a file and reports where it ended up. Every failure
// wraps models.ErrUploadFailed.
type Store interface {
	Upload(ctx context.Context, filename string, data []byte) (*models.Attachment, error)
}

// Classify maps a MIME type to an attachment type.
func Classify(mediaType string) models.AttachmentType {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "image/") {
		return models.AttachmentImage
	}
	return models.AttachmentFile
}

// HTTPStore posts files as multipart/form-data (field "file") and
// expects {"url": ..., "mediaType": ...} back.
type HTTPStore struct {
	endpoint string
	client   *http.Client
}

// NewHTTPStore returns a store for endpoint. timeout bounds the whole
// upload round trip.
func NewHTTPStore(endpoint string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type uploadResponse struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
}

func (s *HTTPStore) Upload(ctx context.Context, filename string, data []byte) (*models.Attachment, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("%w: build form: %v", models.ErrUploadFailed, err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("%w: build form: %v", models.ErrUploadFailed, err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("%w: build form: %v", models.ErrUploadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: store returned %d: %s", models.ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", models.ErrUploadFailed, err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("%w: store returned no url", models.ErrUploadFailed)
	}

	return &models.Attachment{URL: out.URL, Type: Classify(out.MediaType)}, nil
}

// Disabled is used when no store is configured. Every upload fails.
type Disabled struct{}

func (Disabled) Upload(context.Context, string, []byte) (*models.Attachment, error) {
	return nil, fmt.Errorf("%w: no attachment store configured", models.ErrUploadFailed)
}
