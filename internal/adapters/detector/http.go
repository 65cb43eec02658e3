package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/project-theia/theia-api/internal/domain/density"
	apperrors "github.com/project-theia/theia-api/internal/errors"
)

const maxResponseBytes = 16 << 20

// HTTPOptions configures an HTTPDetector.
type HTTPOptions struct {
	URL            string
	DetectionsPath string // JMESPath into the response body
	Timeout        time.Duration
	Client         *http.Client
}

// HTTPDetector posts each image to an inference server.
type HTTPDetector struct {
	url     string
	path    string
	timeout time.Duration
	client  *http.Client
	seq     atomic.Uint64
}

// NewHTTPDetector validates opts and returns an HTTPDetector.
func NewHTTPDetector(opts HTTPOptions) (*HTTPDetector, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("detector url is required")
	}
	path := strings.TrimSpace(opts.DetectionsPath)
	if path == "" {
		path = "detections"
	}
	if _, err := jmespath.Compile(path); err != nil {
		return nil, fmt.Errorf("invalid detections path %q: %w", path, err)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDetector{
		url:     opts.URL,
		path:    path,
		timeout: opts.Timeout,
		client:  client,
	}, nil
}

// Detect implements density.Detector.
func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) ([]density.Detection, error) {
	payload, err := encodeRequest(d.seq.Add(1), img)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal detector request: %w", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build detector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeTimeout, "detector request timed out")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "detector request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read detector response")
	}
	if err := statusError(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	selected, err := jmespath.Search(d.path, doc)
	if err != nil {
		return nil, fmt.Errorf("select detections with %q: %w", d.path, err)
	}
	return decodeDetections(selected)
}

// statusError maps server errors to unavailable (retried) and client errors
// to validation (the image was rejected).
func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return apperrors.Unavailablef("detector returned %d: %s", code, snippet)
	default:
		return apperrors.Validation(fmt.Sprintf("detector rejected image (%d): %s", code, snippet))
	}
}
