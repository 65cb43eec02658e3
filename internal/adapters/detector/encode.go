// Package detector adapts external object-detection models to density.Detector.
package detector

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/project-theia/theia-api/internal/domain/density"
)

const jpegQuality = 95

// request is the payload sent to http and subprocess detectors.
type request struct {
	Seq    uint64 `json:"seq,omitempty"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Image  string `json:"image"`
}

func encodeRequest(seq uint64, img image.Image) (request, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return request{}, fmt.Errorf("encode jpeg: %w", err)
	}
	b := img.Bounds()
	return request{
		Seq:    seq,
		Format: "jpeg",
		Width:  b.Dx(),
		Height: b.Dy(),
		Image:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// decodeDetections converts a generic JSON value into detections.
func decodeDetections(v any) ([]density.Detection, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-encode detections: %w", err)
	}
	var dets []density.Detection
	if err := json.Unmarshal(raw, &dets); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	return dets, nil
}
