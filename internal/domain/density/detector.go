// Package density estimates parasitemia from repeated, augmented passes of
// object detectors over a batch of blood-smear images.
package density

import (
	"context"
	"fmt"
	"image"
	"io"
)

// Detection is one labeled box returned by a detector.
type Detection struct {
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Box        [4]float64 `json:"box,omitempty"`
}

// Detector runs one object-detection model over a single image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, img image.Image) ([]Detection, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}

// Detectors is the set of models one worker loads. Stage is optional.
type Detectors struct {
	Positive  Detector
	Reference Detector
	Stage     Detector
}

// Close releases any detector that holds external resources. Closers must
// tolerate repeated calls since one model may fill several roles.
func (d Detectors) Close() error {
	var first error
	for _, det := range []Detector{d.Positive, d.Reference, d.Stage} {
		if c, ok := det.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Image is a materialized input image.
type Image interface {
	Ref() string
	Open() (io.ReadCloser, error)
}

// StageLabels maps stage-classifier class ids to names.
type StageLabels map[int]string

// DefaultStageLabels is the label map of the stage classifier.
func DefaultStageLabels() StageLabels {
	return StageLabels{
		0: "red blood cell",
		1: "trophozoite",
		2: "schizont",
		3: "ring",
		4: "difficult",
		5: "gametocyte",
		6: "leukocyte",
	}
}

// Name resolves the label for a detection.
func (s StageLabels) Name(d Detection) string {
	if d.Label != "" {
		return d.Label
	}
	if name, ok := s[d.ClassID]; ok {
		return name
	}
	return fmt.Sprintf("class_%d", d.ClassID)
}
