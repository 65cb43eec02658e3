package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EstimatorConfig holds density estimator defaults applied at submission.
type EstimatorConfig struct {
	// TargetCount stops a repetition once positive+reference detections reach it.
	TargetCount int `env:"ESTIMATOR_TARGET_COUNT" envDefault:"1000"`

	// Repetitions is the number of independent sampling passes.
	Repetitions int `env:"ESTIMATOR_REPETITIONS" envDefault:"5"`

	// ReferenceClassID is the reference detector class counted as a red blood cell.
	ReferenceClassID int `env:"ESTIMATOR_REFERENCE_CLASS" envDefault:"0"`

	// StageLabels overrides the stage classifier label map, e.g. "0:red blood cell,1:trophozoite".
	StageLabels map[string]string `env:"ESTIMATOR_STAGE_LABELS" envKeyValSeparator:":"`

	// Seed fixes the augmentation random source. 0 seeds from the clock.
	Seed uint64 `env:"ESTIMATOR_SEED" envDefault:"0"`
}

// Sanitize applies guardrails to estimator configuration values.
func (e *EstimatorConfig) Sanitize() {
	e.TargetCount = max(e.TargetCount, 0)
	e.Repetitions = max(e.Repetitions, 1)
}

// ParsedStageLabels converts StageLabels to class id keys.
func (e *EstimatorConfig) ParsedStageLabels() (map[int]string, error) {
	if len(e.StageLabels) == 0 {
		return nil, nil
	}
	out := make(map[int]string, len(e.StageLabels))
	for k, v := range e.StageLabels {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("stage label key %q: %w", k, err)
		}
		out[id] = strings.TrimSpace(v)
	}
	return out, nil
}

// Detector kinds.
const (
	DetectorKindNone       = "none"
	DetectorKindHTTP       = "http"
	DetectorKindSubprocess = "subprocess"
	DetectorKindStatic     = "static"
)

// DetectorsConfig configures the three model roles a worker loads.
type DetectorsConfig struct {
	Positive  DetectorConfig `envPrefix:"DETECTOR_POSITIVE_"`
	Reference DetectorConfig `envPrefix:"DETECTOR_REFERENCE_"`
	Stage     DetectorConfig `envPrefix:"DETECTOR_STAGE_"`
}

// Sanitize applies guardrails to every detector role.
func (d *DetectorsConfig) Sanitize() {
	d.Positive.sanitize(DetectorKindStatic)
	d.Reference.sanitize(DetectorKindStatic)
	d.Stage.sanitize(DetectorKindNone)
}

// DetectorConfig selects and parameterises one detector adapter.
type DetectorConfig struct {
	// Kind is http, subprocess, static or none. Positive and reference
	// default to static, stage to none.
	Kind string `env:"KIND"`

	// URL is the inference endpoint for http detectors.
	URL string `env:"URL"`

	// DetectionsPath is a JMESPath expression selecting the detection list
	// from an http detector response.
	DetectionsPath string `env:"DETECTIONS_PATH" envDefault:"detections"`

	// Command is the subprocess argv, space separated.
	Command []string `env:"COMMAND" envSeparator:" "`

	// Timeout bounds one detection call.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"60s"`

	// Static is a JSON array of detections returned for every image by static detectors.
	Static string `env:"STATIC" envDefault:"[]"`
}

func (d *DetectorConfig) sanitize(defaultKind string) {
	d.Kind = strings.ToLower(strings.TrimSpace(d.Kind))
	if d.Kind == "" {
		d.Kind = defaultKind
	}
	d.URL = strings.TrimSpace(d.URL)
	d.DetectionsPath = strings.TrimSpace(d.DetectionsPath)
	if d.DetectionsPath == "" {
		d.DetectionsPath = "detections"
	}
	if d.Timeout <= 0 {
		d.Timeout = 60 * time.Second
	}
}

// Enabled reports whether the role has a detector.
func (d *DetectorConfig) Enabled() bool {
	return d.Kind != DetectorKindNone
}

// ImageStoreConfig controls how image references are fetched.
type ImageStoreConfig struct {
	// FetchTimeout bounds a single image download.
	FetchTimeout time.Duration `env:"IMAGE_FETCH_TIMEOUT" envDefault:"30s"`

	// MaxBytes bounds a single image.
	MaxBytes int64 `env:"IMAGE_MAX_BYTES" envDefault:"33554432"`

	// AllowedRoots restricts local and file:// references to these directories. Empty allows none.
	AllowedRoots []string `env:"IMAGE_ALLOWED_ROOTS" envSeparator:","`
}

// Sanitize applies guardrails to image store configuration values.
func (i *ImageStoreConfig) Sanitize() {
	if i.FetchTimeout <= 0 {
		i.FetchTimeout = 30 * time.Second
	}
	if i.MaxBytes <= 0 {
		i.MaxBytes = 32 << 20
	}
	roots := i.AllowedRoots[:0]
	for _, r := range i.AllowedRoots {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}
	i.AllowedRoots = roots
}
