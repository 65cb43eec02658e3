package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/domain/density"
)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	Config config.DetectorsConfig
	Client *http.Client // Optional: shared by http detectors
	Logger *slog.Logger
}

// Factory builds a fresh detector set per call. It implements core.DetectorFactory.
type Factory struct {
	cfg    config.DetectorsConfig
	client *http.Client
	logger *slog.Logger
}

// NewFactory validates every configured role up front so a bad setting
// fails at startup rather than on the first job.
func NewFactory(opts FactoryOptions) (*Factory, error) {
	cfg := opts.Config
	cfg.Sanitize()
	if !cfg.Positive.Enabled() || !cfg.Reference.Enabled() {
		return nil, errors.New("positive and reference detectors are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	f := &Factory{cfg: cfg, client: client, logger: logger}

	for role, c := range f.roles() {
		if err := validate(c); err != nil {
			return nil, fmt.Errorf("%s detector: %w", role, err)
		}
	}
	return f, nil
}

func (f *Factory) roles() map[string]config.DetectorConfig {
	return map[string]config.DetectorConfig{
		"positive":  f.cfg.Positive,
		"reference": f.cfg.Reference,
		"stage":     f.cfg.Stage,
	}
}

func validate(c config.DetectorConfig) error {
	switch c.Kind {
	case config.DetectorKindNone:
		return nil
	case config.DetectorKindHTTP:
		if c.URL == "" {
			return errors.New("url is required")
		}
	case config.DetectorKindSubprocess:
		if len(c.Command) == 0 {
			return errors.New("command is required")
		}
	case config.DetectorKindStatic:
		if _, err := ParseStatic(c.Static); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	return nil
}

// Build constructs positive, reference and optional stage detectors. On
// error any detector already built is closed.
func (f *Factory) Build(ctx context.Context) (density.Detectors, error) {
	var dets density.Detectors
	var err error
	if dets.Positive, err = f.build(ctx, "positive", f.cfg.Positive); err != nil {
		return density.Detectors{}, err
	}
	if dets.Reference, err = f.build(ctx, "reference", f.cfg.Reference); err != nil {
		_ = dets.Close()
		return density.Detectors{}, err
	}
	if f.cfg.Stage.Enabled() {
		if dets.Stage, err = f.build(ctx, "stage", f.cfg.Stage); err != nil {
			_ = dets.Close()
			return density.Detectors{}, err
		}
	}
	f.logger.DebugContext(ctx, "detectors built",
		"positive", f.cfg.Positive.Kind,
		"reference", f.cfg.Reference.Kind,
		"stage", f.cfg.Stage.Kind,
	)
	return dets, nil
}

func (f *Factory) build(ctx context.Context, role string, c config.DetectorConfig) (density.Detector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		det density.Detector
		err error
	)
	switch c.Kind {
	case config.DetectorKindHTTP:
		det, err = NewHTTPDetector(HTTPOptions{
			URL:            c.URL,
			DetectionsPath: c.DetectionsPath,
			Timeout:        c.Timeout,
			Client:         f.client,
		})
	case config.DetectorKindSubprocess:
		det, err = NewSubprocessDetector(SubprocessOptions{
			Command: c.Command,
			Timeout: c.Timeout,
			Logger:  f.logger.With("role", role),
		})
	case config.DetectorKindStatic:
		det, err = ParseStatic(c.Static)
	default:
		err = fmt.Errorf("unsupported kind %q", c.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s detector: %w", role, err)
	}
	return det, nil
}
