// Package imagestore resolves image references to bytes. References are
// http(s) URLs, file:// URLs or absolute paths under an allowed root.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/project-theia/theia-api/internal/errors"
)

// Options configures a Store.
type Options struct {
	AllowedRoots []string      // local roots; empty disables local refs
	MaxBytes     int64         // per-image limit
	FetchTimeout time.Duration // per-request limit for remote refs
	Client       *http.Client
}

// Store fetches images. It implements core.ImageFetcher.
type Store struct {
	roots    []string
	maxBytes int64
	timeout  time.Duration
	client   *http.Client
}

// New returns a Store. Roots are cleaned and made absolute.
func New(opts Options) (*Store, error) {
	roots := make([]string, 0, len(opts.AllowedRoots))
	for _, r := range opts.AllowedRoots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("allowed root %q: %w", r, err)
		}
		roots = append(roots, filepath.Clean(abs))
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Store{roots: roots, maxBytes: maxBytes, timeout: opts.FetchTimeout, client: client}, nil
}

type refKind int

const (
	refRemote refKind = iota + 1
	refLocal
)

// parse returns the kind of ref and its URL or cleaned local path.
func (s *Store) parse(ref string) (refKind, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, "", apperrors.ValidationField("image_refs", "image reference is empty")
	}
	if filepath.IsAbs(ref) {
		p, err := s.allowedPath(ref)
		return refLocal, p, err
	}
	u, err := url.Parse(ref)
	if err != nil {
		return 0, "", apperrors.ValidationField("image_refs", fmt.Sprintf("invalid image reference %q", ref))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return 0, "", apperrors.ValidationField("image_refs", fmt.Sprintf("image url %q has no host", ref))
		}
		return refRemote, u.String(), nil
	case "file":
		p, err := s.allowedPath(u.Path)
		return refLocal, p, err
	default:
		return 0, "", apperrors.ValidationField("image_refs",
			fmt.Sprintf("unsupported image reference %q", ref))
	}
}

func (s *Store) allowedPath(p string) (string, error) {
	clean := filepath.Clean(p)
	for _, root := range s.roots {
		rel, err := filepath.Rel(root, clean)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return clean, nil
		}
	}
	return "", apperrors.ValidationField("image_refs", fmt.Sprintf("path %q is outside the allowed image roots", p))
}

// Fetch copies the image behind ref into dst.
func (s *Store) Fetch(ctx context.Context, ref string, dst io.Writer) error {
	kind, target, err := s.parse(ref)
	if err != nil {
		return err
	}
	if kind == refLocal {
		return s.fetchLocal(target, dst)
	}
	return s.fetchRemote(ctx, target, dst)
}

// Resolve reports whether ref can still be fetched, without downloading it.
func (s *Store) Resolve(ctx context.Context, ref string) error {
	kind, target, err := s.parse(ref)
	if err != nil {
		return err
	}
	if kind == refLocal {
		_, err := statRegular(target)
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return fmt.Errorf("build head request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "image host unreachable")
	}
	_ = resp.Body.Close()
	// Some object stores refuse HEAD; treat that as resolvable.
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return nil
	}
	return statusError(target, resp.StatusCode)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Store) fetchRemote(ctx context.Context, target string, dst io.Writer) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build image request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.Wrap(err, apperrors.ErrCodeTimeout, "image download timed out")
		}
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "image download failed")
	}
	defer resp.Body.Close()
	if err := statusError(target, resp.StatusCode); err != nil {
		return err
	}
	if resp.ContentLength > s.maxBytes {
		return tooLarge(target, s.maxBytes)
	}
	return s.copyLimited(target, dst, resp.Body)
}

func (s *Store) fetchLocal(path string, dst io.Writer) error {
	if _, err := statRegular(path); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return localError(path, err)
	}
	defer f.Close()
	return s.copyLimited(path, dst, f)
}

func (s *Store) copyLimited(ref string, dst io.Writer, src io.Reader) error {
	n, err := io.Copy(dst, io.LimitReader(src, s.maxBytes+1))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "copy image")
	}
	if n > s.maxBytes {
		return tooLarge(ref, s.maxBytes)
	}
	if n == 0 {
		return apperrors.ValidationField("image_refs", fmt.Sprintf("image %q is empty", ref))
	}
	return nil
}

func statRegular(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, localError(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, apperrors.ValidationField("image_refs", fmt.Sprintf("%q is not a regular file", path))
	}
	return info, nil
}

func localError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return apperrors.NotFoundf("image %q not found", path)
	case errors.Is(err, fs.ErrPermission):
		return apperrors.ValidationField("image_refs", fmt.Sprintf("image %q is not readable", path))
	default:
		return fmt.Errorf("open image %q: %w", path, err)
	}
}

func statusError(target string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return apperrors.NotFoundf("image %q not found (%d)", target, code)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return apperrors.Unavailablef("image host returned %d for %q", code, target)
	default:
		return apperrors.ValidationField("image_refs", fmt.Sprintf("image host returned %d for %q", code, target))
	}
}

func tooLarge(ref string, limit int64) error {
	return apperrors.ValidationField("image_refs", fmt.Sprintf("image %q exceeds %d bytes", ref, limit))
}
