package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// imageExts are the file extensions picked up when a directory is expanded.
var imageExts = []string{".jpg", ".jpeg", ".png", ".tif", ".tiff", ".bmp", ".gif"}

// ExpandRefs turns CLI arguments into image references. URLs pass through;
// directories expand to the images beneath them; glob patterns (including
// **) expand to matching regular files. Order is argument order, then
// lexical within one argument.
func ExpandRefs(args []string) ([]string, error) {
	var refs []string
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if strings.Contains(arg, "://") {
			refs = append(refs, arg)
			continue
		}

		matches, err := expandLocal(arg)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no images match %q", arg)
		}
		refs = append(refs, matches...)
	}
	return refs, nil
}

func expandLocal(arg string) ([]string, error) {
	if info, err := os.Stat(arg); err == nil {
		if info.IsDir() {
			return expandDir(arg)
		}
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		return []string{abs}, nil
	}

	if !doublestar.ValidatePathPattern(arg) {
		return nil, fmt.Errorf("invalid pattern %q", arg)
	}
	matches, err := doublestar.FilepathGlob(arg)
	if err != nil {
		return nil, fmt.Errorf("expand %q: %w", arg, err)
	}
	return regularFiles(matches)
}

func expandDir(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*")
	if err != nil {
		return nil, fmt.Errorf("expand directory %q: %w", dir, err)
	}
	var images []string
	for _, m := range matches {
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(m))) {
			images = append(images, filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	return regularFiles(images)
}

func regularFiles(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		info, err := os.Lstat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	slices.Sort(out)
	return out, nil
}
