// Package pathsec translates an incoming File-Path header into a safe
// OS-local path.
package pathsec

import (
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Sanitize normalizes raw to the host path convention and, unless reserve
// is set, discards everything but the final path component so that the
// result can never escape the working directory. When reserve is set and
// raw does not look absolute for the host, the full relative path is kept.
func Sanitize(raw string, reserve bool) string {
	normalized := normalize(raw)

	if reserve && !looksAbsolute(normalized) {
		return filepath.Clean(normalized)
	}
	return filepath.Base(normalized)
}

func normalize(raw string) string {
	if filepath.Separator == '\\' {
		return strings.ReplaceAll(raw, "/", "\\")
	}
	return strings.ReplaceAll(raw, "\\", "/")
}

// looksAbsolute reports whether p looks like an absolute path for the
// current host: a leading separator on POSIX, or a drive letter ("C:") on
// Windows. This mirrors to_os_path's own check rather than filepath.IsAbs,
// since a Windows drive-qualified path may still fail IsAbs in edge cases
// the original code didn't worry about.
func looksAbsolute(p string) bool {
	if filepath.Separator == '\\' {
		return strings.HasPrefix(p, "\\") || strings.Contains(p, ":")
	}
	return strings.HasPrefix(p, "/")
}

// EnsureParentDir creates the parent directory of path if it does not
// already exist.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	info, err := os.Stat(dir)
	if err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrap(err, "create parent directory for "+path)
	}
	return nil
}
