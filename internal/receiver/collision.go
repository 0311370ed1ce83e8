package receiver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// CollisionPolicy resolves a name collision at the destination path before
// an upload is written. The two policies are modes, never combined.
type CollisionPolicy interface {
	// Resolve returns the path the upload should actually be written to,
	// performing any renaming of pre-existing files as a side effect.
	Resolve(destPath, key string) (string, error)
}

// RenameBackupPolicy is the default: if destPath exists, the existing
// file is renamed to a sibling and the upload is written to destPath
// itself.
type RenameBackupPolicy struct{}

func (RenameBackupPolicy) Resolve(destPath, key string) (string, error) {
	if !fileExists(destPath) {
		return destPath, nil
	}
	backup := backupPath(destPath, key)
	if err := os.Rename(destPath, backup); err != nil {
		return "", pkgerrors.Wrap(err, "rename existing file out of the way")
	}
	return destPath, nil
}

func backupPath(destPath, key string) string {
	ext := filepath.Ext(destPath)
	base := strings.TrimSuffix(destPath, ext)
	var newExt string
	if ext != "" {
		newExt = strings.TrimPrefix(ext, ".") + "-" + key
	} else {
		newExt = key
	}
	candidate := base + "." + newExt
	for i := 0; fileExists(candidate); i++ {
		candidate = fmt.Sprintf("%s.%s-%d", base, newExt, i)
	}
	return candidate
}

// AutoRenamePolicy leaves any existing file untouched and instead picks an
// unused sibling name for the upload.
type AutoRenamePolicy struct{}

func (AutoRenamePolicy) Resolve(destPath, key string) (string, error) {
	if !fileExists(destPath) {
		return destPath, nil
	}
	ext := filepath.Ext(destPath)
	base := strings.TrimSuffix(destPath, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !fileExists(candidate) {
			return candidate, nil
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
