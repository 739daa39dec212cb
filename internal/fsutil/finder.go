// Package fsutil provides small file system helpers.
package fsutil

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// FindFilesByExtension walks root and returns the full paths of all files
// whose name ends with ext, in lexical order. Passing a single file path
// returns that path when it matches. Hidden directories are skipped.
func FindFilesByExtension(root string, ext string) ([]string, error) {
	if ext == "" {
		return nil, fmt.Errorf("extension must not be empty")
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ext) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	return files, nil
}
