// Package imagefiles lists image files under a directory tree.
package imagefiles

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExts are the recognized image file suffixes, without leading dots.
var DefaultExts = []string{"fits", "fits.gz"}

// IsImageFile reports whether name ends with one of exts.
func IsImageFile(name string, exts []string) bool {
	return MatchExt(name, exts) != ""
}

// MatchExt returns the longest suffix in exts that name ends with, with its dot.
func MatchExt(name string, exts []string) string {
	best := ""
	for _, e := range exts {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.HasSuffix(name, e) && len(name) > len(e) && len(e) > len(best) {
			best = e
		}
	}
	return best
}

// BaseName is the file name with its recognized image suffix removed.
func BaseName(path string, exts []string) string {
	name := filepath.Base(path)
	if ext := MatchExt(name, exts); ext != "" {
		return strings.TrimSuffix(name, ext)
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// PathHasDots reports whether the path is "." or contains a "." or ".." element.
func PathHasDots(p string) bool {
	if p == "." {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == "." || part == ".." {
			return true
		}
	}
	return false
}

// List walks root recursively, following symlinked directories, and returns the
// paths of image files in walk order. A missing root yields an error wrapping
// fs.ErrNotExist.
func List(root string, exts []string) ([]string, error) {
	var out []string
	err := Walk(root, func(path string) error {
		if IsImageFile(filepath.Base(path), exts) {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// Walk calls fn for every non-directory entry under root.
func Walk(root string, fn func(path string) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat images root %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("images root %q is not a directory", root)
	}
	return walk(root, fn, map[string]struct{}{})
}

func walk(dir string, fn func(string) error, seen map[string]struct{}) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil
	}
	if _, ok := seen[resolved]; ok {
		return nil
	}
	seen[resolved] = struct{}{}

	// walk the resolved directory so a symlinked root is descended, but report
	// paths under the name it was reached by
	return filepath.WalkDir(resolved, func(rpath string, d fs.DirEntry, err error) error {
		path := dir
		if rel, relErr := filepath.Rel(resolved, rpath); relErr == nil && rel != "." {
			path = filepath.Join(dir, rel)
		}
		if err != nil {
			// unreadable subtrees are skipped
			if rpath == resolved {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, statErr := os.Stat(rpath)
			if statErr != nil {
				return nil
			}
			if target.IsDir() {
				return walk(path, fn, seen)
			}
		}
		return fn(path)
	})
}

// CollectionOf returns the directory of path relative to root, "" when path sits
// directly under root or outside it.
func CollectionOf(root, path string) string {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// IsRegular reports whether path exists and is a regular file.
func IsRegular(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// ErrOutsideRoot is returned when a collection or path escapes its root.
var ErrOutsideRoot = errors.New("path escapes root directory")

// Scope joins a collection name onto root, rejecting relative escapes.
func Scope(root, collection string) (string, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return root, nil
	}
	if PathHasDots(collection) || filepath.IsAbs(collection) {
		return "", fmt.Errorf("collection %q: %w", collection, ErrOutsideRoot)
	}
	return filepath.Join(root, filepath.FromSlash(collection)), nil
}
