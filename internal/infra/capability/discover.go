package capability

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Discover walks roots inside fsys and returns capability files in sorted order.
func Discover(fsys fs.FS, roots []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, root := range roots {
		root = path.Clean(strings.TrimPrefix(filepath.ToSlash(root), "/"))
		if root == "" {
			root = "."
		}
		err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isCapabilityFile(p) {
				return nil
			}
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				out = append(out, p)
			}
			return nil
		})
		if err != nil {
			return nil, &Error{Kind: ErrorFileIO, Path: root, Err: err}
		}
	}
	sort.Strings(out)
	return out, nil
}

// DiscoverPaths resolves OS roots, each a directory or a single file.
func DiscoverPaths(roots []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		info, err := os.Stat(root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, &Error{Kind: ErrorFileIO, Path: root, Err: err}
		}
		if !info.IsDir() {
			if isCapabilityFile(root) {
				add(filepath.Clean(root))
			}
			continue
		}
		found, err := Discover(os.DirFS(root), []string{"."})
		if err != nil {
			return nil, err
		}
		for _, rel := range found {
			add(filepath.Join(root, filepath.FromSlash(rel)))
		}
	}
	sort.Strings(out)
	return out, nil
}

func isCapabilityFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
