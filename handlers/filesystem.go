package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// validateWorkspacePath ensures the given path is within the workspace directory
// and prevents directory traversal attacks
func validateWorkspacePath(workspacePath, targetPath string) (string, error) {
	absWorkspace, err := filepath.Abs(filepath.Clean(workspacePath))
	if err != nil {
		return "", fmt.Errorf("invalid workspace path: %w", err)
	}

	if filepath.IsAbs(targetPath) {
		absTarget := filepath.Clean(targetPath)
		if !within(absWorkspace, absTarget) {
			return "", fmt.Errorf("path outside workspace: %s", targetPath)
		}
		return absTarget, nil
	}

	absTarget, err := filepath.Abs(filepath.Join(absWorkspace, targetPath))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if !within(absWorkspace, absTarget) {
		return "", fmt.Errorf("path traversal detected: %s", targetPath)
	}
	return absTarget, nil
}

func within(root, target string) bool {
	return strings.HasPrefix(target+string(filepath.Separator), root+string(filepath.Separator))
}

type readFileParams struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes"`
}

func (h *Handlers) readFile(_ context.Context, p readFileParams) (any, error) {
	if p.Path == "" {
		return nil, errors.New("path is required")
	}
	validPath, err := validateWorkspacePath(h.workspace, p.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(validPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", p.Path)
	}

	file, err := os.Open(validPath) //#nosec G304 -- validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close() //nolint:errcheck // read-only

	var r io.Reader = file
	if p.MaxBytes > 0 {
		r = io.LimitReader(file, p.MaxBytes)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return map[string]any{
		"path":      p.Path,
		"content":   string(content),
		"size":      len(content),
		"truncated": int64(len(content)) < info.Size(),
	}, nil
}

type writeFileParams struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	CreateDirs bool   `json:"create_dirs"`
}

func (h *Handlers) writeFile(_ context.Context, p writeFileParams) (any, error) {
	if p.Path == "" {
		return nil, errors.New("path is required")
	}
	validPath, err := validateWorkspacePath(h.workspace, p.Path)
	if err != nil {
		return nil, err
	}

	if p.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(validPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create parent directories: %w", err)
		}
	}
	if err := os.WriteFile(validPath, []byte(p.Content), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return map[string]any{
		"path":    p.Path,
		"size":    len(p.Content),
		"written": true,
	}, nil
}

type listDirParams struct {
	Path          string `json:"path"`
	Recursive     bool   `json:"recursive"`
	IncludeHidden bool   `json:"include_hidden"`
}

// DirEntry is one list_dir result.
type DirEntry struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	IsDir   bool   `json:"is_dir"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime int64  `json:"mod_time"`
}

func (h *Handlers) listDir(_ context.Context, p listDirParams) (any, error) {
	if p.Path == "" {
		p.Path = "."
	}
	validPath, err := validateWorkspacePath(h.workspace, p.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(validPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", p.Path)
	}

	root, err := filepath.Abs(h.workspace)
	if err != nil {
		return nil, err
	}

	entries := []DirEntry{}
	err = filepath.WalkDir(validPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == validPath {
			return nil
		}
		if !p.IncludeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, DirEntry{
			Path:    rel,
			Name:    d.Name(),
			IsDir:   d.IsDir(),
			Size:    fi.Size(),
			Mode:    fi.Mode().String(),
			ModTime: fi.ModTime().Unix(),
		})
		if d.IsDir() && !p.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return map[string]any{
		"path":    p.Path,
		"entries": entries,
		"count":   len(entries),
	}, nil
}
