package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ListFilesTool lists directory contents below a workspace root.
type ListFilesTool struct {
	Root string
}

func NewListFilesTool(root string) *ListFilesTool {
	absRoot, _ := filepath.Abs(root)
	return &ListFilesTool{Root: absRoot}
}

func (f *ListFilesTool) Name() string {
	return "list_files"
}

func (f *ListFilesTool) Description() string {
	return "Lists files and directories in a workspace directory, optionally recursively, " +
		"filtered by extension and sorted by name, size, modified time or type."
}

func (f *ListFilesTool) Keywords() []string {
	return []string{"file", "files", "list", "directory", "folder", "ls", "show", "find"}
}

func (f *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list, relative to the workspace. Defaults to the workspace root.",
			},
			"recursive": map[string]any{
				"type":        "boolean",
				"description": "List subdirectories recursively",
			},
			"show_hidden": map[string]any{
				"type":        "boolean",
				"description": "Include entries whose name starts with '.'",
			},
			"show_details": map[string]any{
				"type":        "boolean",
				"description": "Include size, permissions and modification time",
			},
			"extensions": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Only list files with these extensions, e.g. ['.go', '.md']",
			},
			"sort_by": map[string]any{
				"type":        "string",
				"enum":        []string{"name", "size", "modified", "type"},
				"description": "Sort order",
			},
		},
	}
}

type fileEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Size     int64  `json:"size,omitempty"`
	Modified string `json:"modified,omitempty"`
	Mode     string `json:"permissions,omitempty"`

	modTime time.Time
}

func (f *ListFilesTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args struct {
		Path        string   `json:"path"`
		Recursive   bool     `json:"recursive"`
		ShowHidden  bool     `json:"show_hidden"`
		ShowDetails bool     `json:"show_details"`
		Extensions  []string `json:"extensions"`
		SortBy      string   `json:"sort_by"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return "", err
	}

	targetPath, err := f.resolve(args.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(targetPath)
	if err != nil {
		return "", fmt.Errorf("path does not exist: %s", args.Path)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", args.Path)
	}

	var entries []fileEntry
	walkErr := filepath.WalkDir(targetPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if p == targetPath {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		hidden := strings.HasPrefix(d.Name(), ".")
		if hidden && !args.ShowHidden {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !matchesExtension(d.Name(), args.Extensions) {
			return nil
		}

		rel, _ := filepath.Rel(f.Root, p)
		e := fileEntry{Name: d.Name(), Path: filepath.ToSlash(rel), Type: "file"}
		if d.IsDir() {
			e.Type = "directory"
		}
		if fi, err := d.Info(); err == nil {
			e.modTime = fi.ModTime()
			if args.ShowDetails {
				e.Size = fi.Size()
				e.Modified = fi.ModTime().Format("2006-01-02 15:04:05")
				e.Mode = fmt.Sprintf("%o", fi.Mode().Perm())
			}
		}
		entries = append(entries, e)

		if d.IsDir() && !args.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		return "", walkErr
	}

	sortEntries(entries, args.SortBy)
	return jsonResult(map[string]any{
		"status":      "success",
		"path":        displayPath(f.Root, targetPath),
		"total_items": len(entries),
		"files":       entries,
	})
}

// resolve joins p onto the root and refuses paths that escape it.
func (f *ListFilesTool) resolve(p string) (string, error) {
	targetPath := filepath.Join(f.Root, p)
	rel, err := filepath.Rel(f.Root, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe path attempt: %s", p)
	}
	return targetPath, nil
}

func displayPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return "."
	}
	return filepath.ToSlash(rel)
}

func matchesExtension(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func sortEntries(entries []fileEntry, by string) {
	switch by {
	case "size":
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Size > entries[j].Size })
	case "modified":
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].modTime.After(entries[j].modTime) })
	case "type":
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].Type != entries[j].Type {
				return entries[i].Type == "directory"
			}
			return strings.ToLower(entries[i].Path) < strings.ToLower(entries[j].Path)
		})
	default:
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].Path) < strings.ToLower(entries[j].Path)
		})
	}
}
