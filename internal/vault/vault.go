// Package vault is the markdown note store the pipeline writes into.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MOCDir holds the generated cluster notes.
const MOCDir = "MOCs"

// ErrOutsideVault is returned for paths that would escape the vault root.
var ErrOutsideVault = errors.New("path escapes vault")

// Vault is a directory of markdown notes addressed by forward-slash
// relative paths.
type Vault struct {
	root string
}

// Open returns a Vault rooted at dir, creating the directory if needed.
func Open(dir string) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault: empty path")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("vault: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("vault: create %s: %w", abs, err)
	}
	return &Vault{root: abs}, nil
}

// Root returns the absolute vault directory.
func (v *Vault) Root() string {
	return v.root
}

func (v *Vault) abs(rel string) (string, error) {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %s", ErrOutsideVault, rel)
	}
	return filepath.Join(v.root, local), nil
}

// Read returns the raw markdown of the note at rel.
func (v *Vault) Read(rel string) (string, error) {
	p, err := v.abs(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read vault file: %w", err)
	}
	return string(data), nil
}

// Write replaces the note at rel, creating parent directories.
func (v *Vault) Write(rel, text string) error {
	p, err := v.abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return fmt.Errorf("create note dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(text), 0600); err != nil {
		return fmt.Errorf("write vault file: %w", err)
	}
	return nil
}

// Exists reports whether a note exists at rel.
func (v *Vault) Exists(rel string) bool {
	p, err := v.abs(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// ListMarkdownFiles returns the relative paths of every .md file below the
// root. Hidden directories (state, editor config) are skipped. Order is
// not guaranteed.
func (v *Vault) ListMarkdownFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(v.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != v.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(p), ".md") {
			return nil
		}
		rel, err := filepath.Rel(v.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list vault: %w", err)
	}
	return out, nil
}

// NotePath is where a regular note with the given title lives.
func NotePath(title string) string {
	return sanitizeFilename(title) + ".md"
}

// MOCPath is where a cluster note with the given title lives.
func MOCPath(title string) string {
	return MOCDir + "/" + sanitizeFilename(title) + ".md"
}

// IsIndexNote reports whether rel is a cluster note.
func IsIndexNote(rel string) bool {
	return strings.HasPrefix(rel, MOCDir+"/")
}

// TitleFromPath derives a title from the file name.
func TitleFromPath(rel string) string {
	return strings.TrimSuffix(path.Base(rel), path.Ext(rel))
}

// sanitizeFilename turns a title into a safe filename (no path separators, etc).
func sanitizeFilename(title string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "",
		"?", "",
		"\"", "",
		"<", "",
		">", "",
		"|", "",
	)
	name := replacer.Replace(title)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "untitled"
	}
	return name
}
