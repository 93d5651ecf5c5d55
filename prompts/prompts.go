package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Source returns an fs.FS that reads from dir first and falls back to the
// embedded prompts. An empty or missing dir yields the embedded prompts only.
func Source(dir string) fs.FS {
	if dir == "" {
		return FS
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return FS
	}
	return overlay{primary: os.DirFS(dir), fallback: FS}
}

// Read returns the trimmed contents of name. Empty prompts are an error.
func Read(fsys fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", fmt.Errorf("prompt %q: %w", name, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("prompt %q is empty", name)
	}
	return text, nil
}

type overlay struct {
	primary  fs.FS
	fallback fs.FS
}

func (o overlay) Open(name string) (fs.File, error) {
	f, err := o.primary.Open(name)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return o.fallback.Open(name)
	}
	return nil, err
}
