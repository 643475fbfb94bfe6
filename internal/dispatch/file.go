package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileMailer writes the HTML document instead of sending it. Used when no
// mail provider is configured, so the digest can be opened in a browser.
type FileMailer struct {
	path string
	out  io.Writer
}

// NewFile writes to path, or to out when path is empty.
func NewFile(path string, out io.Writer) *FileMailer {
	if out == nil {
		out = os.Stdout
	}
	return &FileMailer{path: path, out: out}
}

func (m *FileMailer) Name() string { return "file" }

func (m *FileMailer) Send(_ context.Context, env Envelope) error {
	if m.path == "" {
		if _, err := io.WriteString(m.out, env.HTML); err != nil {
			return fmt.Errorf("%w: write: %v", ErrFailed, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %v", ErrFailed, err)
	}
	if err := os.WriteFile(m.path, []byte(env.HTML), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrFailed, m.path, err)
	}
	return nil
}
