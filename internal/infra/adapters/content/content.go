// Package content provides the document handles jobs keep for their whole
// life: one backed by a file on disk, one by an in-memory string.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/ports/adapter"
)

var (
	_ adapter.ContentHandle = (*File)(nil)
	_ adapter.ContentHandle = (*Memory)(nil)
)

// ID derives the stable job key from a document's identity: name (or path),
// size and modification time. Resubmitting the same unchanged file yields the same id.
func ID(name string, size int64, mod time.Time) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(mod.UnixMilli(), 10)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// File reads its content from disk on every Read.
type File struct {
	path string
	name string
	size int64
	mod  time.Time
	id   string
}

// OpenFile stats path and captures the identity used for the job id. The id
// is keyed on the absolute path, so equal base names in different
// directories stay distinct.
func OpenFile(path string) (*File, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, domain.Validationf("stat %s: %v", path, err)
	}
	if st.IsDir() {
		return nil, domain.Validationf("%s is a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return &File{
		path: path,
		name: filepath.Base(path),
		size: st.Size(),
		mod:  st.ModTime(),
		id:   ID(abs, st.Size(), st.ModTime()),
	}, nil
}

func (f *File) ID() string         { return f.id }
func (f *File) Name() string       { return f.name }
func (f *File) Size() int64        { return f.size }
func (f *File) ModTime() time.Time { return f.mod }
func (f *File) Path() string       { return f.path }

func (f *File) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.name, err)
	}
	if !utf8.Valid(b) {
		return "", domain.Validationf("%s is not valid UTF-8 text", f.name)
	}
	return string(b), nil
}

// Memory holds document text submitted inline, e.g. over the HTTP API.
type Memory struct {
	name string
	text string
	mod  time.Time
	id   string
}

func NewMemory(name, text string, mod time.Time) *Memory {
	if mod.IsZero() {
		mod = time.Now()
	}
	return &Memory{name: name, text: text, mod: mod, id: ID(name, int64(len(text)), mod)}
}

func (m *Memory) ID() string         { return m.id }
func (m *Memory) Name() string       { return m.name }
func (m *Memory) Size() int64        { return int64(len(m.text)) }
func (m *Memory) ModTime() time.Time { return m.mod }

func (m *Memory) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.text, nil
}
