// Package blob stores raw media bytes under generated names. The core only
// hands bytes in and gets names back; LocalStore is the filesystem backend.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a named blob does not exist.
	ErrNotFound = errors.New("blob: not found")
	// ErrInvalidName is returned for names that are empty or contain a path.
	ErrInvalidName = errors.New("blob: invalid name")
)

// Store is the blob backend contract. Delete of a missing blob is not an error.
type Store interface {
	Save(ctx context.Context, name string, data []byte) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error
	List(ctx context.Context) ([]string, error)
}

// Name builds the stored file name for the index-th (1-based) media item of
// submission id, e.g. "12_1_general_u42.png". Channel and owner are escaped
// so distinct inputs never share a name.
func Name(id, index int, channel, owner, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%d_%d_%s_%s%s", id, index, escape(channel), escape(owner), ext)
}

// escape keeps ASCII letters and digits, doubles '-', and writes every other
// byte as '-' plus two hex digits. The output never contains '_' or '.', so
// the separators and the extension cannot be forged.
func escape(s string) string {
	const hex = "0123456789abcdef"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-':
			b.WriteString("--")
		default:
			b.WriteByte('-')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// Ext sniffs data and returns its canonical extension (".png"), or "" when
// the type is unknown.
func Ext(data []byte) string {
	return mimetype.Detect(data).Extension()
}

// MIME sniffs data and returns its media type.
func MIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// Read loads a whole blob.
func Read(ctx context.Context, s Store, name string) ([]byte, error) {
	rc, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// FixExtension re-sniffs a stored blob and renames it when its extension
// disagrees with the content. Unknown content is left alone. It returns the
// (possibly unchanged) name.
func FixExtension(ctx context.Context, s Store, name string) (string, bool, error) {
	data, err := Read(ctx, s, name)
	if err != nil {
		return name, false, err
	}
	want := Ext(data)
	if want == "" {
		return name, false, nil
	}
	cur := filepath.Ext(name)
	if strings.EqualFold(cur, want) {
		return name, false, nil
	}
	renamed := strings.TrimSuffix(name, cur) + want
	if err := s.Rename(ctx, name, renamed); err != nil {
		return name, false, err
	}
	return renamed, true, nil
}

// LocalStore keeps blobs as files in Dir.
type LocalStore struct {
	Dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob dir: %w", err)
	}
	return &LocalStore{Dir: dir}, nil
}

func (l *LocalStore) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.Dir, name), nil
}

// Save writes data through a temp file and renames it into place, so readers
// never observe a partial blob.
func (l *LocalStore) Save(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(name)
	if err != nil {
		return err
	}
	tmp := filepath.Join(l.Dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Open returns a reader for name, or ErrNotFound.
func (l *LocalStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := l.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes name; a missing file is a no-op.
func (l *LocalStore) Delete(_ context.Context, name string) error {
	p, err := l.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Rename moves from to to within the store.
func (l *LocalStore) Rename(_ context.Context, from, to string) error {
	src, err := l.path(from)
	if err != nil {
		return err
	}
	dst, err := l.path(to)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// List returns stored blob names in lexical order, skipping temp files.
func (l *LocalStore) List(_ context.Context) ([]string, error) {
	ents, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}
