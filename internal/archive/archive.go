// Package archive reads and writes the flat JSON pool dump used by the
// legacy cave tooling: a JSON array of entries with camelCase keys. Files
// whose name ends in ".zst" are zstd-compressed transparently.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tbourn/go-cave-backend/internal/domain"
)

// ErrEmptyEntry is returned for an entry that cannot be imported.
var ErrEmptyEntry = errors.New("archive entry has no elements or user")

// Entry is one archived submission.
type Entry struct {
	ID        int             `json:"id,omitempty"`
	Elements  domain.Elements `json:"elements"`
	ChannelID string          `json:"channelId"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Status    domain.Status   `json:"status"`
	Time      Time            `json:"time"`
}

// Validate reports whether e carries enough to be resubmitted.
func (e Entry) Validate() error {
	if len(e.Elements) == 0 || strings.TrimSpace(e.UserID) == "" {
		return ErrEmptyEntry
	}
	return nil
}

// FromSubmission converts a stored submission into an archive entry.
func FromSubmission(s domain.Submission) Entry {
	return Entry{
		ID:        s.ID,
		Elements:  s.Elements,
		ChannelID: s.Channel,
		UserID:    s.Owner,
		UserName:  s.OwnerName,
		Status:    s.Status,
		Time:      Time{s.CreatedAt.UTC()},
	}
}

// Time is an ISO-8601 timestamp. Values without a zone are read as UTC.
type Time struct{ time.Time }

const naiveLayout = "2006-01-02T15:04:05.999999999"

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v.UTC()
		return nil
	}
	v, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return fmt.Errorf("archive: bad time %q: %w", s, err)
	}
	t.Time = v
	return nil
}

// Write encodes entries as an indented JSON array.
func Write(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// Read decodes a JSON array of entries.
func Read(r io.Reader) ([]Entry, error) {
	var out []Entry
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("archive: decode: %w", err)
	}
	return out, nil
}

func compressed(path string) bool { return strings.HasSuffix(path, ".zst") }

// WriteFile writes entries to path, compressing when the name ends in ".zst".
func WriteFile(path string, entries []Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if !compressed(path) {
		return Write(f, entries)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if err := Write(zw, entries); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// ReadFile reads entries from path, decompressing when the name ends in ".zst".
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !compressed(path) {
		return Read(f)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return Read(zr)
}
