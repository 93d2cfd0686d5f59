// Package artifact resolves and reads the daily currency-rate report file.
//
// The report is produced by an external job; this package only reads it.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrMissing means no report exists yet for the requested date.
	ErrMissing = errors.New("report artifact missing")
	// ErrUnreadable means the report exists but could not be read.
	ErrUnreadable = errors.New("report artifact unreadable")
)

const (
	DefaultPrefix = "Moneda_"
	DefaultLayout = "02-01-2006"
	DefaultExt    = ".txt"
)

// Source builds the report path for a date: Dir/<Prefix><date><Ext>.
type Source struct {
	Dir    string
	Prefix string
	Layout string
	Ext    string
}

func (s Source) withDefaults() Source {
	if s.Prefix == "" {
		s.Prefix = DefaultPrefix
	}
	if s.Layout == "" {
		s.Layout = DefaultLayout
	}
	if s.Ext == "" {
		s.Ext = DefaultExt
	}
	if s.Ext[0] != '.' {
		s.Ext = "." + s.Ext
	}
	return s
}

// Name returns the file name for date at without the directory.
func (s Source) Name(at time.Time) string {
	s = s.withDefaults()
	return s.Prefix + at.Format(s.Layout) + s.Ext
}

// Path returns the full report path for date at.
func (s Source) Path(at time.Time) string {
	return filepath.Join(s.Dir, s.Name(at))
}

// DateString formats at with the configured layout.
func (s Source) DateString(at time.Time) string {
	return at.Format(s.withDefaults().Layout)
}

type Artifact struct {
	Path    string
	Name    string
	Content string
}

// Len is the content length in characters.
func (a Artifact) Len() int { return utf8.RuneCountInString(a.Content) }

// Read loads the report at path. Missing files wrap ErrMissing; any other
// failure (permissions, directories, invalid UTF-8) wraps ErrUnreadable.
func Read(path string) (Artifact, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrMissing, path)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	if !utf8.Valid(b) {
		return Artifact{}, fmt.Errorf("%w: %s: not valid utf-8", ErrUnreadable, path)
	}
	return Artifact{
		Path:    path,
		Name:    filepath.Base(path),
		Content: strings.TrimRight(string(b), "\r\n"),
	}, nil
}
