package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a manifest document does not match the expected schema.
var ErrMalformed = errors.New("malformed manifest")

// Category is the content category an entry belongs to
type Category string

const (
	CategoryETS2   Category = "ets2"
	CategoryATS    Category = "ats"
	CategoryShared Category = "system"
)

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	switch c {
	case CategoryETS2, CategoryATS, CategoryShared:
		return true
	}
	return false
}

// Entry describes a single file declared by the remote manifest
type Entry struct {
	Hash     string   // lowercase hex MD5 of the file content
	Category Category // bucket the entry belongs to
	Path     string   // slash separated, relative to the content root
}

// Manifest is the parsed remote file catalog
type Manifest struct {
	// Entries holds every entry in the order the remote listed them.
	Entries []Entry

	Shared []Entry
	ETS2   []Entry
	ATS    []Entry
}

// Bucket returns the entries of the given category in manifest order
func (m *Manifest) Bucket(c Category) []Entry {
	switch c {
	case CategoryShared:
		return m.Shared
	case CategoryETS2:
		return m.ETS2
	case CategoryATS:
		return m.ATS
	}
	return nil
}

type rawManifest struct {
	Files *[]rawEntry `json:"Files"`
}

type rawEntry struct {
	Md5      string `json:"Md5"`
	Type     string `json:"Type"`
	FilePath string `json:"FilePath"`
}

// Parse decodes a manifest document. Every failure wraps ErrMalformed.
func Parse(raw []byte) (*Manifest, error) {
	var doc rawManifest
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.Files == nil {
		return nil, fmt.Errorf("%w: missing Files list", ErrMalformed)
	}

	entries := make([]Entry, 0, len(*doc.Files))
	for i, f := range *doc.Files {
		entry, err := f.toEntry()
		if err != nil {
			return nil, fmt.Errorf("%w: file %d: %v", ErrMalformed, i, err)
		}
		entries = append(entries, entry)
	}

	m := Partition(entries)
	return m, nil
}

func (f rawEntry) toEntry() (Entry, error) {
	if f.Md5 == "" {
		return Entry{}, errors.New("missing Md5")
	}
	if !validHash(f.Md5) {
		return Entry{}, fmt.Errorf("invalid Md5 %q: want %d lowercase hex characters", f.Md5, hashLen)
	}
	if f.Type == "" {
		return Entry{}, errors.New("missing Type")
	}
	category := Category(f.Type)
	if !category.Valid() {
		return Entry{}, fmt.Errorf("unknown Type %q", f.Type)
	}
	path, err := NormalizePath(f.FilePath)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Hash:     f.Md5,
		Category: category,
		Path:     path,
	}, nil
}

// hashLen is the length of a hex encoded MD5 digest
const hashLen = 32

// validHash reports whether h is a hex MD5 digest as produced by the remote.
// Uppercase digits are rejected so that hashes compare byte for byte.
func validHash(h string) bool {
	if len(h) != hashLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Partition splits entries into their category buckets, keeping the input order.
func Partition(entries []Entry) *Manifest {
	m := &Manifest{Entries: entries}
	for _, e := range entries {
		switch e.Category {
		case CategoryShared:
			m.Shared = append(m.Shared, e)
		case CategoryETS2:
			m.ETS2 = append(m.ETS2, e)
		case CategoryATS:
			m.ATS = append(m.ATS, e)
		}
	}
	return m
}

// NormalizePath turns a manifest path into a slash separated path relative to the
// content root. A single leading separator is stripped; anything that could still
// resolve outside the root is rejected.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", errors.New("empty FilePath")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute FilePath %q", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return "", fmt.Errorf("FilePath %q has a volume prefix", p)
	}

	segments := strings.Split(p, "/")
	clean := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "..":
			return "", fmt.Errorf("FilePath %q escapes the content root", p)
		case "", ".":
			continue
		}
		clean = append(clean, seg)
	}
	if len(clean) == 0 {
		return "", fmt.Errorf("FilePath %q names no file", p)
	}
	return strings.Join(clean, "/"), nil
}
