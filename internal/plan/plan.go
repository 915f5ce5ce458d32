package plan

import (
	"fmt"

	"github.com/schaermu/contentsyncd/internal/manifest"
)

// Profile selects which non-shared bucket of the manifest is synchronized
type Profile string

const (
	ProfileETS2 Profile = "ets2"
	ProfileATS  Profile = "ats"
)

// ParseProfile validates a profile name
func ParseProfile(s string) (Profile, error) {
	p := Profile(s)
	if _, err := p.category(); err != nil {
		return "", err
	}
	return p, nil
}

func (p Profile) category() (manifest.Category, error) {
	switch p {
	case ProfileETS2:
		return manifest.CategoryETS2, nil
	case ProfileATS:
		return manifest.CategoryATS, nil
	}
	return "", fmt.Errorf("invalid profile %q (must be ets2 or ats)", string(p))
}

// WorkingSet is the ordered list of entries reconciled by one sync run
type WorkingSet []manifest.Entry

// Paths returns the relative paths of the working set in order
func (ws WorkingSet) Paths() []string {
	paths := make([]string, len(ws))
	for i, e := range ws {
		paths[i] = e.Path
	}
	return paths
}

// Plan computes the working set for a profile: the shared bucket followed by the
// profile's bucket, manifest order within each, deduplicated by path with the
// first occurrence winning.
func Plan(m *manifest.Manifest, p Profile) (WorkingSet, error) {
	category, err := p.category()
	if err != nil {
		return nil, err
	}

	shared := m.Bucket(manifest.CategoryShared)
	selected := m.Bucket(category)

	ws := make(WorkingSet, 0, len(shared)+len(selected))
	seen := make(map[string]bool, cap(ws))
	for _, bucket := range [][]manifest.Entry{shared, selected} {
		for _, e := range bucket {
			if seen[e.Path] {
				continue
			}
			seen[e.Path] = true
			ws = append(ws, e)
		}
	}

	return ws, nil
}
