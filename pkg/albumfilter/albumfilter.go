// Package albumfilter resolves configured include/exclude rules against the
// albums a cycle discovers.
package albumfilter

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/HenningUe/iphoto-downloader/pkg/cloud"
)

// ErrConfiguredAlbumMissing is returned when a configured allowlist name
// does not match any discovered album of that kind.
type ErrConfiguredAlbumMissing struct {
	Name string
	Kind cloud.AlbumKind
}

func (e *ErrConfiguredAlbumMissing) Error() string {
	return fmt.Sprintf("albumfilter: configured %s album %q was not found", e.Kind, e.Name)
}

// Rules are the resolved configuration options AlbumFilter applies.
type Rules struct {
	IncludePersonal   bool
	IncludeShared     bool
	PersonalAllowlist []string
	SharedAllowlist   []string
}

// Resolve returns the subset of discovered albums that must be synced this
// cycle, in (kind, name) ascending order. It fails fast with
// ErrConfiguredAlbumMissing if an allowlist name matches no discovered
// album of that kind.
func Resolve(rules Rules, discovered []cloud.Album) ([]cloud.Album, error) {
	personal := lo.Filter(discovered, func(a cloud.Album, _ int) bool { return a.Kind == cloud.KindPersonal })
	shared := lo.Filter(discovered, func(a cloud.Album, _ int) bool { return a.Kind == cloud.KindShared })

	selectedPersonal, err := applyAllowlist(personal, rules.IncludePersonal, rules.PersonalAllowlist, cloud.KindPersonal)
	if err != nil {
		return nil, err
	}
	selectedShared, err := applyAllowlist(shared, rules.IncludeShared, rules.SharedAllowlist, cloud.KindShared)
	if err != nil {
		return nil, err
	}

	selected := append(selectedPersonal, selectedShared...)
	sortByKindThenName(selected)
	return selected, nil
}

func applyAllowlist(albums []cloud.Album, include bool, allowlist []string, kind cloud.AlbumKind) ([]cloud.Album, error) {
	if !include {
		return nil, nil
	}
	if len(allowlist) == 0 {
		return albums, nil
	}

	names := lo.Map(albums, func(a cloud.Album, _ int) string { return a.Name })
	for _, want := range allowlist {
		if !lo.Contains(names, want) {
			return nil, &ErrConfiguredAlbumMissing{Name: want, Kind: kind}
		}
	}
	return lo.Filter(albums, func(a cloud.Album, _ int) bool { return lo.Contains(allowlist, a.Name) }), nil
}

func sortByKindThenName(albums []cloud.Album) {
	// Small, deterministic slices; insertion sort keeps this dependency-free
	// and readable.
	for i := 1; i < len(albums); i++ {
		for j := i; j > 0 && less(albums[j], albums[j-1]); j-- {
			albums[j], albums[j-1] = albums[j-1], albums[j]
		}
	}
}

func less(a, b cloud.Album) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Name < b.Name
}
