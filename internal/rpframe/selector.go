package rpframe

import (
	"os"
	"sort"
	"time"

	"golang.org/x/xerrors"
)

// ErrNoAnimations means the asset root holds no animation directories at
// all. Fatal at startup: a server with nothing to serve shouldn't accept
// traffic.
var ErrNoAnimations = xerrors.New("no animations found under asset directory")

// DiscoverAnimations enumerates the animation ids available under the asset
// root, one subdirectory per id, sorted so that daily selection is stable.
func DiscoverAnimations(assetDir string) ([]string, error) {
	dirEntries, err := os.ReadDir(assetDir)
	if err != nil {
		return nil, xerrors.Errorf("error reading asset directory %q: %w", assetDir, err)
	}

	var ids []string
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			ids = append(ids, dirEntry.Name())
		}
	}

	if len(ids) == 0 {
		return nil, ErrNoAnimations
	}

	sort.Strings(ids)
	return ids, nil
}

// EpochDays returns the number of whole days elapsed since the Unix epoch at
// time t. Injected into SelectForDay directly so tests never need to mock a
// clock.
func EpochDays(t time.Time) int {
	return int(t.UTC().Unix() / (24 * 60 * 60))
}

// SelectForDay picks today's animation: a pure function of the day number, a
// configurable offset (mainly for staging and tests), and the sorted id
// list. The same day always yields the same selection, and advancing by
// exactly len(sortedIDs) days wraps around to the same id.
func SelectForDay(sortedIDs []string, epochDays, offsetDays int) string {
	i := (epochDays + offsetDays) % len(sortedIDs)
	if i < 0 {
		i += len(sortedIDs)
	}
	return sortedIDs[i]
}
