package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/replaykit/replaykit/storage"
)

const (
	// artifactPrefix names checkpoint objects; the timestamp suffix makes
	// lexicographic order chronological.
	artifactPrefix = "checkpoint-"

	// latestMarker points at the newest complete artifact. It is written
	// after the artifact itself, so a reader following it never sees a
	// partial checkpoint.
	latestMarker = "LATEST"

	nameTimeLayout = "20060102T150405.000000000"
)

// Save encodes snap and writes it to store, then moves the LATEST marker.
// Returns the artifact name.
func Save(ctx context.Context, store storage.Store, codec Codec, snap *Snapshot) (string, error) {
	data, err := Encode(snap, codec)
	if err != nil {
		return "", err
	}
	name := artifactPrefix + snap.CreatedAt.UTC().Format(nameTimeLayout)
	if err := store.Put(ctx, name, data); err != nil {
		return "", fmt.Errorf("checkpoint: write artifact %s: %w", name, err)
	}
	if err := store.Put(ctx, latestMarker, []byte(name)); err != nil {
		return "", fmt.Errorf("checkpoint: write latest marker: %w", err)
	}
	return name, nil
}

// Load reads and decodes the named artifact.
func Load(ctx context.Context, store storage.Store, name string) (*Snapshot, error) {
	data, err := store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read artifact %s: %w", name, err)
	}
	return Decode(data)
}

// LoadLatest follows the LATEST marker. Returns storage.ErrNotFound
// (wrapped) when no checkpoint has ever been saved.
func LoadLatest(ctx context.Context, store storage.Store) (*Snapshot, error) {
	marker, err := store.Get(ctx, latestMarker)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read latest marker: %w", err)
	}
	return Load(ctx, store, strings.TrimSpace(string(marker)))
}

// List returns the artifact names in chronological order.
func List(ctx context.Context, store storage.Store) ([]string, error) {
	names, err := store.List(ctx, artifactPrefix)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list artifacts: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Prune deletes all but the newest keep artifacts. The artifact the LATEST
// marker points at is never deleted.
func Prune(ctx context.Context, store storage.Store, keep int) error {
	if keep < 1 {
		return fmt.Errorf("checkpoint: keep must be >= 1, got %d", keep)
	}
	names, err := List(ctx, store)
	if err != nil {
		return err
	}
	if len(names) <= keep {
		return nil
	}

	var latest string
	if marker, err := store.Get(ctx, latestMarker); err == nil {
		latest = strings.TrimSpace(string(marker))
	}

	for _, name := range names[:len(names)-keep] {
		if name == latest {
			continue
		}
		if err := store.Delete(ctx, name); err != nil {
			return fmt.Errorf("checkpoint: prune %s: %w", name, err)
		}
	}
	return nil
}
