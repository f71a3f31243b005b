// Package merge resolves local and remote copies of the same collection.
// Resolution is per record: the copy with the later update stamp wins whole,
// and a tie keeps the local copy.
package merge

import (
	"time"
	"unicode/utf16"
)

// Record is anything with a natural key and a last-modified stamp.
// Stamp falls back to creation time, then to the Unix epoch.
type Record interface {
	Key() string
	Stamp() time.Time
}

// Newer returns remote only when it is strictly newer than local.
func Newer[T Record](local, remote T) T {
	if remote.Stamp().After(local.Stamp()) {
		return remote
	}
	return local
}

// Records merges remote into local. Local order is kept, records only the
// remote side knows are appended in remote order.
func Records[T Record](local, remote []T) []T {
	merged := make([]T, 0, len(local)+len(remote))
	index := make(map[string]int, len(local)+len(remote))

	for _, rec := range local {
		key := rec.Key()
		if i, ok := index[key]; ok {
			merged[i] = Newer(merged[i], rec)
			continue
		}
		index[key] = len(merged)
		merged = append(merged, rec)
	}

	for _, rec := range remote {
		key := rec.Key()
		if i, ok := index[key]; ok {
			merged[i] = Newer(merged[i], rec)
			continue
		}
		index[key] = len(merged)
		merged = append(merged, rec)
	}

	return merged
}

// Singleton resolves a single-document collection. A nil side loses.
func Singleton[T Record](local, remote *T) *T {
	switch {
	case remote == nil:
		return local
	case local == nil:
		return remote
	}
	winner := Newer(*local, *remote)
	return &winner
}

// StableProductID derives a product id from its name for remote products that
// arrive without one. The hash runs over the name's UTF-16 code units, untrimmed,
// so every till derives the same positive id for the same name.
func StableProductID(name string) int64 {
	var hash int32
	for _, unit := range utf16.Encode([]rune(name)) {
		hash = (hash << 5) - hash + int32(unit)
	}
	id := int64(hash)
	if id < 0 {
		id = -id
	}
	if id == 0 {
		id = 1
	}
	return id
}
