package store

import (
	"context"
	"os"
	"sort"
	"strings"
)

// Stats holds storage statistics.
type Stats struct {
	DBPath      string        `json:"db_path,omitempty"`
	DBSizeBytes int64         `json:"db_size_bytes"`
	TotalKeys   int           `json:"total_keys"`
	ValueBytes  int64         `json:"value_bytes"`
	Prefixes    []PrefixStats `json:"prefixes"`
}

// PrefixStats holds per-prefix counts. The prefix is the part of the key up to
// and including the first ':' or the whole key when there is none.
type PrefixStats struct {
	Prefix string `json:"prefix"`
	Count  int    `json:"count"`
	Bytes  int64  `json:"bytes"`
}

// CollectStats walks every key in s.
func CollectStats(ctx context.Context, s Store) (*Stats, error) {
	st := &Stats{}
	if sq, ok := s.(*SQLiteStore); ok {
		st.DBPath = sq.Path()
		if info, err := os.Stat(sq.Path()); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}

	keys, err := s.Keys(ctx, "")
	if err != nil {
		return st, err
	}
	byPrefix := make(map[string]*PrefixStats)
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if err != nil {
			continue
		}
		p := k
		if i := strings.IndexByte(k, ':'); i >= 0 {
			p = k[:i+1]
		}
		ps, ok := byPrefix[p]
		if !ok {
			ps = &PrefixStats{Prefix: p}
			byPrefix[p] = ps
		}
		ps.Count++
		ps.Bytes += int64(len(v))
		st.TotalKeys++
		st.ValueBytes += int64(len(v))
	}

	for _, ps := range byPrefix {
		st.Prefixes = append(st.Prefixes, *ps)
	}
	sort.Slice(st.Prefixes, func(i, j int) bool {
		if st.Prefixes[i].Count != st.Prefixes[j].Count {
			return st.Prefixes[i].Count > st.Prefixes[j].Count
		}
		return st.Prefixes[i].Prefix < st.Prefixes[j].Prefix
	})
	return st, nil
}
