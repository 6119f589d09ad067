package idxspec

// MultikeyPaths tracks, per indexed field (by position in the key
// pattern), the set of array-containing path components encountered at
// indexing time (spec §3). An index is multikey overall iff any component
// set is non-empty, or a single document produced more than one key.
type MultikeyPaths struct {
	// Components[i] is the set of path-component indices (0-based, into
	// KeyPattern[i].Path) that were observed to traverse an array.
	Components []map[int]bool
}

func NewMultikeyPaths(n int) MultikeyPaths {
	comps := make([]map[int]bool, n)
	for i := range comps {
		comps[i] = map[int]bool{}
	}
	return MultikeyPaths{Components: comps}
}

func (m MultikeyPaths) IsMultikey() bool {
	for _, c := range m.Components {
		if len(c) > 0 {
			return true
		}
	}
	return false
}

// Merge folds other into m in place, taking the union of every component
// set. Used by catalog.SetMultikey, which must be idempotent and
// monotonic: once multikey at a path, an index stays multikey at that
// path until dropped (spec §8 "Multikey monotonicity").
func (m MultikeyPaths) Merge(other MultikeyPaths) (changed bool) {
	for i := range m.Components {
		if i >= len(other.Components) {
			continue
		}
		for k := range other.Components[i] {
			if !m.Components[i][k] {
				m.Components[i][k] = true
				changed = true
			}
		}
	}
	return changed
}

func (m MultikeyPaths) Clone() MultikeyPaths {
	out := NewMultikeyPaths(len(m.Components))
	for i, c := range m.Components {
		for k := range c {
			out.Components[i][k] = true
		}
	}
	return out
}
