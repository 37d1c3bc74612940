package cache

// snapshot is an immutable generation of settled values. It is never
// mutated after publication, so readers need no locking.
type snapshot[K comparable, V any] struct {
	m map[K]V
}

// newSnapshot wraps m; a nil map yields an empty snapshot.
// Ownership of m passes to the snapshot.
func newSnapshot[K comparable, V any](m map[K]V) *snapshot[K, V] {
	if m == nil {
		m = map[K]V{}
	}
	return &snapshot[K, V]{m: m}
}

func (s *snapshot[K, V]) get(k K) (V, bool) {
	v, ok := s.m[k]
	return v, ok
}

func (s *snapshot[K, V]) len() int { return len(s.m) }
