package appender

import "fmt"

// Truncate drops the last n NEW insertions from the in-memory series
// metadata, in reverse insertion order. Tar bytes are never rewritten;
// only metadata is pruned, a metadata-only undo for recovering from a
// partial write. The caller is responsible for re-syncing afterward.
func (a *Appender) Truncate(n int) error {
	if n < 0 {
		return fmt.Errorf("appender: truncate: n must be >= 0, got %d", n)
	}
	keys := a.Meta.Keys()
	if n > len(keys) {
		return fmt.Errorf("appender: truncate: n=%d exceeds %d tracked instances", n, len(keys))
	}
	for i := 0; i < n; i++ {
		key := keys[len(keys)-1-i]
		a.Meta.Delete(key)
	}
	return nil
}
