package registry

import (
	"sort"
	"sync"
)

// Index maps a connection to the keys it owns or waits on. It is only a
// lookup aid for disconnect cleanup; Registry stays authoritative, so the
// index may list keys the connection has since lost to lease expiry.
type Index struct {
	mu    sync.Mutex
	conns map[ConnID]map[string]struct{}
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{conns: make(map[ConnID]map[string]struct{})}
}

// Add records that conn participates in key.
func (x *Index) Add(conn ConnID, key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	keys, ok := x.conns[conn]
	if !ok {
		keys = make(map[string]struct{})
		x.conns[conn] = keys
	}
	keys[key] = struct{}{}
}

// Remove forgets key for conn.
func (x *Index) Remove(conn ConnID, key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	keys, ok := x.conns[conn]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(x.conns, conn)
	}
}

// Keys returns the keys recorded for conn in lexical order.
func (x *Index) Keys(conn ConnID) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return sortedKeys(x.conns[conn])
}

// Take removes conn from the index and returns the keys it had. Unknown
// connections yield nil.
func (x *Index) Take(conn ConnID) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	keys, ok := x.conns[conn]
	if !ok {
		return nil
	}
	delete(x.conns, conn)
	return sortedKeys(keys)
}

// Len returns the number of connections with at least one key.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.conns)
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
