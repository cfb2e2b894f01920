package router

import (
	"sort"
	"unsafe"
)

// lockRouters locks every distinct router in rs, in ascending order of
// memory address, and returns an unlock function that releases them in
// reverse order. Ordering by address is what makes any operation that
// touches two or more routers (local-peer delivery, bridge, bypass)
// deadlock-free: two goroutines racing to lock the same pair always agree
// on which one goes first. Up to four routers may be locked at once (a
// bridge bypass with two local outward peers).
func lockRouters(rs ...*Router) (unlock func()) {
	uniq := make([]*Router, 0, len(rs))
	seen := make(map[*Router]bool, len(rs))
	for _, r := range rs {
		if r == nil || seen[r] {
			continue
		}
		seen[r] = true
		uniq = append(uniq, r)
	}
	sort.Slice(uniq, func(i, j int) bool { return routerAddr(uniq[i]) < routerAddr(uniq[j]) })
	for _, r := range uniq {
		r.mu.Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			uniq[i].mu.Unlock()
		}
	}
}

func routerAddr(r *Router) uintptr { return uintptr(unsafe.Pointer(r)) }
