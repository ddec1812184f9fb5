// Package vmsync holds the two process-wide locks that cross the
// spt/frametable/fault package boundary, per SPEC_FULL.md §5's fixed lock
// hierarchy (pin_lock, then frame_table_lock, then evict_lock). The
// frame-table lock itself stays private to package frametable — only Pin
// and Evict are acquired from more than one package, so only those two
// need a shared home.
//
// Three process-wide locks are acceptable here because the teaching
// kernel this module targets is single-node with tolerable contention
// (SPEC_FULL.md §9); a sharded or per-process design is out of scope.
package vmsync

import "sync"

// Pin guards the pinned field of every SPT entry, system-wide.
var Pin sync.Mutex

// Evict serializes install_load with itself and with eviction, so a
// loader never races the victim scanner into a half-resident frame.
var Evict sync.Mutex
