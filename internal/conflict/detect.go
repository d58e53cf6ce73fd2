// Package conflict finds colliding histories between a local and a remote
// event set and picks winners with deterministic policies.
//
// A conflict is data, not an error: callers receive []event.ConflictInfo and
// decide how (and whether) to resolve it.
package conflict

import (
	"cmp"
	"slices"

	"github.com/roach88/offsync/internal/event"
)

type versionKey struct {
	aggregateID string
	version     int64
}

// Detect compares local events against remote events.
//
// A concurrent_edit conflict is reported for every (local, remote) pair with
// the same aggregate and version, different node ids, and at least one data
// key in common. Fields holds the shared keys, sorted.
//
// A checksum_mismatch conflict is reported when a remote event carries the
// same id as a local event but a different checksum, or when a remote event
// paired with a local one fails checksum verification. Fields then holds
// every key of either side, sorted.
//
// Remote events are indexed by (aggregateId, version), so detection is linear
// in the input plus the number of colliding pairs. The result is ordered by
// aggregate id, version and local clock.
func Detect(local, remote []event.DomainEvent) []event.ConflictInfo {
	if len(local) == 0 || len(remote) == 0 {
		return []event.ConflictInfo{}
	}

	byID := make(map[string]event.DomainEvent, len(remote))
	byVersion := make(map[versionKey][]event.DomainEvent)
	sortedRemote := slices.Clone(remote)
	event.SortByClock(sortedRemote)
	for _, r := range sortedRemote {
		byID[r.ID] = r
		k := versionKey{r.AggregateID, r.Version}
		byVersion[k] = append(byVersion[k], r)
	}

	sortedLocal := slices.Clone(local)
	slices.SortStableFunc(sortedLocal, func(a, b event.DomainEvent) int {
		return cmp.Or(
			cmp.Compare(a.AggregateID, b.AggregateID),
			cmp.Compare(a.Version, b.Version),
			cmp.Compare(a.Clock, b.Clock),
			cmp.Compare(a.ID, b.ID),
		)
	})

	conflicts := []event.ConflictInfo{}
	for _, l := range sortedLocal {
		if r, ok := byID[l.ID]; ok {
			if r.Checksum != l.Checksum || !verified(r) {
				conflicts = append(conflicts, mismatch(l, r))
			}
		}

		for _, r := range byVersion[versionKey{l.AggregateID, l.Version}] {
			if r.ID == l.ID || r.NodeID == l.NodeID {
				continue
			}
			if !verified(r) {
				conflicts = append(conflicts, mismatch(l, r))
				continue
			}
			if fields := sharedKeys(l.Data, r.Data); len(fields) > 0 {
				conflicts = append(conflicts, event.ConflictInfo{
					AggregateID: l.AggregateID,
					Fields:      fields,
					LocalEvent:  l,
					RemoteEvent: r,
					Kind:        event.KindConcurrentEdit,
				})
			}
		}
	}
	return conflicts
}

func mismatch(l, r event.DomainEvent) event.ConflictInfo {
	return event.ConflictInfo{
		AggregateID: l.AggregateID,
		Fields:      allKeys(l.Data, r.Data),
		LocalEvent:  l,
		RemoteEvent: r,
		Kind:        event.KindChecksumMismatch,
	}
}

func verified(ev event.DomainEvent) bool {
	ok, err := ev.VerifyChecksum()
	return err == nil && ok
}

func sharedKeys(a, b map[string]any) []string {
	fields := []string{}
	for k := range a {
		if _, ok := b[k]; ok {
			fields = append(fields, k)
		}
	}
	slices.Sort(fields)
	return fields
}

func allKeys(a, b map[string]any) []string {
	fields := make([]string, 0, len(a)+len(b))
	for k := range a {
		fields = append(fields, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			fields = append(fields, k)
		}
	}
	slices.Sort(fields)
	return fields
}
