package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingRetainsInsertionOrderUnderCapacity(t *testing.T) {
	r := NewRing(5)
	r.Record(Event{Kind: Submit, TaskID: 1})
	r.Record(Event{Kind: Start, TaskID: 1})
	r.Record(Event{Kind: Complete, TaskID: 1})

	snap := r.Snapshot()
	assert.Equal(t, []Kind{Submit, Start, Complete}, kinds(snap))
}

func TestRingOverwritesOldestPastCapacity(t *testing.T) {
	r := NewRing(3)
	r.Record(Event{Kind: Submit, TaskID: 1})
	r.Record(Event{Kind: Enqueue, TaskID: 2})
	r.Record(Event{Kind: Wake, TaskID: 3})
	r.Record(Event{Kind: Complete, TaskID: 4})

	snap := r.Snapshot()
	assert.Len(t, snap, 3)
	assert.Equal(t, []Kind{Enqueue, Wake, Complete}, kinds(snap))
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}
