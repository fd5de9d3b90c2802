package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlot/parkinglot/task"
)

func TestDeliverFetchOrderPreserved(t *testing.T) {
	m := NewMemory[string]()
	key := task.MailboxKey{Tenant: "acme", UserID: "u1"}

	p1, p2, p3 := "r1", "r2", "r3"
	require.NoError(t, m.Deliver(key, task.StatusOf(task.Completed), &p1, 10))
	require.NoError(t, m.Deliver(key, task.StatusOf(task.Completed), &p2, 20))
	require.NoError(t, m.Deliver(key, task.StatusOf(task.Completed), &p3, 30))

	msgs, err := m.Fetch(key, nil, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "r1", *msgs[0].Payload)
	assert.Equal(t, "r2", *msgs[1].Payload)
	assert.Equal(t, "r3", *msgs[2].Payload)
}

func TestFetchUnknownKeyReturnsEmpty(t *testing.T) {
	m := NewMemory[string]()
	msgs, err := m.Fetch(task.MailboxKey{Tenant: "nope"}, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotNil(t, msgs)
}

func TestFetchSinceFiltersOlderMessages(t *testing.T) {
	m := NewMemory[string]()
	key := task.MailboxKey{Tenant: "acme"}
	p1, p2 := "early", "late"
	require.NoError(t, m.Deliver(key, task.StatusOf(task.Completed), &p1, 10))
	require.NoError(t, m.Deliver(key, task.StatusOf(task.Completed), &p2, 50))

	since := int64(30)
	msgs, err := m.Fetch(key, &since, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", *msgs[0].Payload)
}

func TestFetchRespectsLimit(t *testing.T) {
	m := NewMemory[string]()
	key := task.MailboxKey{Tenant: "acme"}
	for i := 0; i < 5; i++ {
		p := "x"
		require.NoError(t, m.Deliver(key, task.StatusOf(task.Completed), &p, int64(i)))
	}
	msgs, err := m.Fetch(key, nil, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestDeliverDistinctKeysDoNotMix(t *testing.T) {
	m := NewMemory[string]()
	k1 := task.MailboxKey{Tenant: "a"}
	k2 := task.MailboxKey{Tenant: "b"}
	p1, p2 := "one", "two"
	require.NoError(t, m.Deliver(k1, task.StatusOf(task.Completed), &p1, 1))
	require.NoError(t, m.Deliver(k2, task.StatusOf(task.Completed), &p2, 1))

	msgs1, _ := m.Fetch(k1, nil, 0)
	msgs2, _ := m.Fetch(k2, nil, 0)
	require.Len(t, msgs1, 1)
	require.Len(t, msgs2, 1)
	assert.Equal(t, "one", *msgs1[0].Payload)
	assert.Equal(t, "two", *msgs2[0].Payload)
}
