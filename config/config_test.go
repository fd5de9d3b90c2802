package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPoolConfigValidates(t *testing.T) {
	require.NoError(t, DefaultPoolConfig().Validate())
}

func TestPoolConfigRejectsZeroMaxUnits(t *testing.T) {
	c := DefaultPoolConfig()
	c.MaxUnits = 0
	assert.Error(t, c.Validate())
}

func TestPoolConfigRejectsUnknownBackend(t *testing.T) {
	c := DefaultPoolConfig()
	c.QueueBackend = "carrier_pigeon"
	assert.Error(t, c.Validate())
}

func TestSchedulerRequiresAtLeastOnePool(t *testing.T) {
	s := Scheduler{}
	assert.Error(t, s.Validate())
}

func TestSchedulerValidatesEachPool(t *testing.T) {
	good := DefaultPoolConfig()
	bad := DefaultPoolConfig()
	bad.MaxQueueDepth = 0

	s := Scheduler{Pools: map[string]PoolConfig{"a": good, "b": bad}}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pool "b"`)
}

func TestWorkerPoolConfigDefaults(t *testing.T) {
	c := DefaultWorkerPoolConfig(0)
	require.NoError(t, c.Validate())
	assert.Equal(t, 1, c.WorkerCount)
}

func TestWorkerPoolConfigRejectsSmallStack(t *testing.T) {
	c := DefaultWorkerPoolConfig(4)
	c.ThreadStackSize = 1024
	assert.Error(t, c.Validate())
}
