package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fetch and convert carry different worker defaults; each command needs its
// own flag variable or the last registration overwrites both.
func TestWorkerFlagDefaults(t *testing.T) {
	ff := fetchCmd.Flags().Lookup("workers")
	require.NotNil(t, ff)
	assert.Equal(t, "4", ff.DefValue)
	assert.Equal(t, 4, fetchWorkers)

	cf := convertCmd.Flags().Lookup("workers")
	require.NotNil(t, cf)
	assert.Equal(t, "2", cf.DefValue)
	assert.Equal(t, 2, convertWorkers)

	require.NoError(t, convertCmd.Flags().Set("workers", "8"))
	assert.Equal(t, 8, convertWorkers)
	assert.Equal(t, 4, fetchWorkers, "convert flag must not touch fetch workers")
}
