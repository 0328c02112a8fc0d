package kstat

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersProfileRoundTrips(t *testing.T) {
	var c Counters
	c.PageFaults.Add(3)
	c.IPCMessagesSent.Add(5)

	var buf bytes.Buffer
	require.NoError(t, c.WriteProfile(&buf))
	require.NotZero(t, buf.Len())

	s := c.String()
	require.Contains(t, s, "page_faults")
	require.Contains(t, s, "3")
}

func TestNewLoggerDoesNotPanic(t *testing.T) {
	log := NewLogger("test")
	log.Info("hello", "k", "v")
}
