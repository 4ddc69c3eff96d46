package violation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ErrorOrNil_Empty(t *testing.T) {
	var c Collector
	assert.NoError(t, c.ErrorOrNil())
}

func TestCollector_AccumulatesInOrder(t *testing.T) {
	var c Collector
	c.ReportViolation(New(OffsetOverflow, "first"))
	c.ReportViolation(New(NegativeAck, "second"))

	err := c.ErrorOrNil()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
	assert.Regexp(t, `(?s)first.*second`, err.Error())
}
