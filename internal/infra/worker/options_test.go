package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions_NormalizeDefaults(t *testing.T) {
	var o Options
	o.normalize()
	assert.Equal(t, 10, o.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, o.MinPoll)
	assert.Equal(t, time.Second, o.MaxPoll)
	assert.Equal(t, DefaultRetryPolicy(), o.Retry)
	assert.NotNil(t, o.Clock)

	o = Options{MinPoll: 2 * time.Second}
	o.normalize()
	assert.Equal(t, 2*time.Second, o.MaxPoll, "max poll never drops below min poll")

	o = Options{MinPoll: 10 * time.Millisecond, MaxPoll: 40 * time.Millisecond}
	o.normalize()
	assert.Equal(t, 40*time.Millisecond, o.MaxPoll)
}
