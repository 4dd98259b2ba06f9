package congestion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/strand/pkg/channel"
)

// TestStaticWindowClamp verifies the window is clamped to half a term
func TestStaticWindowClamp(t *testing.T) {
	c := NewStaticWindow(128*1024, 65536)
	assert.Equal(t, int32(32768), c.InitialWindowLength())
	assert.Equal(t, c.InitialWindowLength(), c.MaxWindowLength())

	c = NewStaticWindow(16*1024, 1024*1024)
	assert.Equal(t, int32(16*1024), c.InitialWindowLength())
}

// TestStaticWindowForcesStatusMessage verifies the quarter-window trigger
func TestStaticWindowForcesStatusMessage(t *testing.T) {
	c := NewStaticWindow(4096, 65536)

	window, force := c.OnTrackRebuild(0, 100, 0, 200, false)
	assert.Equal(t, int32(4096), window)
	assert.False(t, force)

	_, force = c.OnTrackRebuild(0, 2000, 0, 4000, false)
	assert.True(t, force)
}

// TestSelectDelayGenerator verifies the group-inferable rule: INFER
// resolves from the first transport's multicast-ness, force flags override
func TestSelectDelayGenerator(t *testing.T) {
	tests := []struct {
		name          string
		group         channel.InferableBool
		firstMulticast bool
		wantRandom    bool
	}{
		{name: "infer unicast", group: channel.Infer, firstMulticast: false, wantRandom: false},
		{name: "infer multicast", group: channel.Infer, firstMulticast: true, wantRandom: true},
		{name: "forced group on unicast", group: channel.ForceTrue, firstMulticast: false, wantRandom: true},
		{name: "forced ungrouped on multicast", group: channel.ForceFalse, firstMulticast: true, wantRandom: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := SelectDelayGenerator(tt.group, tt.firstMulticast)
			_, isRandom := gen.(*RandomizedDelayGenerator)
			assert.Equal(t, tt.wantRandom, isRandom)
		})
	}
}

// TestRandomizedDelayBounds verifies generated delays stay in range
func TestRandomizedDelayBounds(t *testing.T) {
	gen := NewRandomizedDelayGenerator(100, 1000)
	for i := 0; i < 100; i++ {
		delay := gen.Generate()
		assert.GreaterOrEqual(t, delay, int64(100))
		assert.Less(t, delay, int64(1000))
	}
}
