package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDriver is a Driver stub that counts calls and can delay or fail
// them.
type recordingDriver struct {
	delay time.Duration
	fail  error
	snap  Snapshot
	trip  bool

	calls  atomic.Int32
	limits atomic.Int32
}

func (r *recordingDriver) op() error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.calls.Add(1)
	return r.fail
}

func (r *recordingDriver) Connect() error { return r.op() }
func (r *recordingDriver) Enable() error  { return r.op() }
func (r *recordingDriver) Disable() error { return r.op() }

func (r *recordingDriver) Home(context.Context) error              { return r.op() }
func (r *recordingDriver) HomeJoints(context.Context, []int) error { return r.op() }

func (r *recordingDriver) SendJointTargets([NumJoints]float64, float64) error { return r.op() }

func (r *recordingDriver) OpenGripper() error             { return r.op() }
func (r *recordingDriver) CloseGripper() error            { return r.op() }
func (r *recordingDriver) SetGripperPosition(float64) error { return r.op() }

func (r *recordingDriver) StartJointVelocity(int, float64) error { return r.op() }
func (r *recordingDriver) StopJointVelocity(int) error           { return r.op() }

func (r *recordingDriver) Feedback() Snapshot { return r.snap }
func (r *recordingDriver) EStop() error       { return r.op() }

func (r *recordingDriver) HandleLimits(Snapshot) bool {
	r.limits.Add(1)
	return r.trip
}

func (r *recordingDriver) Mode() string { return "REC" }

func TestCompositeWaitsForAllMembers(t *testing.T) {
	fast := &recordingDriver{}
	slow := &recordingDriver{delay: 50 * time.Millisecond}
	c := NewComposite(fast, slow)

	start := time.Now()
	require.NoError(t, c.SendJointTargets([NumJoints]float64{}, 0))
	elapsed := time.Since(start)

	assert.Equal(t, int32(1), fast.calls.Load())
	assert.Equal(t, int32(1), slow.calls.Load())
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "call must join the slow member")
}

func TestCompositeMemberErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	ok := &recordingDriver{}
	bad := &recordingDriver{fail: boom}
	c := NewComposite(ok, bad)

	err := c.Enable()
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), ok.calls.Load(), "healthy member still called")
}

func TestCompositeAuthoritativeFeedback(t *testing.T) {
	primary := &recordingDriver{snap: Snapshot{Q: [NumJoints]float64{1, 2, 3, 4, 5, 6}}, trip: true}
	secondary := &recordingDriver{snap: Snapshot{Q: [NumJoints]float64{9, 9, 9, 9, 9, 9}}}
	c := NewComposite(primary, secondary)

	assert.Equal(t, primary.snap.Q, c.Feedback().Q)
	assert.True(t, c.HandleLimits(Snapshot{}))
	assert.Equal(t, int32(1), primary.limits.Load())
	assert.Equal(t, int32(0), secondary.limits.Load(), "only the first member handles limits")
}

func TestCompositeCanSearch(t *testing.T) {
	cd := NewCan(testConfig(t, ""))
	c := NewComposite(NewSim(), cd)
	got, ok := AsCan(c)
	require.True(t, ok)
	assert.Same(t, cd, got)

	simOnly := NewComposite(NewSim())
	_, ok = AsCan(simOnly)
	assert.False(t, ok)
}

func TestCompositeEmpty(t *testing.T) {
	c := NewComposite()
	assert.Equal(t, "NONE", c.Mode())
	assert.Equal(t, Snapshot{}, c.Feedback())
	assert.False(t, c.HandleLimits(Snapshot{}))
	assert.NoError(t, c.EStop())
}
