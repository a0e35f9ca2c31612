package driver

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnabledSim(t *testing.T) *Sim {
	t.Helper()
	s := NewSim()
	require.NoError(t, s.Connect())
	require.NoError(t, s.Enable())
	return s
}

func TestSimConvergesOnTargets(t *testing.T) {
	s := newEnabledSim(t)
	target := [NumJoints]float64{0.2, -0.2, 0.1, 0, 0.3, -0.1}
	require.NoError(t, s.SendJointTargets(target, 0))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Feedback()
		settled := true
		for i := range target {
			if math.Abs(snap.Q[i]-target[i]) > 0.01 || math.Abs(snap.DQ[i]) > 0.05 {
				settled = false
			}
		}
		if settled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never settled: %v", s.Feedback().Q)
}

func TestSimJogIntegratesPosition(t *testing.T) {
	s := newEnabledSim(t)
	require.NoError(t, s.StartJointVelocity(2, 1.0))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.StopJointVelocity(2))

	snap := s.Feedback()
	assert.Greater(t, snap.Q[2], 0.02, "jog must advance the joint")
	assert.Equal(t, 0.0, snap.Q[0], "other joints unaffected")

	// Stopping pins the target at the stop position, so the joint stays put.
	q := snap.Q[2]
	time.Sleep(50 * time.Millisecond)
	assert.InDelta(t, q, s.Feedback().Q[2], 1e-6)
}

func TestSimEStopFreezes(t *testing.T) {
	s := newEnabledSim(t)
	require.NoError(t, s.SendJointTargets([NumJoints]float64{1, 1, 1, 1, 1, 1}, 0))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.EStop())

	q := s.Feedback().Q
	assert.Greater(t, q[0], 0.0, "motion had started before the stop")
	time.Sleep(50 * time.Millisecond)
	after := s.Feedback().Q
	for i := range q {
		assert.InDelta(t, q[i], after[i], 1e-6, "joint %d crept after estop", i)
	}
}

func TestSimHomingZeroesJoints(t *testing.T) {
	s := newEnabledSim(t)
	require.NoError(t, s.SendJointTargets([NumJoints]float64{1, 1, 1, 1, 1, 1}, 0))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.HomeJoints(context.Background(), []int{0, 3}))
	snap := s.Feedback()
	assert.InDelta(t, 0, snap.Q[0], 1e-9)
	assert.InDelta(t, 0, snap.Q[3], 1e-9)
	assert.Greater(t, snap.Q[1], 0.0, "unhomed joint keeps its position")
}

func TestSimHomingHonorsContext(t *testing.T) {
	s := newEnabledSim(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.HomeJoints(ctx, []int{0}))
}

func TestSimDisabledDoesNotMove(t *testing.T) {
	s := NewSim()
	require.NoError(t, s.Connect())
	require.NoError(t, s.SendJointTargets([NumJoints]float64{1, 1, 1, 1, 1, 1}, 0))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, [NumJoints]float64{}, s.Feedback().Q)
}

func TestSimGripperClamp(t *testing.T) {
	s := newEnabledSim(t)
	require.NoError(t, s.SetGripperPosition(1.7))
	assert.Equal(t, 1.0, s.Feedback().Gripper)
	require.NoError(t, s.CloseGripper())
	assert.Equal(t, 0.0, s.Feedback().Gripper)
}
