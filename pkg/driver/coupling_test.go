package driver

import (
	"math"
	"testing"
)

func TestCouplingRoundTrip(t *testing.T) {
	inverted := [NumJoints]bool{1: true, 2: true, 4: true, 5: true}

	// decode(encode(q)) must recover the pair within floating tolerance
	// across the full joint range.
	const steps = 37
	for a := 0; a < steps; a++ {
		for b := 0; b < steps; b++ {
			j4 := -math.Pi + 2*math.Pi*float64(a)/(steps-1)
			j5 := -math.Pi + 2*math.Pi*float64(b)/(steps-1)
			q := [NumJoints]float64{0.1, -0.2, 0.3, -0.4, j4, j5}

			m := jointToMotor(q, true, inverted)
			back := motorToJoint(m, true, inverted)
			for i := range q {
				if math.Abs(back[i]-q[i]) > 1e-9 {
					t.Fatalf("round trip joint %d: %v -> %v -> %v", i, q[i], m[i], back[i])
				}
			}
		}
	}
}

func TestCouplingForward(t *testing.T) {
	var noInvert [NumJoints]bool

	q := [NumJoints]float64{0, 0, 0, 0, 0.5, 0.25}
	m := jointToMotor(q, true, noInvert)
	if got, want := m[4], 0.75; math.Abs(got-want) > 1e-12 {
		t.Errorf("motor4 = %v, want %v", got, want)
	}
	if got, want := m[5], -0.25; math.Abs(got-want) > 1e-12 {
		t.Errorf("motor5 = %v, want %v", got, want)
	}
}

func TestCouplingDisabledIsIdentity(t *testing.T) {
	var noInvert [NumJoints]bool
	q := [NumJoints]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	if jointToMotor(q, false, noInvert) != q {
		t.Error("uncoupled forward transform must be identity")
	}
	if motorToJoint(q, false, noInvert) != q {
		t.Error("uncoupled inverse transform must be identity")
	}
}

func TestInversionAppliesAfterCoupling(t *testing.T) {
	inverted := [NumJoints]bool{4: true}
	q := [NumJoints]float64{0, 0, 0, 0, 0.5, 0.25}
	m := jointToMotor(q, true, inverted)
	if got, want := m[4], -0.75; math.Abs(got-want) > 1e-12 {
		t.Errorf("inverted motor4 = %v, want %v", got, want)
	}
}
