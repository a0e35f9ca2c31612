package driver

// Axes 4 and 5 drive the wrist through a mechanical differential: the two
// motors move together for pitch and against each other for roll. The
// forward transform takes joint angles to motor shaft angles; after it, a
// sign inversion for mounting orientation is applied to the inverted motor
// set. The inverse undoes both, so decode(encode(q)) is exact up to
// floating error.

// jointToMotor converts joint-space angles to motor shaft angles.
func jointToMotor(q [NumJoints]float64, coupled bool, inverted [NumJoints]bool) [NumJoints]float64 {
	m := q
	if coupled {
		m[4] = q[4] + q[5]
		m[5] = -q[4] + q[5]
	}
	for i := range m {
		if inverted[i] {
			m[i] = -m[i]
		}
	}
	return m
}

// motorToJoint converts motor shaft angles back to joint-space angles.
func motorToJoint(m [NumJoints]float64, coupled bool, inverted [NumJoints]bool) [NumJoints]float64 {
	q := m
	for i := range q {
		if inverted[i] {
			q[i] = -q[i]
		}
	}
	if coupled {
		m4, m5 := q[4], q[5]
		q[4] = (m4 - m5) / 2
		q[5] = (m4 + m5) / 2
	}
	return q
}
