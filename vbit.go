package seraph

// VBit is three-valued logic: VOID dominates unless a definite operand
// already proves the result.
type VBit uint8

const (
	VFalse VBit = 0
	VTrue  VBit = 1
	VVoid  VBit = 2
)

func (v VBit) String() string {
	switch v {
	case VFalse:
		return "FALSE"
	case VTrue:
		return "TRUE"
	}
	return "VOID"
}

func (v VBit) IsVoid() bool { return v != VTrue && v != VFalse }

// Bool collapses to Go's two-valued logic; VOID collapses to false.
func (v VBit) Bool() bool { return v == VTrue }

func VBitOf(b bool) VBit {
	if b {
		return VTrue
	}
	return VFalse
}

// And: false AND void = false, true AND void = void.
func (v VBit) And(o VBit) VBit {
	if v == VFalse || o == VFalse {
		return VFalse
	}
	if v == VTrue && o == VTrue {
		return VTrue
	}
	return VVoid
}

// Or: true OR void = true, false OR void = void.
func (v VBit) Or(o VBit) VBit {
	if v == VTrue || o == VTrue {
		return VTrue
	}
	if v == VFalse && o == VFalse {
		return VFalse
	}
	return VVoid
}

func (v VBit) Not() VBit {
	switch v {
	case VTrue:
		return VFalse
	case VFalse:
		return VTrue
	}
	return VVoid
}
