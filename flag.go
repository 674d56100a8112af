package seraph

// Perm and MessageFlag are both 16-bit flag sets; the helpers work on
// either.
type flagset interface {
	~uint16
}

func Set[T flagset](b, flag T) T       { return b | flag }
func Clear[T flagset](b, flag T) T     { return b &^ flag }
func Toggle[T flagset](b, flag T) T    { return b ^ flag }
func Has[T flagset](b, flag T) bool    { return b&flag != 0 }
func HasAll[T flagset](b, flag T) bool { return b&flag == flag }
