package carve

// Extent is the resolved size of a candidate starting at a header match.
type Extent struct {
	// Length is the number of bytes from the header's first byte.
	Length int

	// Terminated is true when the footer was found. A false value on a
	// descriptor with a footer means the candidate was cut at the size
	// bound or at the end of the buffer.
	Terminated bool
}

// Resolve computes the extent of the candidate whose header starts at
// offset. The footer is searched for after the header; when found, its
// position decides the length regardless of the size bound. Otherwise the
// candidate spans the size bound. The result never reaches past the end of
// buf, and an offset outside buf yields an empty extent.
func Resolve(buf []byte, offset int, d Descriptor) Extent {
	if offset < 0 || offset > len(buf) {
		return Extent{}
	}

	remaining := len(buf) - offset
	bounded := max(min(d.MaxSize, remaining), 0)

	if d.Footer.Mode == FooterNone || len(d.Footer.Pattern) == 0 {
		return Extent{Length: bounded}
	}

	start := offset + len(d.Header)
	if start > len(buf) {
		return Extent{Length: bounded}
	}

	f := Index(buf[start:], d.Footer.Pattern)
	if f < 0 {
		return Extent{Length: bounded}
	}

	length := len(d.Header) + f
	if d.Footer.Mode == FooterInclusive {
		length += len(d.Footer.Pattern)
	}
	return Extent{Length: min(length, remaining), Terminated: true}
}
