package carve

import "bytes"

// FindAll returns the offset of every occurrence of pattern in buf, in
// ascending order. Overlapping occurrences are all reported. An empty
// pattern, or one longer than buf, matches nothing.
func FindAll(buf, pattern []byte) []int {
	if len(pattern) == 0 || len(pattern) > len(buf) {
		return nil
	}

	var offsets []int
	last := len(buf) - len(pattern)
	for pos := 0; pos <= last; {
		i := bytes.Index(buf[pos:], pattern)
		if i < 0 {
			break
		}
		offsets = append(offsets, pos+i)
		pos += i + 1
	}
	return offsets
}

// Index returns the offset of the first occurrence of pattern in buf, or -1.
func Index(buf, pattern []byte) int {
	if len(pattern) == 0 || len(pattern) > len(buf) {
		return -1
	}
	return bytes.Index(buf, pattern)
}
