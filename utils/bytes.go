package utils

// MakeFixedLengthBytes creates a byte slice of the given length containing
// the string's bytes. If the string is shorter than length, the remainder is
// filled with pad; if longer, the string is truncated.
//
// Parameters:
//   - str: The string to convert to bytes
//   - length: The fixed length of the resulting byte slice
//   - pad: The byte used to fill the tail of short strings
//
// Returns:
//   - A byte slice of length bytes with the string content (padded or truncated)
func MakeFixedLengthBytes(str string, length int, pad byte) []byte {
	if length <= 0 {
		return []byte{}
	}

	b := make([]byte, length)
	n := copy(b, str)
	for i := n; i < length; i++ {
		b[i] = pad
	}

	return b
}

// CloneBytes returns a copy of b that shares no memory with it. A nil input
// yields an empty, non-nil slice.
//
// Parameters:
//   - b: The bytes to copy
//
// Returns:
//   - A new slice with the same contents as b
func CloneBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
