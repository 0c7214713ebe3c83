package utils

// FixedWidthString returns str truncated or right-padded with spaces so the
// result is exactly width bytes long.
//
// Parameters:
//   - str: The string to normalize
//   - width: The width of the result; non-positive widths yield ""
//
// Returns:
//   - The fixed-width form of str
func FixedWidthString(str string, width int) string {
	return string(MakeFixedLengthBytes(str, width, ' '))
}
