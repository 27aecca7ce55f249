package audiotransport

// Swap16 swaps the byte order of 16-bit samples in place.
// A trailing odd byte is left untouched.
func Swap16(buf []byte) {
	for i := 0; i+1 < len(buf); i += 2 {
		buf[i], buf[i+1] = buf[i+1], buf[i]
	}
}
