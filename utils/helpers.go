// Package utils provides small byte-handling helpers shared by the VFS
// backends, adapted from the teacher's utils package (CloneBytes kept
// verbatim; format-sniffing and dimension scaling moved to the packages
// that actually need them — resample and microscope).
package utils

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
