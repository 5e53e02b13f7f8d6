package protocol

// IsPureASCIIText reports whether every byte is printable ASCII (32..126),
// a line feed or a carriage return. An empty buffer is pure.
//
// The controller occasionally delivers binary or corrupted notifications;
// callers drop those frames instead of decoding them.
func IsPureASCIIText(data []byte) bool {
	for _, b := range data {
		if (b < 32 || b > 126) && b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}
