package serial

// Transport is the duplex byte stream the listener reads from. Port implements
// it for real serial devices; tests substitute in-memory fakes.
//
// Implementations must never block forever: Read blocks at most for an
// internal timeout and may return a short or empty result with a nil error.
type Transport interface {
	// IsOpen reports whether the device is open and usable.
	IsOpen() bool
	// Read returns up to max bytes. An empty result with a nil error means
	// the internal timeout elapsed with no data available.
	Read(max int) ([]byte, error)
	// Write writes p and returns the number of bytes written.
	Write(p []byte) (int, error)
	// Available returns the number of bytes readable without blocking.
	Available() (int, error)
}
