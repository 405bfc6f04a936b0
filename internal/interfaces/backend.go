package interfaces

// Backend is a DMA-addressable memory region. The simulated descriptor ring
// uses one Backend as host memory (segment addresses) and another as card
// memory (memory-mapped endpoint addresses). Offsets are bus addresses.
//
// The interface mirrors io.ReaderAt and io.WriterAt.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the region in bytes.
	Size() int64

	// Close releases the region. After Close no other method may be called.
	Close() error
}

// StatBackend is an optional interface that provides region statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific statistics.
	Stats() map[string]interface{}
}
