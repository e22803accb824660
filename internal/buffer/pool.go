package buffer

import "sync"

// Size is the length of pooled read buffers
const Size = 8192

// Pool provides a pool of socket read buffers for reuse
var Pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, Size)
	},
}

// Get retrieves a buffer from the pool
func Get() []byte {
	return Pool.Get().([]byte)
}

// Put returns a buffer to the pool. Decoders copy frame bodies out of read
// buffers, so a buffer can be returned as soon as the read loop exits.
func Put(buf []byte) {
	if cap(buf) >= Size {
		Pool.Put(buf[:cap(buf)])
	}
}
