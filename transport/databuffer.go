package transport

import "sync"

// dataBufferSizes are the pool size classes for LogEvent.Data buffers,
// smallest first. A buffer is always drawn from the smallest class that
// fits the request.
var dataBufferSizes = []int{256, 1024, 4096}

var dataBufferPools = newDataBufferPools()

func newDataBufferPools() []sync.Pool {
	pools := make([]sync.Pool, len(dataBufferSizes))
	for i := range pools {
		size := dataBufferSizes[i]
		pools[i].New = func() interface{} {
			return make([]byte, size)
		}
	}
	return pools
}

// newDataBuffer returns a buffer of at least n bytes from the pool.
func newDataBuffer(n int) []byte {
	for i, size := range dataBufferSizes {
		if n <= size {
			b := dataBufferPools[i].Get().([]byte)
			return b[:size]
		}
	}
	return make([]byte, n)
}

// freeDataBuffer returns b to the pool it was drawn from, if any.
func freeDataBuffer(b []byte) {
	n := cap(b)
	for i, size := range dataBufferSizes {
		if n == size {
			dataBufferPools[i].Put(b[:size])
			return
		}
	}
}
