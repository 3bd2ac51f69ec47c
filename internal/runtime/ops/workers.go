package ops

import (
	"sync"
	"sync/atomic"
)

// convWorkers bounds the goroutines one convolution fans out to over output
// channels. 0 and 1 run inline.
var convWorkers atomic.Int32

// SetConvWorkers sets the per-convolution fan-out; n <= 1 disables it.
func SetConvWorkers(n int) {
	convWorkers.Store(int32(min(max(n, 0), 1<<16)))
}

// forChannels runs fn over disjoint [lo, hi) ranges of n channels.
func forChannels(n int, fn func(lo, hi int)) {
	workers := int(convWorkers.Load())
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	workers = min(workers, n)
	step := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += step {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, min(lo+step, n))
	}
	wg.Wait()
}

// scratch recycles the im2col and transposed-input buffers of the vocoder
// convolutions, which are sized by the longest utterance seen so far.
var scratch sync.Pool

func getScratch(n int) []float32 {
	if p, ok := scratch.Get().(*[]float32); ok && cap(*p) >= n {
		buf := (*p)[:n]
		clear(buf)
		return buf
	}
	return make([]float32, n)
}

func putScratch(buf []float32) {
	scratch.Put(&buf)
}
