package ringbuf

import "math"

// Ringbuf is a simple circular buffer to calculate the average value of a series.
type Ringbuf struct {
	buf []float64
	p   int
	s   int
}

func NewRingbuf(size int) *Ringbuf {
	return &Ringbuf{
		s: size,
	}
}

// Add appends v, dropping the oldest value when full. NaN and Inf are ignored.
func (r *Ringbuf) Add(v float64) {
	if r.s <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	if len(r.buf) < r.s {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.p] = v
	r.p = (r.p + 1) % r.s
}

// Mean is NaN while the buffer is empty.
func (r *Ringbuf) Mean() float64 {
	var sum float64
	for _, v := range r.buf {
		sum += v
	}
	return sum / float64(len(r.buf))
}

func (r *Ringbuf) Len() int {
	return len(r.buf)
}

func (r *Ringbuf) Reset() {
	r.buf = r.buf[:0]
	r.p = 0
}
