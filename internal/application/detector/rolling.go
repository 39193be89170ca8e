package detector

// rolling is a fixed-size window of samples with a running sum.
type rolling struct {
	buf  []float64
	next int
	full bool
	sum  float64
}

func newRolling(size int) *rolling {
	return &rolling{buf: make([]float64, size)}
}

func (r *rolling) add(v float64) {
	if r.full {
		r.sum -= r.buf[r.next]
	}
	r.buf[r.next] = v
	r.sum += v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *rolling) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *rolling) mean() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}
