package book

import "time"

// rateMeter measures level writes per second over consecutive batches of n
// writes. Rate holds the last completed measurement.
type rateMeter struct {
	n       int
	count   int
	started time.Time
	rate    float64
	now     func() time.Time
}

func newRateMeter(n int, now func() time.Time) *rateMeter {
	return &rateMeter{n: n, now: now}
}

func (m *rateMeter) add(writes int) {
	for ; writes > 0; writes-- {
		if m.count == 0 {
			m.started = m.now()
		}
		m.count++
		if m.count == m.n {
			elapsed := m.now().Sub(m.started).Seconds()
			if elapsed > 0 {
				m.rate = float64(m.n) / elapsed
			}
			m.count = 0
		}
	}
}
