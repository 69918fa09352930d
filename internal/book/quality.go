package book

// qualityWindow keeps the last n invariant observations and a running count of
// how many held, so the score can be refreshed in O(1) per observation.
type qualityWindow struct {
	spreadOK []bool
	midOK    []bool
	next     int
	filled   bool
	spreadN  int
	midN     int
	score    float64
}

func newQualityWindow(n int) *qualityWindow {
	return &qualityWindow{
		spreadOK: make([]bool, n),
		midOK:    make([]bool, n),
		score:    1.0,
	}
}

// observe records whether bid < ask and bid <= mid <= ask held before any
// adjustment was applied.
func (q *qualityWindow) observe(spreadOK, midOK bool) {
	if q.filled {
		if q.spreadOK[q.next] {
			q.spreadN--
		}
		if q.midOK[q.next] {
			q.midN--
		}
	}
	q.spreadOK[q.next] = spreadOK
	q.midOK[q.next] = midOK
	if spreadOK {
		q.spreadN++
	}
	if midOK {
		q.midN++
	}

	q.next++
	if q.next == len(q.spreadOK) {
		q.next = 0
		q.filled = true
	}

	if q.filled {
		n := float64(len(q.spreadOK))
		q.score = 0.5*float64(q.spreadN)/n + 0.5*float64(q.midN)/n
	}
}
