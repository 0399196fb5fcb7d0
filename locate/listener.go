package locate

// Listener receives advisory notifications from a running estimation. All
// callbacks fire synchronously on the calling goroutine; nil functions (or a
// nil Listener) are skipped. Callbacks must not mutate the estimator.
type Listener struct {
	OnEstimateStart func()
	OnEstimateEnd   func()
	OnIteration     func(iteration int)
	OnProgress      func(progress float64) // fraction in [0, 1]
}

func (l *Listener) notifyStart() {
	if l != nil && l.OnEstimateStart != nil {
		l.OnEstimateStart()
	}
}

func (l *Listener) notifyEnd() {
	if l != nil && l.OnEstimateEnd != nil {
		l.OnEstimateEnd()
	}
}

func (l *Listener) notifyIteration(iteration int) {
	if l != nil && l.OnIteration != nil {
		l.OnIteration(iteration)
	}
}

func (l *Listener) notifyProgress(progress float64) {
	if l != nil && l.OnProgress != nil {
		l.OnProgress(progress)
	}
}
