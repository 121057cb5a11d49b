package model

import "log"

// IterationListener is notified after every optimizer iteration.
type IterationListener interface {
	IterationDone(m Model, iteration int)
}

// ListenerFunc adapts a function to IterationListener.
type ListenerFunc func(m Model, iteration int)

func (f ListenerFunc) IterationDone(m Model, iteration int) { f(m, iteration) }

// ScoreListener logs the model score every Every iterations.
type ScoreListener struct {
	Every int
}

func (l ScoreListener) IterationDone(m Model, iteration int) {
	every := l.Every
	if every <= 0 {
		every = 1
	}
	if iteration%every == 0 {
		log.Printf("iteration=%d score=%.6f", iteration, m.Score())
	}
}
