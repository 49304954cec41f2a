package transaction

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource is injectable so backoff jitter is deterministic in tests.
type RandomSource interface {
	Float64() float64
}

type realRandom struct{}

func (realRandom) Float64() float64 { return rand.Float64() }

const (
	// redoBackoffBase and redoJitter follow the same
	// i * base^max(0,n-threshold) * (1+random*jitter) shape used for
	// retransmit backoff, applied here to the redo timer.
	redoBackoffBase      = 1.6
	redoBackoffThreshold = 1
	redoJitter           = 0.25
)

// BackoffCalculator grows the redo interval with each retry attempt.
type BackoffCalculator struct {
	Base   time.Duration
	Max    time.Duration
	Random RandomSource
}

// Calculate returns the redo interval to use before retry attempt n (n>=1).
func (b *BackoffCalculator) Calculate(n int) time.Duration {
	if b.Random == nil {
		b.Random = realRandom{}
	}
	exp := n - redoBackoffThreshold
	if exp < 0 {
		exp = 0
	}
	factor := math.Pow(redoBackoffBase, float64(exp))
	jitter := 1 + b.Random.Float64()*redoJitter
	d := time.Duration(float64(b.Base) * factor * jitter)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
