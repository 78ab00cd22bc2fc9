package medfed

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// AggregatorConfig tunes the robust aggregation.
type AggregatorConfig struct {
	// MaxIterations caps the Weiszfeld outer loop.
	MaxIterations int

	// ConvergenceEpsilon is the movement threshold that stops the loop.
	ConvergenceEpsilon float64

	// EpsilonFloor replaces a zero distance during inverse-distance
	// reweighting.
	EpsilonFloor float64

	// Parallelism bounds the worker fan-out for per-participant distance
	// computation. Defaults to GOMAXPROCS.
	Parallelism int
}

// RobustAggregator fuses participant parameter vectors into a consensus
// vector using the weighted geometric median. Unlike the arithmetic mean,
// whose breakdown point is zero, the geometric median tolerates up to just
// under half the participants being arbitrarily corrupted.
type RobustAggregator struct {
	cfg AggregatorConfig
}

// NewRobustAggregator creates an aggregator, backfilling zero-valued config
// fields with the engine defaults.
func NewRobustAggregator(cfg AggregatorConfig) *RobustAggregator {
	def := DefaultEngineConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.ConvergenceEpsilon <= 0 {
		cfg.ConvergenceEpsilon = def.ConvergenceEpsilon
	}
	if cfg.EpsilonFloor <= 0 {
		cfg.EpsilonFloor = def.EpsilonFloor
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	return &RobustAggregator{cfg: cfg}
}

// WeightedMean returns the sample-weighted arithmetic mean of the vectors.
// It is the Weiszfeld initializer and is also useful as a baseline in
// robustness comparisons.
func (a *RobustAggregator) WeightedMean(vectors [][]float64, weights []float64) ([]float64, error) {
	if err := checkInputs(vectors, weights); err != nil {
		return nil, err
	}
	dim := len(vectors[0])
	total := 0.0
	for _, w := range weights {
		total += w
	}
	out := make([]float64, dim)
	for i, vec := range vectors {
		w := weights[i] / total
		for j, v := range vec {
			out[j] += w * v
		}
	}
	return out, nil
}

// GeometricMedian computes the weighted geometric median via Weiszfeld's
// algorithm and reports the iteration count consumed. A single vector is
// returned as-is with zero iterations. Exceeding the iteration cap without
// the estimate settling returns a ConvergenceError.
func (a *RobustAggregator) GeometricMedian(vectors [][]float64, weights []float64) ([]float64, int, error) {
	if err := checkInputs(vectors, weights); err != nil {
		return nil, 0, err
	}
	if len(vectors) == 1 {
		out := make([]float64, len(vectors[0]))
		copy(out, vectors[0])
		return out, 0, nil
	}

	estimate, err := a.WeightedMean(vectors, weights)
	if err != nil {
		return nil, 0, err
	}

	dim := len(estimate)
	next := make([]float64, dim)
	iterWeights := make([]float64, len(vectors))
	movement := math.Inf(1)

	// The outer loop is inherently sequential: each iteration reweights
	// against the previous estimate. Only the per-participant distance
	// computation inside it fans out.
	for iter := 1; iter <= a.cfg.MaxIterations; iter++ {
		dists := a.distances(vectors, estimate)

		totalW := 0.0
		for i, d := range dists {
			if d < a.cfg.EpsilonFloor {
				d = a.cfg.EpsilonFloor
			}
			iterWeights[i] = weights[i] / d
			totalW += iterWeights[i]
		}

		for j := range next {
			next[j] = 0
		}
		for i, vec := range vectors {
			w := iterWeights[i] / totalW
			for j, v := range vec {
				next[j] += w * v
			}
		}

		movement = euclideanDistance(next, estimate)
		copy(estimate, next)

		if movement < a.cfg.ConvergenceEpsilon {
			return estimate, iter, nil
		}
	}

	return nil, a.cfg.MaxIterations, &ConvergenceError{
		Iterations: a.cfg.MaxIterations,
		Movement:   movement,
		Epsilon:    a.cfg.ConvergenceEpsilon,
	}
}

// Distances returns each vector's Euclidean distance to the reference point,
// fanning out across workers for large inputs.
func (a *RobustAggregator) Distances(vectors [][]float64, ref []float64) ([]float64, error) {
	for i, vec := range vectors {
		if len(vec) != len(ref) {
			return nil, &ValidationError{Field: "vectors",
				Reason: fmt.Sprintf("vector %d has dimension %d, want %d", i, len(vec), len(ref))}
		}
	}
	return a.distances(vectors, ref), nil
}

const parallelDistanceThreshold = 1 << 16 // flops below this stay serial

func (a *RobustAggregator) distances(vectors [][]float64, ref []float64) []float64 {
	out := make([]float64, len(vectors))
	if len(vectors)*len(ref) < parallelDistanceThreshold || a.cfg.Parallelism <= 1 {
		for i, vec := range vectors {
			out[i] = euclideanDistance(vec, ref)
		}
		return out
	}

	workers := a.cfg.Parallelism
	if workers > len(vectors) {
		workers = len(vectors)
	}
	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = euclideanDistance(vectors[i], ref)
			}
		}()
	}
	for i := range vectors {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

func euclideanDistance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func checkInputs(vectors [][]float64, weights []float64) error {
	if len(vectors) == 0 {
		return &ValidationError{Field: "vectors", Reason: "no input vectors"}
	}
	if len(vectors) != len(weights) {
		return &ValidationError{Field: "weights",
			Reason: fmt.Sprintf("%d weights for %d vectors", len(weights), len(vectors))}
	}
	dim := len(vectors[0])
	if dim == 0 {
		return &ValidationError{Field: "vectors", Reason: "zero-dimensional vectors"}
	}
	for i, vec := range vectors {
		if len(vec) != dim {
			return &ValidationError{Field: "vectors",
				Reason: fmt.Sprintf("vector %d has dimension %d, want %d", i, len(vec), dim)}
		}
	}
	for i, w := range weights {
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return &ValidationError{Field: "weights",
				Reason: fmt.Sprintf("weight %d is %v, must be positive and finite", i, w)}
		}
	}
	return nil
}
