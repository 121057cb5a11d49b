package model

// Spec holds everything needed to reconstruct a network's topology and
// optimizer. It is what checkpoints persist alongside the parameters.
type Spec struct {
	Architecture Architecture
	Input        Shape
	Outputs      int
	Seed         int64
	Iterations   int
	Width        float64
	LearningRate float64
	Momentum     float64
	L2           float64
}

const (
	defaultLearningRate = 0.01
	defaultMomentum     = 0.9
	defaultL2           = 5e-4
)

// Option adjusts optional hyperparameters of Build.
type Option func(*Spec)

// WithWidth scales every hidden filter and unit count; the output layer keeps
// its size.
func WithWidth(scale float64) Option {
	return func(s *Spec) { s.Width = scale }
}

func WithLearningRate(lr float64) Option {
	return func(s *Spec) { s.LearningRate = lr }
}

func WithMomentum(mu float64) Option {
	return func(s *Spec) { s.Momentum = mu }
}

func WithL2(l2 float64) Option {
	return func(s *Spec) { s.L2 = l2 }
}

// Build constructs an untrained network for arch. Two calls with identical
// arguments yield bit-identical initial parameters.
func Build(arch Architecture, in Shape, outputs int, seed int64, iterations int, opts ...Option) (*Network, error) {
	spec := Spec{
		Architecture: arch,
		Input:        in,
		Outputs:      outputs,
		Seed:         seed,
		Iterations:   iterations,
		Width:        1,
		LearningRate: defaultLearningRate,
		Momentum:     defaultMomentum,
		L2:           defaultL2,
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return New(spec)
}
