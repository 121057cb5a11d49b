package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrDiverged is returned by Fit when the loss stops being finite.
var ErrDiverged = errors.New("model: score diverged")

// Network is a feed-forward CNN trained with softmax cross-entropy and SGD
// with momentum. All parameters live in one flat vector so they can be
// introspected, perturbed and persisted as a whole.
type Network struct {
	spec    Spec
	layers  []layer
	offsets []int

	params   []float64
	grads    []float64
	velocity []float64
	// weightMask marks the entries of params subject to L2 decay.
	weightMask []bool

	input  *mat.Dense
	labels *mat.Dense
	score  float64

	listeners []IterationListener
	iteration int
}

// New constructs and initializes a network from spec. Initialization is
// deterministic in spec.Seed.
func New(spec Spec) (*Network, error) {
	specs, err := topology(spec)
	if err != nil {
		return nil, err
	}
	if spec.Input.Size() <= 0 {
		return nil, errors.Errorf("model: invalid input shape %s", spec.Input)
	}
	if spec.Outputs <= 0 {
		return nil, errors.Errorf("model: outputs must be > 0 (got %d)", spec.Outputs)
	}
	if spec.Iterations <= 0 {
		spec.Iterations = 1
	}

	net := &Network{spec: spec}
	shape := spec.Input
	total := 0
	for _, ls := range specs {
		l, err := ls.build(shape)
		if err != nil {
			return nil, errors.Wrapf(err, "model %s", spec.Architecture)
		}
		net.layers = append(net.layers, l)
		net.offsets = append(net.offsets, total)
		total += l.numParams()
		shape = l.outShape()
	}

	net.params = make([]float64, total)
	net.grads = make([]float64, total)
	net.velocity = make([]float64, total)
	net.weightMask = make([]bool, total)
	rng := rand.New(rand.NewSource(spec.Seed))
	for i, l := range net.layers {
		off := net.offsets[i]
		end := off + l.numParams()
		l.bind(net.params[off:end], net.grads[off:end])
		l.init(rng)
		for j := off; j < off+l.numWeights(); j++ {
			net.weightMask[j] = true
		}
	}
	return net, nil
}

// Spec returns the construction parameters of the network.
func (n *Network) Spec() Spec { return n.spec }

func (n *Network) NumParams() int  { return len(n.params) }
func (n *Network) NumOutputs() int { return n.spec.Outputs }
func (n *Network) NumLayers() int  { return len(n.layers) }
func (n *Network) Score() float64  { return n.score }

// Iteration is the number of optimizer steps taken so far.
func (n *Network) Iteration() int { return n.iteration }

func (n *Network) Layer(i int) LayerInfo {
	l := n.layers[i]
	return LayerInfo{
		Index:     i,
		ID:        l.id(),
		Kind:      l.kind().String(),
		NumParams: l.numParams(),
		Offset:    n.offsets[i],
	}
}

// Layers lists every layer in order.
func (n *Network) Layers() []LayerInfo {
	out := make([]LayerInfo, len(n.layers))
	for i := range n.layers {
		out[i] = n.Layer(i)
	}
	return out
}

func (n *Network) layerByID(id string) (int, error) {
	for i, l := range n.layers {
		if l.id() == id {
			return i, nil
		}
	}
	return 0, errors.Errorf("model: no layer %q", id)
}

// LayerParams returns a copy of the parameters of the named layer.
func (n *Network) LayerParams(id string) ([]float64, error) {
	i, err := n.layerByID(id)
	if err != nil {
		return nil, err
	}
	off := n.offsets[i]
	return append([]float64(nil), n.params[off:off+n.layers[i].numParams()]...), nil
}

// SetLayerParams overwrites the parameters of the named layer.
func (n *Network) SetLayerParams(id string, p []float64) error {
	i, err := n.layerByID(id)
	if err != nil {
		return err
	}
	if want := n.layers[i].numParams(); len(p) != want {
		return errors.Errorf("model: layer %s has %d params, got %d", id, want, len(p))
	}
	copy(n.params[n.offsets[i]:], p)
	return nil
}

func (n *Network) Params() []float64 {
	return append([]float64(nil), n.params...)
}

func (n *Network) SetParams(p []float64) error {
	if len(p) != len(n.params) {
		return errors.Errorf("model: expected %d params, got %d", len(n.params), len(p))
	}
	copy(n.params, p)
	return nil
}

func (n *Network) Gradient() []float64 {
	return append([]float64(nil), n.grads...)
}

func (n *Network) SetInput(x *mat.Dense) error {
	if x == nil {
		return errors.New("model: nil input")
	}
	if _, c := x.Dims(); c != n.spec.Input.Size() {
		return errors.Errorf("model: input has %d features, want %d", c, n.spec.Input.Size())
	}
	n.input = x
	return nil
}

func (n *Network) SetLabels(y *mat.Dense) error {
	if y == nil {
		return errors.New("model: nil labels")
	}
	if _, c := y.Dims(); c != n.spec.Outputs {
		return errors.Errorf("model: labels have %d columns, want %d", c, n.spec.Outputs)
	}
	n.labels = y
	return nil
}

func (n *Network) SetListeners(ls ...IterationListener) {
	n.listeners = append([]IterationListener(nil), ls...)
}

func (n *Network) forward(x *mat.Dense) *mat.Dense {
	for _, l := range n.layers {
		x = l.forward(x)
	}
	return x
}

func (n *Network) Output(features *mat.Dense) (*mat.Dense, error) {
	if features == nil {
		return nil, errors.New("model: nil input")
	}
	if _, c := features.Dims(); c != n.spec.Input.Size() {
		return nil, errors.Errorf("model: input has %d features, want %d", c, n.spec.Input.Size())
	}
	out := n.forward(features)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		softmax(out.RawRowView(i))
	}
	return out, nil
}

func (n *Network) ComputeGradientAndScore() error {
	if n.input == nil || n.labels == nil {
		return errors.New("model: input and labels must be set before computing the gradient")
	}
	rows, _ := n.input.Dims()
	if lr, _ := n.labels.Dims(); lr != rows {
		return errors.Errorf("model: %d input rows but %d label rows", rows, lr)
	}
	for i := range n.grads {
		n.grads[i] = 0
	}

	logits := n.forward(n.input)
	delta := mat.NewDense(rows, n.spec.Outputs, nil)
	inv := 1 / float64(rows)
	loss := 0.0
	for i := 0; i < rows; i++ {
		z := logits.RawRowView(i)
		y := n.labels.RawRowView(i)
		d := delta.RawRowView(i)
		lse := logSumExp(z)
		mass := floats.Sum(y)
		for c, v := range z {
			loss -= y[c] * (v - lse)
			d[c] = (math.Exp(v-lse)*mass - y[c]) * inv
		}
	}

	g := delta
	for i := len(n.layers) - 1; i >= 0; i-- {
		g = n.layers[i].backward(g, i > 0)
	}

	penalty, reg := n.Regularization()
	floats.Add(n.grads, reg)
	n.score = loss*inv + penalty
	return nil
}

// Regularization is the L2 term 0.5*l2*sum(w^2) over weights and its gradient.
func (n *Network) Regularization() (float64, []float64) {
	grad := make([]float64, len(n.params))
	if n.spec.L2 == 0 {
		return 0, grad
	}
	sum := 0.0
	for i, w := range n.params {
		if n.weightMask[i] {
			sum += w * w
			grad[i] = n.spec.L2 * w
		}
	}
	return 0.5 * n.spec.L2 * sum, grad
}

// Fit runs spec.Iterations optimizer steps on b.
func (n *Network) Fit(b Batch) error {
	if err := n.SetInput(b.Features); err != nil {
		return err
	}
	if err := n.SetLabels(b.Labels); err != nil {
		return err
	}
	lr := n.spec.LearningRate
	mu := n.spec.Momentum
	for it := 0; it < n.spec.Iterations; it++ {
		if err := n.ComputeGradientAndScore(); err != nil {
			return err
		}
		if math.IsNaN(n.score) || math.IsInf(n.score, 0) {
			return errors.Wrapf(ErrDiverged, "iteration %d", n.iteration+1)
		}
		for i, g := range n.grads {
			n.velocity[i] = mu*n.velocity[i] - lr*g
			n.params[i] += n.velocity[i]
		}
		n.iteration++
		for _, l := range n.listeners {
			l.IterationDone(n, n.iteration)
		}
	}
	return nil
}

func logSumExp(z []float64) float64 {
	m := floats.Max(z)
	sum := 0.0
	for _, v := range z {
		sum += math.Exp(v - m)
	}
	return m + math.Log(sum)
}

func softmax(logits []float64) {
	maxLogit := floats.Max(logits)
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		logits[i] = e
		sum += e
	}
	floats.Scale(1/sum, logits)
}
