package gradcheck

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"convnet-forge/internal/model"
)

var shape = model.Shape{Rows: 16, Cols: 16, Channels: 1}

func freshModel(t *testing.T) *model.Network {
	t.Helper()
	net, err := model.Build(model.LeNet, shape, 3, 123, 1, model.WithWidth(0.1))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return net
}

func batchOf(t *testing.T, n int) model.Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	data := make([]float64, n*shape.Size())
	for i := range data {
		data[i] = rng.Float64()
	}
	classes := make([]int, n)
	for i := range classes {
		classes[i] = i % 3
	}
	labels, err := model.OneHot(classes, 3)
	if err != nil {
		t.Fatal(err)
	}
	return model.Batch{Features: mat.NewDense(n, shape.Size(), data), Labels: labels}
}

func TestCheckPassesOnBackprop(t *testing.T) {
	net := freshModel(t)
	res, err := Check(net, batchOf(t, 10), DefaultOptions())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Pass {
		t.Fatalf("expected pass; %d failed, worst=%d rel=%g", res.Failed, res.Worst, res.RelativeErrors[res.Worst])
	}
	if len(res.RelativeErrors) != net.NumParams() {
		t.Fatalf("expected %d relative errors, got %d", net.NumParams(), len(res.RelativeErrors))
	}
}

func TestCheckDataLossOnly(t *testing.T) {
	opts := DefaultOptions()
	opts.UseOptimizerState = false
	res, err := Check(freshModel(t), batchOf(t, 4), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Fatalf("expected pass without regularization; worst=%d", res.Worst)
	}
}

func TestCheckIdempotent(t *testing.T) {
	net := freshModel(t)
	b := batchOf(t, 10)
	before := net.Params()
	first, err := Check(net, b, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Check(net, b, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if first.Pass != second.Pass || first.Worst != second.Worst {
		t.Fatalf("repeated checks disagree: %+v vs %+v", first.Pass, second.Pass)
	}
	after := net.Params()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("param %d not restored", i)
		}
	}
}

// skewed shifts the gradient of one parameter.
type skewed struct {
	*model.Network
	index int
}

func (s skewed) Gradient() []float64 {
	g := s.Network.Gradient()
	g[s.index] += 10
	return g
}

func TestCheckFailsOnWrongGradient(t *testing.T) {
	net := freshModel(t)
	target := net.NumParams() - 2
	res, err := Check(skewed{Network: net, index: target}, batchOf(t, 4), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass {
		t.Fatal("expected failure for skewed gradient")
	}
	if res.Worst != target {
		t.Fatalf("worst offender %d, want %d", res.Worst, target)
	}
}

// stuck refuses to take back the parameters it handed out.
type stuck struct {
	*model.Network
	handed []float64
}

func (s *stuck) Params() []float64 {
	s.handed = s.Network.Params()
	return s.handed
}

func (s *stuck) SetParams(p []float64) error {
	if len(p) > 0 && len(s.handed) > 0 && &p[0] == &s.handed[0] {
		return errors.New("read-only")
	}
	return s.Network.SetParams(p)
}

func TestCheckReportsFailedRestore(t *testing.T) {
	_, err := Check(&stuck{Network: freshModel(t)}, batchOf(t, 2), DefaultOptions())
	if err == nil {
		t.Fatal("expected restore error")
	}
}

func TestRelativeError(t *testing.T) {
	if got := RelativeError(1, 0.9, 1e-6); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("RelativeError(1,0.9)=%g", got)
	}
	if got := RelativeError(0, 0, 1e-6); got != 0 {
		t.Fatalf("RelativeError(0,0)=%g", got)
	}
	if got := RelativeError(1e-9, -1e-9, 1e-6); got > 0.01 {
		t.Fatalf("tiny gradients should be floored, got %g", got)
	}
}

func TestCheckRejectsBadEpsilon(t *testing.T) {
	_, err := Check(freshModel(t), batchOf(t, 2), Options{})
	if err == nil || errors.Is(err, ErrGradientCheck) {
		t.Fatalf("expected option error, got %v", err)
	}
}
