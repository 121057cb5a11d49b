package model

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func tinyLeNet(t *testing.T, seed int64, opts ...Option) *Network {
	t.Helper()
	opts = append([]Option{WithWidth(0.1)}, opts...)
	net, err := Build(LeNet, Shape{Rows: 16, Cols: 16, Channels: 1}, 3, seed, 1, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return net
}

func randomBatch(t *testing.T, n int, shape Shape, classes []int, outputs int, seed int64) Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, n*shape.Size())
	for i := range data {
		data[i] = rng.Float64()
	}
	labels, err := OneHot(classes, outputs)
	if err != nil {
		t.Fatalf("OneHot: %v", err)
	}
	return Batch{Features: mat.NewDense(n, shape.Size(), data), Labels: labels}
}

func TestBuildDeterministic(t *testing.T) {
	a := tinyLeNet(t, 7).Params()
	b := tinyLeNet(t, 7).Params()
	if len(a) != len(b) {
		t.Fatalf("param counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			t.Fatalf("param %d differs: %v vs %v", i, a[i], b[i])
		}
	}
	c := tinyLeNet(t, 8).Params()
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical parameters")
	}
}

func TestBuildUnknownArchitecture(t *testing.T) {
	_, err := Build(Architecture(99), Shape{Rows: 16, Cols: 16, Channels: 1}, 3, 1, 1)
	if !errors.Is(err, ErrUnknownArchitecture) {
		t.Fatalf("expected ErrUnknownArchitecture, got %v", err)
	}
	if _, err := ParseArchitecture("ResNet"); !errors.Is(err, ErrUnknownArchitecture) {
		t.Fatalf("expected ErrUnknownArchitecture, got %v", err)
	}
	arch, err := ParseArchitecture("vggnetd")
	if err != nil || arch != VGGNetD {
		t.Fatalf("ParseArchitecture(vggnetd) = %v, %v", arch, err)
	}
}

func TestBuildEveryArchitecture(t *testing.T) {
	cases := []struct {
		arch  Architecture
		shape Shape
	}{
		{LeNet, Shape{Rows: 16, Cols: 16, Channels: 3}},
		{AlexNet, Shape{Rows: 67, Cols: 67, Channels: 3}},
		{VGGNetA, Shape{Rows: 32, Cols: 32, Channels: 3}},
		{VGGNetD, Shape{Rows: 32, Cols: 32, Channels: 3}},
	}
	for _, tc := range cases {
		net, err := Build(tc.arch, tc.shape, 5, 1, 1, WithWidth(1.0/32))
		if err != nil {
			t.Fatalf("%s: %v", tc.arch, err)
		}
		last := net.Layer(net.NumLayers() - 1)
		if last.ID != "output" || last.Kind != "output" {
			t.Fatalf("%s: last layer %+v", tc.arch, last)
		}
		b := randomBatch(t, 2, tc.shape, []int{0, 4}, 5, 3)
		out, err := net.Output(b.Features)
		if err != nil {
			t.Fatalf("%s: Output: %v", tc.arch, err)
		}
		if r, c := out.Dims(); r != 2 || c != 5 {
			t.Fatalf("%s: output dims %dx%d", tc.arch, r, c)
		}
	}
}

func TestVGGLayerIDs(t *testing.T) {
	net, err := Build(VGGNetD, Shape{Rows: 32, Cols: 32, Channels: 3}, 4, 1, 1, WithWidth(1.0/64))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ids := map[string]bool{}
	for _, l := range net.Layers() {
		ids[l.ID] = true
	}
	for _, id := range []string{"cnn1", "cnn2", "cnn3", "cnn4", "cnn13", "ffn1", "ffn2", "output"} {
		if !ids[id] {
			t.Fatalf("missing layer %s", id)
		}
	}
}

func TestBuildRejectsSmallInput(t *testing.T) {
	if _, err := Build(LeNet, Shape{Rows: 8, Cols: 8, Channels: 1}, 3, 1, 1); err == nil {
		t.Fatal("expected error for 8x8 LeNet input")
	}
}

func TestLeNetParamCounts(t *testing.T) {
	net, err := Build(LeNet, Shape{Rows: 28, Cols: 28, Channels: 1}, 10, 123, 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := map[string]int{"cnn1": 520, "pool1": 0, "cnn2": 25050, "pool2": 0, "ffn1": 400500, "output": 5010}
	total := 0
	for _, l := range net.Layers() {
		if l.NumParams != want[l.ID] {
			t.Fatalf("layer %s: %d params, want %d", l.ID, l.NumParams, want[l.ID])
		}
		total += l.NumParams
	}
	if total != net.NumParams() {
		t.Fatalf("layer params sum %d, network %d", total, net.NumParams())
	}
}

func TestOutputIsDistribution(t *testing.T) {
	net := tinyLeNet(t, 1)
	b := randomBatch(t, 4, Shape{Rows: 16, Cols: 16, Channels: 1}, []int{0, 1, 2, 0}, 3, 2)
	out, err := net.Output(b.Features)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	for i := 0; i < 4; i++ {
		sum := 0.0
		for _, v := range out.RawRowView(i) {
			if v < 0 || v > 1 {
				t.Fatalf("probability out of range: %f", v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("row %d sums to %f", i, sum)
		}
	}
}

func TestFitReducesScore(t *testing.T) {
	net := tinyLeNet(t, 3, WithLearningRate(0.02))
	b := randomBatch(t, 4, Shape{Rows: 16, Cols: 16, Channels: 1}, []int{0, 1, 2, 1}, 3, 4)
	if err := net.SetInput(b.Features); err != nil {
		t.Fatal(err)
	}
	if err := net.SetLabels(b.Labels); err != nil {
		t.Fatal(err)
	}
	if err := net.ComputeGradientAndScore(); err != nil {
		t.Fatal(err)
	}
	before := net.Score()
	var seen []int
	net.SetListeners(ListenerFunc(func(_ Model, it int) { seen = append(seen, it) }))
	for i := 0; i < 30; i++ {
		if err := net.Fit(b); err != nil {
			t.Fatalf("Fit: %v", err)
		}
	}
	if err := net.ComputeGradientAndScore(); err != nil {
		t.Fatal(err)
	}
	if after := net.Score(); after >= before {
		t.Fatalf("expected score to decrease; before=%f after=%f", before, after)
	}
	if len(seen) != 30 || seen[29] != 30 {
		t.Fatalf("listener saw iterations %v", seen)
	}
}

func TestFitRejectsWrongShape(t *testing.T) {
	net := tinyLeNet(t, 1)
	b := randomBatch(t, 2, Shape{Rows: 8, Cols: 8, Channels: 1}, []int{0, 1}, 3, 1)
	if err := net.Fit(b); err == nil {
		t.Fatal("expected shape error")
	}
}

func TestLayerParamsRoundTrip(t *testing.T) {
	net := tinyLeNet(t, 1)
	p, err := net.LayerParams("cnn2")
	if err != nil {
		t.Fatalf("LayerParams: %v", err)
	}
	for i := range p {
		p[i] = float64(i)
	}
	if err := net.SetLayerParams("cnn2", p); err != nil {
		t.Fatalf("SetLayerParams: %v", err)
	}
	got, _ := net.LayerParams("cnn2")
	if got[len(got)-1] != float64(len(got)-1) {
		t.Fatalf("layer params not written")
	}
	if err := net.SetLayerParams("cnn2", p[:1]); err == nil {
		t.Fatal("expected length error")
	}
	if _, err := net.LayerParams("nope"); err == nil {
		t.Fatal("expected unknown layer error")
	}
}

func TestBatchSplit(t *testing.T) {
	b := randomBatch(t, 10, Shape{Rows: 2, Cols: 2, Channels: 1}, []int{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}, 3, 1)
	head, tail, err := b.Split(8)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if head.Len() != 8 || tail.Len() != 2 {
		t.Fatalf("split sizes %d/%d", head.Len(), tail.Len())
	}
	if got := tail.Classes(); got[0] != 2 || got[1] != 0 {
		t.Fatalf("tail classes %v", got)
	}
	if _, _, err := b.Split(10); err == nil {
		t.Fatal("expected error for empty tail")
	}
}
