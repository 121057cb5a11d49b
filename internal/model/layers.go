package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type layerKind int

const (
	kindConv layerKind = iota
	kindPool
	kindDense
	kindOutput
)

func (k layerKind) String() string {
	switch k {
	case kindConv:
		return "convolution"
	case kindPool:
		return "subsampling"
	case kindDense:
		return "dense"
	case kindOutput:
		return "output"
	}
	return fmt.Sprintf("layerKind(%d)", int(k))
}

// layer operates on batches laid out one example per row. Parameters live in
// a slice of the network's flat vector: weights first, biases after.
type layer interface {
	id() string
	kind() layerKind
	outShape() Shape
	numParams() int
	numWeights() int
	bind(params, grads []float64)
	init(rng *rand.Rand)
	forward(x *mat.Dense) *mat.Dense
	// backward accumulates parameter gradients and returns the gradient with
	// respect to the input when wantInput is set.
	backward(dy *mat.Dense, wantInput bool) *mat.Dense
}

type conv struct {
	name    string
	in, out Shape
	size    int
	stride  int
	pad     int

	w, gw *mat.Dense
	b, gb []float64

	x *mat.Dense
	y *mat.Dense
}

func newConv(name string, in Shape, filters, size, stride, pad int) (*conv, error) {
	if filters <= 0 || size <= 0 || stride <= 0 {
		return nil, errors.Errorf("layer %s: filters, size and stride must be > 0", name)
	}
	rows := (in.Rows+2*pad-size)/stride + 1
	cols := (in.Cols+2*pad-size)/stride + 1
	if in.Rows+2*pad < size || in.Cols+2*pad < size || rows <= 0 || cols <= 0 {
		return nil, errors.Errorf("layer %s: input %s too small for %dx%d kernel", name, in, size, size)
	}
	return &conv{
		name:   name,
		in:     in,
		out:    Shape{Rows: rows, Cols: cols, Channels: filters},
		size:   size,
		stride: stride,
		pad:    pad,
	}, nil
}

func (c *conv) id() string      { return c.name }
func (c *conv) kind() layerKind { return kindConv }
func (c *conv) outShape() Shape { return c.out }
func (c *conv) patch() int      { return c.size * c.size * c.in.Channels }
func (c *conv) positions() int  { return c.out.Rows * c.out.Cols }
func (c *conv) numWeights() int { return c.out.Channels * c.patch() }
func (c *conv) numParams() int  { return c.numWeights() + c.out.Channels }

func (c *conv) bind(params, grads []float64) {
	nw := c.numWeights()
	c.w = mat.NewDense(c.out.Channels, c.patch(), params[:nw])
	c.b = params[nw:c.numParams()]
	c.gw = mat.NewDense(c.out.Channels, c.patch(), grads[:nw])
	c.gb = grads[nw:c.numParams()]
}

func (c *conv) init(rng *rand.Rand) {
	std := math.Sqrt(2 / float64(c.patch()))
	initNormal(c.w.RawMatrix().Data, std, rng)
}

// im2col writes one receptive field per row of dst, ordered (ky, kx, channel)
// to match the weight layout.
func (c *conv) im2col(x, dst []float64) {
	k := c.patch()
	ch := c.in.Channels
	for oy := 0; oy < c.out.Rows; oy++ {
		for ox := 0; ox < c.out.Cols; ox++ {
			row := dst[(oy*c.out.Cols+ox)*k : (oy*c.out.Cols+ox+1)*k]
			i := 0
			for ky := 0; ky < c.size; ky++ {
				iy := oy*c.stride + ky - c.pad
				for kx := 0; kx < c.size; kx++ {
					ix := ox*c.stride + kx - c.pad
					if iy < 0 || iy >= c.in.Rows || ix < 0 || ix >= c.in.Cols {
						for j := 0; j < ch; j++ {
							row[i+j] = 0
						}
					} else {
						base := (iy*c.in.Cols + ix) * ch
						copy(row[i:i+ch], x[base:base+ch])
					}
					i += ch
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatters patch gradients back onto dx.
func (c *conv) col2im(dp, dx []float64) {
	k := c.patch()
	ch := c.in.Channels
	for oy := 0; oy < c.out.Rows; oy++ {
		for ox := 0; ox < c.out.Cols; ox++ {
			row := dp[(oy*c.out.Cols+ox)*k : (oy*c.out.Cols+ox+1)*k]
			i := 0
			for ky := 0; ky < c.size; ky++ {
				iy := oy*c.stride + ky - c.pad
				for kx := 0; kx < c.size; kx++ {
					ix := ox*c.stride + kx - c.pad
					if iy >= 0 && iy < c.in.Rows && ix >= 0 && ix < c.in.Cols {
						base := (iy*c.in.Cols + ix) * ch
						floats.Add(dx[base:base+ch], row[i:i+ch])
					}
					i += ch
				}
			}
		}
	}
}

func (c *conv) forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	out := mat.NewDense(n, c.out.Size(), nil)
	patches := mat.NewDense(c.positions(), c.patch(), nil)
	for i := 0; i < n; i++ {
		c.im2col(x.RawRowView(i), patches.RawMatrix().Data)
		y := mat.NewDense(c.positions(), c.out.Channels, out.RawRowView(i))
		y.Mul(patches, c.w.T())
		for p := 0; p < c.positions(); p++ {
			row := y.RawRowView(p)
			floats.Add(row, c.b)
			relu(row)
		}
	}
	c.x = x
	c.y = out
	return out
}

func (c *conv) backward(dy *mat.Dense, wantInput bool) *mat.Dense {
	n, _ := dy.Dims()
	dz := maskRelu(dy, c.y)
	patches := mat.NewDense(c.positions(), c.patch(), nil)
	dp := mat.NewDense(c.positions(), c.patch(), nil)
	tmp := mat.NewDense(c.out.Channels, c.patch(), nil)
	var dx *mat.Dense
	if wantInput {
		dx = mat.NewDense(n, c.in.Size(), nil)
	}
	for i := 0; i < n; i++ {
		c.im2col(c.x.RawRowView(i), patches.RawMatrix().Data)
		g := mat.NewDense(c.positions(), c.out.Channels, dz.RawRowView(i))
		tmp.Mul(g.T(), patches)
		c.gw.Add(c.gw, tmp)
		for p := 0; p < c.positions(); p++ {
			floats.Add(c.gb, g.RawRowView(p))
		}
		if wantInput {
			dp.Mul(g, c.w)
			c.col2im(dp.RawMatrix().Data, dx.RawRowView(i))
		}
	}
	return dx
}

type pool struct {
	name    string
	in, out Shape
	size    int
	stride  int

	argmax []int
}

func newPool(name string, in Shape, size, stride int) (*pool, error) {
	if size <= 0 || stride <= 0 {
		return nil, errors.Errorf("layer %s: size and stride must be > 0", name)
	}
	if in.Rows < size || in.Cols < size {
		return nil, errors.Errorf("layer %s: input %s too small for %dx%d window", name, in, size, size)
	}
	return &pool{
		name: name,
		in:   in,
		out: Shape{
			Rows:     (in.Rows-size)/stride + 1,
			Cols:     (in.Cols-size)/stride + 1,
			Channels: in.Channels,
		},
		size:   size,
		stride: stride,
	}, nil
}

func (p *pool) id() string          { return p.name }
func (p *pool) kind() layerKind     { return kindPool }
func (p *pool) outShape() Shape     { return p.out }
func (p *pool) numParams() int      { return 0 }
func (p *pool) numWeights() int     { return 0 }
func (p *pool) bind(_, _ []float64) {}
func (p *pool) init(_ *rand.Rand)   {}

func (p *pool) forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	size := p.out.Size()
	out := mat.NewDense(n, size, nil)
	p.argmax = make([]int, n*size)
	ch := p.in.Channels
	for i := 0; i < n; i++ {
		src := x.RawRowView(i)
		dst := out.RawRowView(i)
		idx := p.argmax[i*size : (i+1)*size]
		for oy := 0; oy < p.out.Rows; oy++ {
			for ox := 0; ox < p.out.Cols; ox++ {
				for c := 0; c < ch; c++ {
					best := math.Inf(-1)
					bestAt := 0
					for ky := 0; ky < p.size; ky++ {
						iy := oy*p.stride + ky
						for kx := 0; kx < p.size; kx++ {
							at := (iy*p.in.Cols+ox*p.stride+kx)*ch + c
							if src[at] > best {
								best = src[at]
								bestAt = at
							}
						}
					}
					o := (oy*p.out.Cols+ox)*ch + c
					dst[o] = best
					idx[o] = bestAt
				}
			}
		}
	}
	return out
}

func (p *pool) backward(dy *mat.Dense, wantInput bool) *mat.Dense {
	if !wantInput {
		return nil
	}
	n, _ := dy.Dims()
	size := p.out.Size()
	dx := mat.NewDense(n, p.in.Size(), nil)
	for i := 0; i < n; i++ {
		g := dy.RawRowView(i)
		dst := dx.RawRowView(i)
		for o, at := range p.argmax[i*size : (i+1)*size] {
			dst[at] += g[o]
		}
	}
	return dx
}

// dense is a fully connected layer; with output set it has no activation and
// its result is fed to the softmax loss.
type dense struct {
	name   string
	in     int
	units  int
	output bool

	w, gw *mat.Dense
	b, gb []float64

	x *mat.Dense
	y *mat.Dense
}

func newDense(name string, in Shape, units int, output bool) (*dense, error) {
	if units <= 0 {
		return nil, errors.Errorf("layer %s: units must be > 0", name)
	}
	return &dense{name: name, in: in.Size(), units: units, output: output}, nil
}

func (d *dense) id() string { return d.name }

func (d *dense) kind() layerKind {
	if d.output {
		return kindOutput
	}
	return kindDense
}

func (d *dense) outShape() Shape { return Shape{Rows: 1, Cols: 1, Channels: d.units} }
func (d *dense) numWeights() int { return d.in * d.units }
func (d *dense) numParams() int  { return d.numWeights() + d.units }

func (d *dense) bind(params, grads []float64) {
	nw := d.numWeights()
	d.w = mat.NewDense(d.in, d.units, params[:nw])
	d.b = params[nw:d.numParams()]
	d.gw = mat.NewDense(d.in, d.units, grads[:nw])
	d.gb = grads[nw:d.numParams()]
}

func (d *dense) init(rng *rand.Rand) {
	gain := 2.0
	if d.output {
		gain = 1
	}
	initNormal(d.w.RawMatrix().Data, math.Sqrt(gain/float64(d.in)), rng)
}

func (d *dense) forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	y := mat.NewDense(n, d.units, nil)
	y.Mul(x, d.w)
	for i := 0; i < n; i++ {
		row := y.RawRowView(i)
		floats.Add(row, d.b)
		if !d.output {
			relu(row)
		}
	}
	d.x = x
	d.y = y
	return y
}

func (d *dense) backward(dy *mat.Dense, wantInput bool) *mat.Dense {
	dz := dy
	if !d.output {
		dz = maskRelu(dy, d.y)
	}
	tmp := mat.NewDense(d.in, d.units, nil)
	tmp.Mul(d.x.T(), dz)
	d.gw.Add(d.gw, tmp)
	n, _ := dz.Dims()
	for i := 0; i < n; i++ {
		floats.Add(d.gb, dz.RawRowView(i))
	}
	if !wantInput {
		return nil
	}
	dx := mat.NewDense(n, d.in, nil)
	dx.Mul(dz, d.w.T())
	return dx
}

func relu(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

// maskRelu zeroes dy wherever the activation y was clamped.
func maskRelu(dy, y *mat.Dense) *mat.Dense {
	dz := mat.DenseCopyOf(dy)
	n, _ := dz.Dims()
	for i := 0; i < n; i++ {
		g := dz.RawRowView(i)
		for j, v := range y.RawRowView(i) {
			if v <= 0 {
				g[j] = 0
			}
		}
	}
	return dz
}

func initNormal(w []float64, std float64, rng *rand.Rand) {
	for i := range w {
		w[i] = rng.NormFloat64() * std
	}
}
