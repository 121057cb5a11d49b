package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownArchitecture is returned for tags outside the supported family.
var ErrUnknownArchitecture = errors.New("unknown architecture")

// Architecture selects one of the supported CNN topologies.
type Architecture int

const (
	LeNet Architecture = iota + 1
	AlexNet
	VGGNetA
	VGGNetD
)

var architectureNames = map[Architecture]string{
	LeNet:   "LeNet",
	AlexNet: "AlexNet",
	VGGNetA: "VGGNetA",
	VGGNetD: "VGGNetD",
}

func (a Architecture) String() string {
	if name, ok := architectureNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Architecture(%d)", int(a))
}

// ParseArchitecture resolves a tag such as "VGGNetD", ignoring case.
func ParseArchitecture(s string) (Architecture, error) {
	for a, name := range architectureNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return a, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownArchitecture, "%q", s)
}

// Architectures lists the supported tags in declaration order.
func Architectures() []Architecture {
	return []Architecture{LeNet, AlexNet, VGGNetA, VGGNetD}
}

type layerSpec struct {
	id      string
	kind    layerKind
	filters int
	size    int
	stride  int
	pad     int
	units   int
}

func (s layerSpec) build(in Shape) (layer, error) {
	switch s.kind {
	case kindConv:
		return newConv(s.id, in, s.filters, s.size, s.stride, s.pad)
	case kindPool:
		return newPool(s.id, in, s.size, s.stride)
	case kindDense:
		return newDense(s.id, in, s.units, false)
	case kindOutput:
		return newDense(s.id, in, s.units, true)
	}
	return nil, errors.Errorf("layer %s: unsupported kind %s", s.id, s.kind)
}

// stack names layers cnnN, poolN and ffnN in order of appearance.
type stack struct {
	width  float64
	specs  []layerSpec
	counts map[layerKind]int
}

func (s *stack) scaled(n int) int {
	if s.width <= 0 || s.width == 1 {
		return n
	}
	return int(math.Max(1, math.Round(float64(n)*s.width)))
}

func (s *stack) next(k layerKind, prefix string) string {
	if s.counts == nil {
		s.counts = map[layerKind]int{}
	}
	s.counts[k]++
	return fmt.Sprintf("%s%d", prefix, s.counts[k])
}

func (s *stack) conv(filters, size, stride, pad int) *stack {
	s.specs = append(s.specs, layerSpec{
		id: s.next(kindConv, "cnn"), kind: kindConv,
		filters: s.scaled(filters), size: size, stride: stride, pad: pad,
	})
	return s
}

func (s *stack) pool(size, stride int) *stack {
	s.specs = append(s.specs, layerSpec{id: s.next(kindPool, "pool"), kind: kindPool, size: size, stride: stride})
	return s
}

func (s *stack) dense(units int) *stack {
	s.specs = append(s.specs, layerSpec{id: s.next(kindDense, "ffn"), kind: kindDense, units: s.scaled(units)})
	return s
}

// vgg appends blocks of 3x3 same-padded convolutions, each followed by a
// 2x2 pooling layer.
func (s *stack) vgg(blocks [][2]int) *stack {
	for _, b := range blocks {
		for i := 0; i < b[0]; i++ {
			s.conv(b[1], 3, 1, 1)
		}
		s.pool(2, 2)
	}
	return s
}

var topologies = map[Architecture]func(s *stack){
	LeNet: func(s *stack) {
		s.conv(20, 5, 1, 0).pool(2, 2).
			conv(50, 5, 1, 0).pool(2, 2).
			dense(500)
	},
	AlexNet: func(s *stack) {
		s.conv(96, 11, 4, 3).pool(3, 2).
			conv(256, 5, 1, 2).pool(3, 2).
			conv(384, 3, 1, 1).conv(384, 3, 1, 1).conv(256, 3, 1, 1).pool(3, 2).
			dense(4096).dense(4096)
	},
	VGGNetA: func(s *stack) {
		s.vgg([][2]int{{1, 64}, {1, 128}, {2, 256}, {2, 512}, {2, 512}}).
			dense(4096).dense(4096)
	},
	VGGNetD: func(s *stack) {
		s.vgg([][2]int{{2, 64}, {2, 128}, {3, 256}, {3, 512}, {3, 512}}).
			dense(4096).dense(4096)
	},
}

func topology(spec Spec) ([]layerSpec, error) {
	define, ok := topologies[spec.Architecture]
	if !ok {
		return nil, errors.Wrap(ErrUnknownArchitecture, spec.Architecture.String())
	}
	s := &stack{width: spec.Width}
	define(s)
	s.specs = append(s.specs, layerSpec{id: "output", kind: kindOutput, units: spec.Outputs})
	return s.specs, nil
}
