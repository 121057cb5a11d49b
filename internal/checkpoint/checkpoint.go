// Package checkpoint persists network specs and parameters.
//
// A whole model is two files in one directory: <name>conf.yaml holds the
// network spec as YAML and <name>param.bin holds the flat
// parameter vector. Per-layer parameters live under <dir>/params as
// <layerID>param.bin.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"convnet-forge/internal/model"
)

// ErrCheckpointLoad marks a checkpoint that is missing or unreadable.
var ErrCheckpointLoad = errors.New("checkpoint load failed")

const (
	magic   = "CNNF"
	version = uint32(1)
)

// Persistable is what SaveModelAndParameters writes out.
type Persistable interface {
	Spec() model.Spec
	Params() []float64
}

// LayerStore exposes parameters by layer ID.
type LayerStore interface {
	LayerParams(id string) ([]float64, error)
	SetLayerParams(id string, p []float64) error
}

// Paths locates the two files of a whole-model checkpoint.
type Paths struct {
	Conf   string
	Params string
}

// ModelPaths resolves <dir>/<confName>conf.yaml and <dir>/<paramName>param.bin.
func ModelPaths(dir, confName, paramName string) Paths {
	return Paths{
		Conf:   filepath.Join(dir, confName+"conf.yaml"),
		Params: filepath.Join(dir, paramName+"param.bin"),
	}
}

// ParamPaths maps each layer ID to <dir>/params/<id>param.bin.
func ParamPaths(dir string, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = filepath.Join(dir, "params", id+"param.bin")
	}
	return out
}

// SaveModelAndParameters writes the spec and parameters of m to p.
func SaveModelAndParameters(m Persistable, p Paths) error {
	if err := writeFile(p.Conf, func(w io.Writer) error { return writeSpec(w, m.Spec()) }); err != nil {
		return fmt.Errorf("save conf: %w", err)
	}
	if err := writeFile(p.Params, func(w io.Writer) error { return writeParams(w, m.Params()) }); err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	return nil
}

// LoadModelAndParameters rebuilds the network described by confPath and
// overwrites its initial parameters with paramsPath. It never falls back to a
// fresh model.
func LoadModelAndParameters(confPath, paramsPath string) (*model.Network, error) {
	spec, err := readSpec(confPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointLoad, confPath, err)
	}
	params, err := readParams(paramsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointLoad, paramsPath, err)
	}
	net, err := model.New(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointLoad, confPath, err)
	}
	if err := net.SetParams(params); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointLoad, paramsPath, err)
	}
	return net, nil
}

// SaveParameters writes the parameters of every layer in ids to its path.
func SaveParameters(m LayerStore, ids []string, paths map[string]string) error {
	for _, id := range ids {
		path, ok := paths[id]
		if !ok {
			return fmt.Errorf("save params: no path for layer %s", id)
		}
		p, err := m.LayerParams(id)
		if err != nil {
			return fmt.Errorf("save params: %w", err)
		}
		if err := writeFile(path, func(w io.Writer) error { return writeParams(w, p) }); err != nil {
			return fmt.Errorf("save params %s: %w", id, err)
		}
	}
	return nil
}

// LoadParameters restores the layers in ids from their paths.
func LoadParameters(m LayerStore, ids []string, paths map[string]string) error {
	for _, id := range ids {
		path, ok := paths[id]
		if !ok {
			return fmt.Errorf("%w: no path for layer %s", ErrCheckpointLoad, id)
		}
		p, err := readParams(path)
		if err != nil {
			return fmt.Errorf("%w: layer %s: %v", ErrCheckpointLoad, id, err)
		}
		if err := m.SetLayerParams(id, p); err != nil {
			return fmt.Errorf("%w: layer %s: %v", ErrCheckpointLoad, id, err)
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// specFile is the conf.yaml layout of a model.Spec.
type specFile struct {
	Architecture string  `yaml:"architecture"`
	Rows         int     `yaml:"rows"`
	Cols         int     `yaml:"cols"`
	Channels     int     `yaml:"channels"`
	Outputs      int     `yaml:"outputs"`
	Seed         int64   `yaml:"seed"`
	Iterations   int     `yaml:"iterations"`
	Width        float64 `yaml:"width"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	L2           float64 `yaml:"l2"`
}

func writeSpec(w io.Writer, s model.Spec) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(specFile{
		Architecture: s.Architecture.String(),
		Rows:         s.Input.Rows,
		Cols:         s.Input.Cols,
		Channels:     s.Input.Channels,
		Outputs:      s.Outputs,
		Seed:         s.Seed,
		Iterations:   s.Iterations,
		Width:        s.Width,
		LearningRate: s.LearningRate,
		Momentum:     s.Momentum,
		L2:           s.L2,
	}); err != nil {
		return err
	}
	return enc.Close()
}

func readSpec(path string) (model.Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Spec{}, err
	}
	defer f.Close()

	var sf specFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Spec{}, errors.New("empty conf")
		}
		return model.Spec{}, err
	}
	arch, err := model.ParseArchitecture(sf.Architecture)
	if err != nil {
		return model.Spec{}, err
	}
	if sf.Rows <= 0 || sf.Cols <= 0 || sf.Channels <= 0 || sf.Outputs <= 0 {
		return model.Spec{}, fmt.Errorf("conf needs positive rows, cols, channels and outputs (got %d, %d, %d, %d)",
			sf.Rows, sf.Cols, sf.Channels, sf.Outputs)
	}
	return model.Spec{
		Architecture: arch,
		Input:        model.Shape{Rows: sf.Rows, Cols: sf.Cols, Channels: sf.Channels},
		Outputs:      sf.Outputs,
		Seed:         sf.Seed,
		Iterations:   sf.Iterations,
		Width:        sf.Width,
		LearningRate: sf.LearningRate,
		Momentum:     sf.Momentum,
		L2:           sf.L2,
	}, nil
}

func writeParams(w io.Writer, p []float64) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(p))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, p)
}

func readParams(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(head) != magic {
		return nil, fmt.Errorf("bad magic %q", head)
	}
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if v != version {
		return nil, fmt.Errorf("unsupported version %d", v)
	}
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	const headerSize = 4 + 4 + 8
	body := uint64(0)
	if info.Size() > headerSize {
		body = uint64(info.Size() - headerSize)
	}
	if n > body/8 || n*8 != body {
		return nil, fmt.Errorf("file holds %d bytes of params, header promises %d values", body, n)
	}
	p := make([]float64, n)
	if err := binary.Read(r, binary.LittleEndian, p); err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	return p, nil
}
