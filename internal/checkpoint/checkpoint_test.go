package checkpoint

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"convnet-forge/internal/model"
)

func smallNet(t *testing.T, seed int64) *model.Network {
	t.Helper()
	net, err := model.Build(model.LeNet, model.Shape{Rows: 16, Cols: 16, Channels: 1}, 5, seed, 2,
		model.WithWidth(0.2), model.WithLearningRate(0.05))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return net
}

func equalParams(t *testing.T, a, b []float64) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("length %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("param %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestModelRoundTrip(t *testing.T) {
	dir := t.TempDir()
	net := smallNet(t, 1)
	paths := ModelPaths(dir, "lenet_", "lenet_")
	if err := SaveModelAndParameters(net, paths); err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Base(paths.Conf) != "lenet_conf.yaml" || filepath.Base(paths.Params) != "lenet_param.bin" {
		t.Fatalf("unexpected paths %+v", paths)
	}
	loaded, err := LoadModelAndParameters(paths.Conf, paths.Params)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Spec() != net.Spec() {
		t.Fatalf("spec mismatch: %+v vs %+v", loaded.Spec(), net.Spec())
	}
	equalParams(t, loaded.Params(), net.Params())
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadModelAndParameters(filepath.Join(dir, "noconf.yaml"), filepath.Join(dir, "noparam.bin"))
	if !errors.Is(err, ErrCheckpointLoad) {
		t.Fatalf("expected ErrCheckpointLoad, got %v", err)
	}

	paths := ModelPaths(dir, "a", "a")
	if err := SaveModelAndParameters(smallNet(t, 1), paths); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModelAndParameters(paths.Conf, filepath.Join(dir, "missing.bin")); !errors.Is(err, ErrCheckpointLoad) {
		t.Fatalf("expected ErrCheckpointLoad for missing params, got %v", err)
	}
}

func TestLoadRejectsBadConf(t *testing.T) {
	dir := t.TempDir()
	paths := ModelPaths(dir, "a", "a")
	if err := SaveModelAndParameters(smallNet(t, 1), paths); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(paths.Conf)
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]string{
		"unknown key":  string(raw) + "dropout: 0.5\n",
		"architecture": "architecture: ResNet\nrows: 16\ncols: 16\nchannels: 1\noutputs: 5\n",
		"no outputs":   "architecture: LeNet\nrows: 16\ncols: 16\nchannels: 1\n",
		"empty":        "",
	}
	for name, body := range cases {
		if err := os.WriteFile(paths.Conf, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadModelAndParameters(paths.Conf, paths.Params); !errors.Is(err, ErrCheckpointLoad) {
			t.Fatalf("%s: expected ErrCheckpointLoad, got %v", name, err)
		}
	}
}

func TestLoadRejectsCorruptParams(t *testing.T) {
	dir := t.TempDir()
	paths := ModelPaths(dir, "a", "a")
	if err := SaveModelAndParameters(smallNet(t, 1), paths); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(paths.Params)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Params, raw[:len(raw)-8], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModelAndParameters(paths.Conf, paths.Params); !errors.Is(err, ErrCheckpointLoad) {
		t.Fatalf("expected ErrCheckpointLoad for truncated params, got %v", err)
	}
	if err := os.WriteFile(paths.Params, []byte("JUNKJUNKJUNKJUNK"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModelAndParameters(paths.Conf, paths.Params); !errors.Is(err, ErrCheckpointLoad) {
		t.Fatalf("expected ErrCheckpointLoad for bad magic, got %v", err)
	}
	header := []byte("CNNF")
	header = binary.LittleEndian.AppendUint32(header, 1)
	header = binary.LittleEndian.AppendUint64(header, 1<<61)
	if err := os.WriteFile(paths.Params, header, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModelAndParameters(paths.Conf, paths.Params); !errors.Is(err, ErrCheckpointLoad) {
		t.Fatalf("expected ErrCheckpointLoad for oversized count, got %v", err)
	}
}

func TestLoadRejectsMismatchedParams(t *testing.T) {
	dir := t.TempDir()
	small := ModelPaths(dir, "small", "small")
	if err := SaveModelAndParameters(smallNet(t, 1), small); err != nil {
		t.Fatal(err)
	}
	other, err := model.Build(model.LeNet, model.Shape{Rows: 20, Cols: 20, Channels: 1}, 5, 1, 1, model.WithWidth(0.2))
	if err != nil {
		t.Fatal(err)
	}
	big := ModelPaths(dir, "big", "big")
	if err := SaveModelAndParameters(other, big); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModelAndParameters(small.Conf, big.Params); !errors.Is(err, ErrCheckpointLoad) {
		t.Fatalf("expected ErrCheckpointLoad for size mismatch, got %v", err)
	}
}

func TestLayerParamsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := smallNet(t, 1)
	dst := smallNet(t, 2)
	ids := []string{"cnn1", "ffn1"}
	paths := ParamPaths(dir, ids)
	if got := paths["cnn1"]; got != filepath.Join(dir, "params", "cnn1param.bin") {
		t.Fatalf("unexpected path %s", got)
	}
	if err := SaveParameters(src, ids, paths); err != nil {
		t.Fatalf("SaveParameters: %v", err)
	}
	if err := LoadParameters(dst, ids, paths); err != nil {
		t.Fatalf("LoadParameters: %v", err)
	}
	for _, id := range ids {
		a, _ := src.LayerParams(id)
		b, _ := dst.LayerParams(id)
		equalParams(t, a, b)
	}
	a, _ := src.LayerParams("cnn2")
	b, _ := dst.LayerParams("cnn2")
	if a[0] == b[0] {
		t.Fatal("unlisted layer should keep its own initialization")
	}
}

func TestLoadParametersMissing(t *testing.T) {
	dir := t.TempDir()
	ids := []string{"cnn1"}
	if err := LoadParameters(smallNet(t, 1), ids, ParamPaths(dir, ids)); !errors.Is(err, ErrCheckpointLoad) {
		t.Fatalf("expected ErrCheckpointLoad, got %v", err)
	}
}
