package dataset

import (
	"context"
	"math/rand"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"
)

func TestInterleaveDeterministic(t *testing.T) {
	groups := map[string][]string{
		"/rootA": {"/rootA/shard-000000.tar", "/rootA/shard-000002.tar"},
		"/rootB": {"/rootB/shard-000001.tar"},
	}
	order1 := interleave(groups, rand.New(rand.NewSource(7)))
	order2 := interleave(groups, rand.New(rand.NewSource(7)))
	if !reflect.DeepEqual(order1, order2) {
		t.Fatalf("order not deterministic: %v vs %v", order1, order2)
	}
	if len(order1) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(order1))
	}
	if order1[0].group == order1[1].group {
		t.Fatalf("expected alternating groups, got %v", order1)
	}
}

func TestSamplerSinglePassTerminates(t *testing.T) {
	temp := t.TempDir()
	rootA := filepath.Join(temp, "rootA")
	rootB := filepath.Join(temp, "rootB")
	roots := map[string][]string{}
	for i, root := range []string{rootA, rootA, rootB} {
		path := filepath.Join(root, "shard-00000"+strconv.Itoa(i)+".tar")
		mustShard(t, path, []shardEntry{
			{key: "k" + strconv.Itoa(i) + "a", image: []byte("x"), label: i},
			{key: "k" + strconv.Itoa(i) + "b", image: []byte("y"), label: i},
		})
		roots[root] = append(roots[root], path)
	}
	opts := SamplerOptions{Roots: roots, Seed: 123, NumWorkers: 2, Passes: 1}

	run1 := collectAll(t, opts)
	run2 := collectAll(t, opts)
	if len(run1) != 6 {
		t.Fatalf("expected 6 samples in one pass, got %d", len(run1))
	}
	if !reflect.DeepEqual(run1, run2) {
		t.Fatalf("sampler order not deterministic: %v vs %v", run1, run2)
	}
}

func collectAll(t *testing.T, opts SamplerOptions) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		t.Fatalf("StartSampler: %v", err)
	}
	var keys []string
	for s := range stream {
		keys = append(keys, s.Key)
	}
	for err := range errCh {
		if err != nil {
			t.Fatalf("sampler error: %v", err)
		}
	}
	if ctx.Err() != nil {
		t.Fatal("sampler did not finish before the deadline")
	}
	return keys
}

func TestSamplerRejectsEmptyRoots(t *testing.T) {
	if _, _, err := StartSampler(context.Background(), SamplerOptions{}); err == nil {
		t.Fatal("expected error for empty roots")
	}
}
