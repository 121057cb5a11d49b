package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one paired image/label record of a WebDataset shard, still
// encoded.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow means too many keys are waiting for their pair.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

type halfSample struct {
	image []byte
	label *int
}

func (h *halfSample) complete() bool { return len(h.image) > 0 && h.label != nil }

// StreamShard emits the samples of one shard in archive order. The error
// channel carries at most one value and is closed after the sample channel.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		if err := readShard(ctx, path, pendingCap, out); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func readShard(ctx context.Context, path string, pendingCap int, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*halfSample)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		var isImage bool
		switch ext {
		case ".jpg", ".jpeg", ".png":
			isImage = true
		case ".cls":
		default:
			continue
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("read %s in %s: %w", name, path, err)
		}
		half := pending[key]
		if half == nil {
			half = &halfSample{}
			pending[key] = half
		}
		if isImage {
			half.image = payload
		} else {
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return fmt.Errorf("label %s in %s: %w", name, path, err)
			}
			half.label = &label
		}
		if len(pending) > pendingCap {
			return ErrPendingOverflow
		}
		if !half.complete() {
			continue
		}
		delete(pending, key)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- Sample{Key: key, Image: half.image, Label: *half.label}:
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("%s: %d samples incomplete", path, len(pending))
	}
	return nil
}
