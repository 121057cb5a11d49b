package dataset

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"convnet-forge/internal/model"
)

// ImageNetOptions locates an ImageNet-style corpus on disk.
type ImageNetOptions struct {
	BaseDir string
	// LabelFile is optional for class-folder splits; without it the sorted
	// folder names of the first opened split become the vocabulary.
	LabelFile string
	// ValMapFile labels flat splits such as CLS_VAL.
	ValMapFile string
	Shape      model.Shape
	Categories int
	Seed       int64
}

// ImageNet reads splits laid out as <base>/<split>/<wnid>/<image> or as a flat
// <base>/<split>/<image> folder labeled by the validation map.
type ImageNet struct {
	opts   ImageNetOptions
	labels []string
	index  map[string]int
	valMap map[string]string
}

func NewImageNet(opts ImageNetOptions) (*ImageNet, error) {
	if opts.Categories <= 0 {
		return nil, fmt.Errorf("imagenet: categories must be > 0 (got %d)", opts.Categories)
	}
	c := &ImageNet{opts: opts}
	if opts.LabelFile != "" {
		if _, err := os.Stat(opts.LabelFile); err == nil {
			labels, err := LoadLabels(opts.LabelFile)
			if err != nil {
				return nil, err
			}
			c.setLabels(labels)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("imagenet: %w", err)
		}
	}
	return c, nil
}

func (c *ImageNet) setLabels(labels []string) {
	c.labels = labels
	c.index = make(map[string]int, len(labels))
	for i, l := range labels {
		c.index[l] = i
	}
}

func (c *ImageNet) Labels() []string { return append([]string(nil), c.labels...) }

// allowed reports the label index of wnid when it is among the first
// Categories labels.
func (c *ImageNet) allowed(wnid string) (int, bool) {
	i, ok := c.index[wnid]
	return i, ok && i < c.opts.Categories
}

func (c *ImageNet) Open(split string, limit int) (Source, error) {
	dir := filepath.Join(c.opts.BaseDir, split)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("imagenet %s: %w", split, err)
	}
	var classDirs, files []string
	for _, e := range entries {
		if e.IsDir() {
			classDirs = append(classDirs, e.Name())
		} else {
			files = append(files, e.Name())
		}
	}

	groups := map[string][]string{}
	if len(classDirs) > 0 {
		if c.labels == nil {
			sort.Strings(classDirs)
			c.setLabels(classDirs)
		}
		for _, wnid := range classDirs {
			if _, ok := c.allowed(wnid); !ok {
				continue
			}
			paths, err := listFiles(filepath.Join(dir, wnid))
			if err != nil {
				return nil, fmt.Errorf("imagenet %s: %w", split, err)
			}
			groups[wnid] = paths
		}
	} else {
		if c.labels == nil {
			return nil, fmt.Errorf("imagenet %s: flat split needs a label file", split)
		}
		if c.valMap == nil {
			if c.opts.ValMapFile == "" {
				return nil, fmt.Errorf("imagenet %s: flat split needs a validation map", split)
			}
			if c.valMap, err = LoadValMap(c.opts.ValMapFile); err != nil {
				return nil, err
			}
		}
		sort.Strings(files)
		for _, name := range files {
			wnid, ok := c.valMap[name]
			if !ok {
				continue
			}
			if _, ok := c.allowed(wnid); ok {
				groups[wnid] = append(groups[wnid], filepath.Join(dir, name))
			}
		}
	}

	src := &imageSource{name: split, shape: c.opts.Shape}
	for _, entry := range interleave(groups, rand.New(rand.NewSource(c.opts.Seed))) {
		if limit > 0 && len(src.files) >= limit {
			break
		}
		if err := probe(entry.path); err != nil {
			log.Printf("split=%s skip=%s reason=%v", split, entry.path, err)
			continue
		}
		label, _ := c.allowed(entry.group)
		src.files = append(src.files, labeledFile{path: entry.path, label: label})
	}
	if len(src.files) == 0 {
		return nil, fmt.Errorf("imagenet %s: no images for the first %d categories under %s", split, c.opts.Categories, dir)
	}
	return src, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

type labeledFile struct {
	path  string
	label int
}

type imageSource struct {
	name  string
	shape model.Shape
	files []labeledFile
}

func (s *imageSource) Split() string { return s.name }
func (s *imageSource) Len() int      { return len(s.files) }

func (s *imageSource) Example(i int) (Example, error) {
	if i < 0 || i >= len(s.files) {
		return Example{}, fmt.Errorf("%s: example %d out of range [0,%d)", s.name, i, len(s.files))
	}
	f := s.files[i]
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return Example{}, err
	}
	features, err := Decode(raw, s.shape)
	if err != nil {
		return Example{}, fmt.Errorf("%s: %w", f.path, err)
	}
	return Example{Features: features, Label: f.label}, nil
}
