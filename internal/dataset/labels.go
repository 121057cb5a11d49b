package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadLabels reads a label vocabulary, one "<wnid>[,<name>]" or
// "<wnid> <name>" entry per line. Line order defines the label index.
func LoadLabels(path string) ([]string, error) {
	var labels []string
	seen := map[string]bool{}
	err := scanFields(path, func(lineNo int, fields []string) error {
		if seen[fields[0]] {
			return fmt.Errorf("line %d: duplicate label %s", lineNo, fields[0])
		}
		seen[fields[0]] = true
		labels = append(labels, fields[0])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load labels %s: %w", path, err)
	}
	return labels, nil
}

// LoadValMap reads "<file> <wnid>" pairs labeling a flat validation folder.
func LoadValMap(path string) (map[string]string, error) {
	out := map[string]string{}
	err := scanFields(path, func(lineNo int, fields []string) error {
		if len(fields) < 2 {
			return fmt.Errorf("line %d: expected <file> <label>", lineNo)
		}
		out[fields[0]] = fields[1]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load validation map %s: %w", path, err)
	}
	return out, nil
}

func scanFields(path string, fn func(lineNo int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if err := fn(lineNo, fields); err != nil {
			return err
		}
	}
	return scanner.Err()
}
