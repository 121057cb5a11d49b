package dataset

import (
	"math/rand"
	"sort"
)

type orderEntry struct {
	group string
	path  string
}

// interleave takes one path from each group in sorted group order until all
// groups drain. Paths within a group are shuffled by rng when it is set.
func interleave(groups map[string][]string, rng *rand.Rand) []orderEntry {
	names := make([]string, 0, len(groups))
	queues := make(map[string][]string, len(groups))
	for name, paths := range groups {
		if len(paths) == 0 {
			continue
		}
		names = append(names, name)
		queues[name] = append([]string(nil), paths...)
	}
	sort.Strings(names)
	if rng != nil {
		for _, name := range names {
			q := queues[name]
			rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, name := range names {
			q := queues[name]
			if len(q) == 0 {
				continue
			}
			order = append(order, orderEntry{group: name, path: q[0]})
			queues[name] = q[1:]
			advanced = true
		}
		if !advanced {
			return order
		}
	}
}
