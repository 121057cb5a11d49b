package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Evaluation accumulates a confusion matrix over classes. Counts are plain
// sums, so the totals do not depend on the order batches arrive in.
type Evaluation struct {
	classes   int
	names     []string
	confusion map[[2]int]int
	support   []int
	predicted []int
	correct   []int
	total     int
}

// NewEvaluation tracks classes labels; names, when given, label report rows.
func NewEvaluation(classes int, names []string) *Evaluation {
	return &Evaluation{
		classes:   classes,
		names:     names,
		confusion: make(map[[2]int]int),
		support:   make([]int, classes),
		predicted: make([]int, classes),
		correct:   make([]int, classes),
	}
}

func (e *Evaluation) Classes() int { return e.classes }

// Total is the number of examples folded in.
func (e *Evaluation) Total() int { return e.total }

// Eval folds one batch: one-hot (or soft) labels against model output rows.
func (e *Evaluation) Eval(labels, output *mat.Dense) error {
	if labels == nil || output == nil {
		return errors.New("evaluation: nil labels or output")
	}
	lr, lc := labels.Dims()
	or, oc := output.Dims()
	if lr != or || lc != oc {
		return fmt.Errorf("evaluation: labels %dx%d do not match output %dx%d", lr, lc, or, oc)
	}
	if lc != e.classes {
		return fmt.Errorf("evaluation: %d columns, tracking %d classes", lc, e.classes)
	}
	for i := 0; i < lr; i++ {
		actual := floats.MaxIdx(labels.RawRowView(i))
		guess := floats.MaxIdx(output.RawRowView(i))
		if err := e.Add(actual, guess); err != nil {
			return err
		}
	}
	return nil
}

// Add records a single prediction.
func (e *Evaluation) Add(actual, predicted int) error {
	if actual < 0 || actual >= e.classes || predicted < 0 || predicted >= e.classes {
		return fmt.Errorf("evaluation: class pair (%d,%d) outside [0,%d)", actual, predicted, e.classes)
	}
	e.confusion[[2]int{actual, predicted}]++
	e.support[actual]++
	e.predicted[predicted]++
	if actual == predicted {
		e.correct[actual]++
	}
	e.total++
	return nil
}

// Count returns how often actual was predicted as predicted.
func (e *Evaluation) Count(actual, predicted int) int {
	return e.confusion[[2]int{actual, predicted}]
}

func (e *Evaluation) Accuracy() float64 {
	if e.total == 0 {
		return 0
	}
	sum := 0
	for _, c := range e.correct {
		sum += c
	}
	return float64(sum) / float64(e.total)
}

func (e *Evaluation) TruePositives(c int) int  { return e.correct[c] }
func (e *Evaluation) FalsePositives(c int) int { return e.predicted[c] - e.correct[c] }
func (e *Evaluation) FalseNegatives(c int) int { return e.support[c] - e.correct[c] }
func (e *Evaluation) Support(c int) int        { return e.support[c] }

func (e *Evaluation) TrueNegatives(c int) int {
	return e.total - e.TruePositives(c) - e.FalsePositives(c) - e.FalseNegatives(c)
}

func (e *Evaluation) Precision(c int) float64 {
	return ratio(e.correct[c], e.predicted[c])
}

func (e *Evaluation) Recall(c int) float64 {
	return ratio(e.correct[c], e.support[c])
}

func (e *Evaluation) F1(c int) float64 {
	p, r := e.Precision(c), e.Recall(c)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// ClassRow is the per-class line of the report.
type ClassRow struct {
	Class     int
	Name      string
	Support   int
	Precision float64
	Recall    float64
	F1        float64
}

// ClassRows lists every class with non-zero support, in class order.
func (e *Evaluation) ClassRows() []ClassRow {
	var rows []ClassRow
	for c := 0; c < e.classes; c++ {
		if e.support[c] == 0 {
			continue
		}
		rows = append(rows, ClassRow{
			Class:     c,
			Name:      e.name(c),
			Support:   e.support[c],
			Precision: e.Precision(c),
			Recall:    e.Recall(c),
			F1:        e.F1(c),
		})
	}
	return rows
}

// Macro averages precision, recall and F1 over classes with support.
func (e *Evaluation) Macro() (precision, recall, f1 float64) {
	rows := e.ClassRows()
	if len(rows) == 0 {
		return 0, 0, 0
	}
	for _, r := range rows {
		precision += r.Precision
		recall += r.Recall
		f1 += r.F1
	}
	n := float64(len(rows))
	return precision / n, recall / n, f1 / n
}

func (e *Evaluation) name(c int) string {
	if c < len(e.names) && e.names[c] != "" {
		return e.names[c]
	}
	return strconv.Itoa(c)
}

// Stats renders the accumulated counts. It reads only accumulator state.
func (e *Evaluation) Stats() string {
	var b strings.Builder

	cells := make([][2]int, 0, len(e.confusion))
	for k := range e.confusion {
		cells = append(cells, k)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i][0] != cells[j][0] {
			return cells[i][0] < cells[j][0]
		}
		return cells[i][1] < cells[j][1]
	})
	for _, k := range cells {
		fmt.Fprintf(&b, "Examples labeled as %s classified by model as %s: %d times\n",
			e.name(k[0]), e.name(k[1]), e.confusion[k])
	}

	rows := e.ClassRows()
	missed := 0
	for _, r := range rows {
		if e.predicted[r.Class] == 0 {
			missed++
		}
	}
	if missed > 0 {
		fmt.Fprintf(&b, "\nWarning: %d classes with support were never predicted by the model\n", missed)
	}

	p, r, f := e.Macro()
	b.WriteString("\n==========================Scores========================================\n")
	fmt.Fprintf(&b, " Examples:  %d\n", e.total)
	fmt.Fprintf(&b, " Accuracy:  %.4f\n", e.Accuracy())
	fmt.Fprintf(&b, " Precision: %.4f\n", p)
	fmt.Fprintf(&b, " Recall:    %.4f\n", r)
	fmt.Fprintf(&b, " F1 Score:  %.4f\n", f)
	b.WriteString("========================================================================\n")

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "class\tsupport\tprecision\trecall\tf1\t")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%.4f\t%.4f\t%.4f\t\n", row.Name, row.Support, row.Precision, row.Recall, row.F1)
	}
	tw.Flush()
	fmt.Fprintf(&b, "classes with zero support: %d\n", e.classes-len(rows))
	return b.String()
}
