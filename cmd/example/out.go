package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/TylerBrock/colorjson"
	"github.com/logrusorgru/aurora"
	"github.com/rcrowley/go-metrics"
)

var (
	Formatter = colorjson.NewFormatter()

	w = tabwriter.NewWriter(os.Stderr, 0, 2, 2, ' ', 0)
)

func init() {
	Formatter.Indent = 4
}

// PrintColoredJSON pretty-prints obj (raw JSON bytes or any marshalable
// value) under a highlighted title.
func PrintColoredJSON(msg string, obj interface{}) {
	var raw []byte

	switch v := obj.(type) {
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(obj)
		if err != nil {
			panic(err)
		}

		raw = b
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		panic(err)
	}

	PrintTitle(msg)

	b, err := Formatter.Marshal(generic)
	if err != nil {
		panic(err)
	}

	fmt.Println()
	fmt.Println(string(b))
	fmt.Println()
}

func PrintTitle(name string) {
	fmt.Fprintln(w, aurora.Bold(aurora.Cyan(name)))
}

func printRow(name string, v interface{}) {
	_, _ = fmt.Fprintf(w, "\t%s\t%v\t\n", aurora.White(name), v)
}

func printSubRow(name string, v interface{}) {
	_, _ = fmt.Fprintf(w, "\t  %s\t%v\t\n", aurora.White(name), v)
}

// PrintMetrics writes a timer's summary to stderr: totals, rates, and the
// usual percentile ladder.
func PrintMetrics(action string, timer metrics.Timer) {
	if timer.Count() == 0 {
		if opts.ShowAll {
			fmt.Println()
			fmt.Println(aurora.Bold(aurora.Cyan(action)), aurora.Red("  Not run."))
		}

		return
	}

	PrintTitle(action)
	printRow("Mean:", time.Duration(timer.Mean()))
	printRow("Total:", timer.Count())
	printRow("Max:", time.Duration(timer.Max()))
	printRow("Min:", time.Duration(timer.Min()))
	printRow("Variance:", time.Duration(math.Round(timer.Variance()/float64(timer.Count()))))

	printRow("Rate:", "")
	printSubRow("1 Minute:", timer.Rate1())
	printSubRow("5 Minute:", timer.Rate5())
	printSubRow("15 Minute:", timer.Rate15())
	printSubRow("Mean:", timer.RateMean())

	printRow("Percentiles:", "")

	for _, p := range []float64{0.5, 0.75, 0.8, 0.9, 0.95, 0.99, 0.999} {
		label := strconv.FormatFloat(p*100, 'f', 2, 64) + "% :"
		printSubRow(label, time.Duration(timer.Percentile(p)))
	}

	w.Flush()

	fmt.Println()
}
