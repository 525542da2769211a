// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/sconv/internal/workerspool"
	"github.com/gomlx/sconv/pkg/support/xslices"
	"github.com/gomlx/sconv/sconv"
	"github.com/gomlx/sconv/sconv/csa"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

var (
	flagSweep         = flag.Bool("sweep", false, "Analyzes a range of convolution shapes instead of a single one.")
	flagSweepChannels = xslices.Flag(nil, "sweep_channels", []int{16, 32, 64, 128, 256, 512},
		"Number of input and output channels of the swept convolutions.", strconv.Atoi)
	flagSweepSizes = xslices.Flag(nil, "sweep_sizes", []int{7, 14, 28, 56, 112},
		"Output heights (and widths) of the swept convolutions.", strconv.Atoi)
	flagSweepFilters = xslices.Flag(nil, "sweep_filters", []int{1, 3, 5},
		"Filter heights (and widths) of the swept convolutions.", strconv.Atoi)
	flagSweepCSV         = flag.String("sweep_csv", "", "If set, the sweep results are saved as CSV in this file.")
	flagSweepPlot        = flag.String("sweep_plot", "", "If set, the modeled latencies of the sweep are plotted to this (.png or .svg) file.")
	flagSweepParallelism = flag.Int("sweep_parallelism", -1, "Number of problems analyzed in parallel. Defaults to the number of cores.")
)

// sweepRow holds the analysis of one swept problem.
type sweepRow struct {
	Channels  int    `dataframe:"channels"`
	Size      int    `dataframe:"size"`
	Filter    int    `dataframe:"filter"`
	Kernel    string `dataframe:"microkernel"`
	Selected  string `dataframe:"strategy"`
	K2        int    `dataframe:"k2"`
	K3        int    `dataframe:"k3"`
	TileC     int    `dataframe:"tile_c"`
	ISLatency int    `dataframe:"is_latency"`
	WSLatency int    `dataframe:"ws_latency"`
	Fallback  bool   `dataframe:"fallback"`
}

// sweepProblems returns the problems of the sweep, ordered by channels, size and filter.
func sweepProblems(channels, sizes, filters []int, vectorWidth int) []csa.Problem {
	var problems []csa.Problem
	for _, c := range channels {
		for _, size := range sizes {
			for _, f := range filters {
				problems = append(problems, csa.Problem{
					N: 1, IC: c, OC: c, FH: f, FW: f, OH: size, OW: size, SH: 1, SW: 1, V: vectorWidth,
				})
			}
		}
	}
	return problems
}

// analyzeAll analyzes the problems with the pool, reporting progress to bar (if not nil).
func analyzeAll(ctx context.Context, pool *workerspool.Pool, problems []csa.Problem, cfg sconv.Config,
	bar *progressbar.ProgressBar) ([]sweepRow, error) {
	rows := make([]sweepRow, len(problems))
	err := pool.Run(ctx, len(problems), func(ii int) error {
		p := problems[ii]
		analyzer := cfg.Analyzer()
		mk, candidates, err := analyzer.Candidates(p)
		if err != nil {
			return errors.WithMessagef(err, "analyzing %s", p)
		}
		_, d, err := analyzer.Analyze(p)
		if err != nil {
			return errors.WithMessagef(err, "analyzing %s", p)
		}
		rows[ii] = sweepRow{
			Channels:  p.IC,
			Size:      p.OH,
			Filter:    p.FH,
			Kernel:    mk.String(),
			Selected:  d.Strategy.String(),
			K2:        d.K2,
			K3:        d.K3,
			TileC:     d.TileC,
			ISLatency: int(candidates[0].Cost),
			WSLatency: int(candidates[1].Cost),
			Fallback:  d.Fallback,
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		return nil
	})
	return rows, err
}

func sweep(cfg sconv.Config) error {
	problems := sweepProblems(*flagSweepChannels, *flagSweepSizes, *flagSweepFilters, cfg.VectorWidth)
	if len(problems) == 0 {
		return errors.New("no problems to sweep, see -sweep_channels, -sweep_sizes and -sweep_filters")
	}
	pool := workerspool.New()
	if *flagSweepParallelism >= 0 {
		pool.SetMaxParallelism(*flagSweepParallelism)
	}
	bar := progressbar.NewOptions(len(problems),
		progressbar.OptionSetDescription("Analyzing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("problems"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	rows, err := analyzeAll(context.Background(), pool, problems, cfg, bar)
	_ = bar.Finish()
	if err != nil {
		return err
	}
	fmt.Println(reportSweep(rows))

	if *flagSweepCSV != "" {
		if err := writeSweepCSV(*flagSweepCSV, rows); err != nil {
			return err
		}
		klog.Infof("Sweep results saved to %q", *flagSweepCSV)
	}
	if *flagSweepPlot != "" {
		if err := plotSweep(*flagSweepPlot, rows); err != nil {
			return err
		}
		klog.Infof("Sweep plot saved to %q", *flagSweepPlot)
	}
	return nil
}

// reportSweep renders a summary of the sweep: the number of problems won by each strategy.
func reportSweep(rows []sweepRow) string {
	counts := make(map[string]int)
	var fallbacks int
	for _, row := range rows {
		counts[row.Selected]++
		if row.Fallback {
			fallbacks++
		}
	}
	table := newTable(true, nil)
	table.Headers("Strategy", "Problems")
	for _, strategy := range xslices.SortedKeys(counts) {
		table.Row(strategy, humanize.Comma(int64(counts[strategy])))
	}
	table.Row("fallback", humanize.Comma(int64(fallbacks)))
	return titleStyle.Render(fmt.Sprintf("Sweep of %d problems", len(rows))) + "\n" + table.Render()
}

func writeSweepCSV(path string, rows []sweepRow) error {
	df := dataframe.LoadStructs(rows)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building the sweep dataframe")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

// plotSweep plots the modeled latency of both strategies for each problem, in sweep order.
func plotSweep(path string, rows []sweepRow) error {
	p := plot.New()
	p.Title.Text = "Modeled latency per convolution"
	p.X.Label.Text = "problem"
	p.Y.Label.Text = "cycles"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}

	is := make(plotter.XYs, len(rows))
	ws := make(plotter.XYs, len(rows))
	for ii, row := range rows {
		is[ii].X, ws[ii].X = float64(ii), float64(ii)
		is[ii].Y, ws[ii].Y = float64(max(row.ISLatency, 1)), float64(max(row.WSLatency, 1))
	}
	for ii, xys := range []plotter.XYs{is, ws} {
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrap(err, "plotting the sweep")
		}
		if ii == 1 {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add([]string{"input stationary", "weight stationary"}[ii], line)
	}
	p.Add(plotter.NewGrid())
	return errors.Wrapf(p.Save(12*vg.Inch, 6*vg.Inch, path), "saving %q", path)
}
