// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/james-bowman/nlp"
	"github.com/james-bowman/sparse"
	"github.com/kshedden/gonpy"
	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// compareCommand is the "compare" subcommand: it runs the build driver
// independently over each of several input files, treating each file
// as one sample and each distinct minimizer as one feature, and
// projects the resulting sample-by-minimizer frequency matrix onto a
// handful of principal components. PCA runs via james-bowman/nlp over a
// james-bowman/sparse matrix, since the minimizer feature space is
// typically far sparser than a dense sample-by-feature matrix would
// assume.
type compareCommand struct{}

func (c *compareCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := defaultBuildConfig()
	var (
		components  int
		outputFile  string
		freqOutFile string
		labelsArg   string
		loglevel    string
	)
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Uint64Var(&cfg.K, "k", cfg.K, "k-mer length (odd)")
	flags.Uint64Var(&cfg.M, "m", cfg.M, "minimizer length (odd, <= k)")
	flags.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "minimizer hash seed")
	flags.BoolVar(&cfg.CanonicalParsing, "canonical-parsing", cfg.CanonicalParsing, "select minimizers on the canonical k-mer")
	flags.StringVar(&cfg.TmpDirname, "tmp-dirname", cfg.TmpDirname, "directory for minimizer-tuple-writer spill files")
	flags.IntVar(&components, "components", 4, "number of principal components")
	flags.StringVar(&outputFile, "o", "-", "output `file` for the .npy PCA result (\"-\" for stdout)")
	flags.StringVar(&freqOutFile, "freq-o", "", "optional output `file` for the raw sample-by-minimizer frequency matrix, as .npy")
	flags.StringVar(&labelsArg, "labels", "", "comma-separated 0/1 label per input file, for an optional logistic-regression sanity check against the PCA components")
	flags.StringVar(&loglevel, "loglevel", "info", "logging level")
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}

	inputFiles := flags.Args()
	if len(inputFiles) < 2 {
		fmt.Fprintf(stderr, "usage: %s compare [options] fasta-file fasta-file [fasta-file ...]\n", prog)
		return 2
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	level, err := logrus.ParseLevel(loglevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(stderr)

	logger.Info("building per-file minimizer frequency vectors")
	colIndex := map[uint64]int{}
	rowFreqs := make([]map[int]float64, len(inputFiles))
	for i, fnm := range inputFiles {
		freq, err := minimizerFrequencies(cfg, fnm, logger)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", fnm, err)
			return 1
		}
		row := make(map[int]float64, len(freq))
		for mm, count := range freq {
			col, ok := colIndex[mm]
			if !ok {
				col = len(colIndex)
				colIndex[mm] = col
			}
			row[col] = count
		}
		rowFreqs[i] = row
	}

	rows, cols := len(inputFiles), len(colIndex)
	logger.Infof("building sparse frequency matrix: %d samples x %d distinct minimizers", rows, cols)
	dok := sparse.NewDOK(rows, cols)
	for i, row := range rowFreqs {
		for col, v := range row {
			dok.Set(i, col, v)
		}
	}
	freqMtx := dok.ToCSR()

	// nlp.PCA follows the text-mining convention of one column per
	// observation; our matrix is one row per observation, so transpose
	// going in and out.
	featureMtx := freqMtx.T()
	transformer := nlp.NewPCA(components)
	transformer.Fit(featureMtx)
	projected, err := transformer.Transform(featureMtx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	projected = projected.T()

	prows, pcols := projected.Dims()
	out := make([]float64, prows*pcols)
	for i := 0; i < prows; i++ {
		for j := 0; j < pcols; j++ {
			out[i*pcols+j] = projected.At(i, j)
		}
	}
	logger.Infof("writing PCA output: %d rows, %d cols", prows, pcols)
	if err := writeNpyFloat64(outputFile, stdout, prows, pcols, out); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if freqOutFile != "" {
		freqOut := make([]float64, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				freqOut[i*cols+j] = freqMtx.At(i, j)
			}
		}
		logger.Infof("writing raw frequency matrix: %d rows, %d cols", rows, cols)
		if err := writeNpyFloat64(freqOutFile, stdout, rows, cols, freqOut); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	if labelsArg != "" {
		labels, err := parseLabels(labelsArg, len(inputFiles))
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		pval, loglike, err := fitLabelGLM(labels, out, prows, pcols)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "glm: log_likelihood=%.4f label_pvalue=%.6f\n", loglike, pval)
	}

	return 0
}

// writeNpyFloat64 writes a rows x cols row-major matrix as a .npy file
// to filename ("-" for stdout): a buffered writer wrapped in a no-op
// Closer so gonpy.NewWriter can treat stdout the same as a regular
// file.
func writeNpyFloat64(filename string, stdout io.Writer, rows, cols int, data []float64) error {
	var output io.WriteCloser
	if filename == "-" {
		output = nopWriteCloser{stdout}
	} else {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		output = f
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopWriteCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	if err := npw.WriteFloat64(data); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return output.Close()
}

// minimizerFrequencies runs the parser over one input file and sums
// num_kmers per distinct minimizer, without ever materializing a
// string pool or weight stream -- compare only needs the tuple stream.
func minimizerFrequencies(cfg buildConfig, fnm string, logger *logrus.Logger) (map[uint64]float64, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p := newParser(cfg, logger)
	if err := p.parse(f); err != nil {
		return nil, err
	}
	res, err := p.finalize()
	if err != nil {
		return nil, err
	}

	freq := map[uint64]float64{}
	err = res.Tuples.Iterate(func(t minimizerTuple) error {
		freq[t.Minimizer] += float64(t.NumKmers)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return freq, nil
}

func parseLabels(arg string, want int) ([]float64, error) {
	fields := strings.Split(arg, ",")
	if len(fields) != want {
		return nil, fmt.Errorf("%w: -labels has %d values, want %d (one per input file)", ErrConfig, len(fields), want)
	}
	labels := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid -labels value %q: %s", ErrConfig, f, err)
		}
		labels[i] = v
	}
	return labels, nil
}

var compareGLMConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1,
	Log:            log.New(io.Discard, "", 0),
}

// fitLabelGLM fits a logistic regression of labels against the
// projected PCA components, as a sanity check that the components
// carry the structure the caller expects them to. It returns the
// fitted model's log-likelihood and, via a likelihood-ratio test
// against the intercept-only model, a p-value for "the components
// jointly explain the label".
func fitLabelGLM(labels []float64, components []float64, rows, cols int) (pvalue, loglike float64, err error) {
	names := []string{"outcome", "constant"}
	data := [][]statmodel.Dtype{
		boolSeries(labels),
		constSeries(rows, 1),
	}
	for c := 0; c < cols; c++ {
		series := make([]statmodel.Dtype, rows)
		for r := 0; r < rows; r++ {
			series[r] = statmodel.Dtype(components[r*cols+c])
		}
		normalizeDtype(series)
		data = append(data, series)
		names = append(names, fmt.Sprintf("pca%d", c))
	}

	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], compareGLMConfig)
	if err != nil {
		return 0, 0, fmt.Errorf("fitting glm: %w", err)
	}
	result := model.Fit()
	loglike = result.LogLike()

	nullDataset := statmodel.NewDataset(data[:2], names[:2])
	nullModel, err := glm.NewGLM(nullDataset, "outcome", names[1:2], compareGLMConfig)
	if err != nil {
		return 0, loglike, fmt.Errorf("fitting null glm: %w", err)
	}
	nullResult := nullModel.Fit()
	nullLoglike := nullResult.LogLike()

	chisq := distuv.ChiSquared{K: float64(cols), Src: rand.NewSource(rand.Uint64())}
	pvalue = chisq.Survival(-2 * (nullLoglike - loglike))
	return pvalue, loglike, nil
}

func boolSeries(labels []float64) []statmodel.Dtype {
	out := make([]statmodel.Dtype, len(labels))
	for i, v := range labels {
		if v != 0 {
			out[i] = 1
		}
	}
	return out
}

func constSeries(n int, v float64) []statmodel.Dtype {
	out := make([]statmodel.Dtype, n)
	for i := range out {
		out[i] = statmodel.Dtype(v)
	}
	return out
}

func normalizeDtype(a []statmodel.Dtype) {
	f := make([]float64, len(a))
	for i, v := range a {
		f[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(f, nil)
	if std == 0 {
		return
	}
	for i, v := range f {
		a[i] = statmodel.Dtype((v - mean) / std)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
