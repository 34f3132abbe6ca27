// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// statsCommand is the "stats" subcommand: descriptive statistics over
// one build's tuple stream, plus a goodness-of-fit test of the
// minimizer hash distribution against uniform, via gonum's stat/distuv
// packages.
type statsCommand struct{}

func (s *statsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var buckets int
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.IntVar(&buckets, "buckets", 64, "number of hash buckets for the uniformity test")
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if buckets < 2 {
		fmt.Fprintln(stderr, "-buckets must be >= 2")
		return 2
	}

	inputs := flags.Args()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}
	if len(inputs) != 1 {
		fmt.Fprintf(stderr, "usage: %s stats [options] build-output.gob\n", prog)
		return 2
	}

	var r io.ReadCloser = io.NopCloser(stdin)
	if inputs[0] != "-" {
		f, err := os.Open(inputs[0])
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		r = f
	}
	defer r.Close()

	var summary *summaryRecord
	var numKmersPerSuper []float64
	bucketCounts := make([]float64, buckets)
	var numTuples uint64

	err := decodeBuildOutput(r, func(ent outputEntry) error {
		switch {
		case ent.Summary != nil:
			summary = ent.Summary
		case ent.Tuples != nil:
			if summary == nil {
				return fmt.Errorf("%w: tuple batch precedes summary record", ErrFormat)
			}
			for _, t := range ent.Tuples {
				numKmersPerSuper = append(numKmersPerSuper, float64(t.NumKmers))
				numTuples++
				h := hashSubKmer(t.Minimizer, summary.Seed)
				bucketCounts[h%uint64(buckets)]++
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if summary == nil {
		fmt.Fprintln(stderr, "input has no summary record")
		return 1
	}

	mean, variance := stat.MeanVariance(numKmersPerSuper, nil)
	skew := stat.Skew(numKmersPerSuper, nil)
	fmt.Fprintf(stdout, "num_kmers_per_super_kmer: n=%d mean=%.4f variance=%.4f skewness=%.4f\n",
		len(numKmersPerSuper), mean, variance, skew)

	expected := float64(numTuples) / float64(buckets)
	var chi2 float64
	if expected > 0 {
		for _, obs := range bucketCounts {
			d := obs - expected
			chi2 += d * d / expected
		}
	}
	chisq := distuv.ChiSquared{K: float64(buckets - 1), Src: rand.NewSource(rand.Uint64())}
	pvalue := 1 - chisq.CDF(chi2)
	fmt.Fprintf(stdout, "minimizer_hash_uniformity: buckets=%d n=%d chi2=%.4f p_value=%.6f\n",
		buckets, numTuples, chi2, pvalue)

	return 0
}
