// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// dumpGob is the "dump" subcommand: it streams a build's gob record
// output and prints one summary line per record, without ever holding
// the whole stream in memory.
type dumpGob struct{}

func (d *dumpGob) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}

	inputs := flags.Args()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}

	for _, fnm := range inputs {
		var r io.ReadCloser = io.NopCloser(stdin)
		if fnm != "-" {
			f, err := os.Open(fnm)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			r = f
		}
		tupleBatchN := 0
		err := decodeBuildOutput(r, func(ent outputEntry) error {
			switch {
			case ent.Summary != nil:
				s := ent.Summary
				fmt.Fprintf(stdout, "summary k=%d m=%d seed=%d canonical=%v weighted=%v sequences=%d bases=%d kmers=%d super_kmers=%d pieces=%d sum_weights=%d\n",
					s.K, s.M, s.Seed, s.CanonicalParsing, s.Weighted, s.NumSequences, s.NumBases, s.NumKmers, s.NumSuperKmers, s.NumPieces, s.SumWeights)
			case ent.Pool != nil:
				fmt.Fprintf(stdout, "pool bytes=%d bitlen=%d pieces=%d num_super_kmers=%d\n",
					len(ent.Pool.Buf), ent.Pool.Bitlen, len(ent.Pool.Pieces), ent.Pool.NumSuperKmers)
			case ent.Tuples != nil:
				fmt.Fprintf(stdout, "tuples batch=%d count=%d\n", tupleBatchN, len(ent.Tuples))
				tupleBatchN++
			case ent.Weights != nil:
				fmt.Fprintf(stdout, "weights intervals=%d total_kmers=%d sum_weights=%d\n",
					len(ent.Weights.Intervals), ent.Weights.TotalKmers, ent.Weights.SumWeights)
			}
			return nil
		})
		r.Close()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	return 0
}
