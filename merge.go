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

// merger is the "merge" subcommand: it combines the gob outputs of
// several independent build runs -- typically one per -batches shard --
// into a single pool/tuple/weight triple, renumbering base offsets as
// it goes by decoding each shard fully, then splicing.
type merger struct{}

type shardData struct {
	Summary *summaryRecord
	Pool    *poolRecord
	Tuples  []minimizerTuple
	Weights *weightSummaryRecord
}

func (m *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var outputFilename string
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&outputFilename, "o", "-", "output `file` for the merged gob record stream (\"-\" for stdout)")
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}

	inputs := flags.Args()
	if len(inputs) == 0 {
		fmt.Fprintf(stderr, "usage: %s merge [options] build-output.gob [build-output.gob ...]\n", prog)
		return 2
	}

	shards := make([]shardData, len(inputs))
	for i, fnm := range inputs {
		sd, err := readShard(fnm)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", fnm, err)
			return 1
		}
		shards[i] = sd
	}

	merged, err := mergeShards(shards)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var w io.Writer = stdout
	if outputFilename != "-" {
		f, err := os.OpenFile(outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer f.Close()
		w = f
	}
	if err := writeOutputEntries(w, merged.Summary, merged.Pool, sliceIterator(merged.Tuples), merged.Weights); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func readShard(fnm string) (shardData, error) {
	var f io.ReadCloser
	var err error
	if fnm == "-" {
		f = io.NopCloser(os.Stdin)
	} else {
		f, err = os.Open(fnm)
		if err != nil {
			return shardData{}, fmt.Errorf("%w: %s", ErrIO, err)
		}
	}
	defer f.Close()

	var sd shardData
	err = decodeBuildOutput(f, func(ent outputEntry) error {
		switch {
		case ent.Summary != nil:
			sd.Summary = ent.Summary
		case ent.Pool != nil:
			sd.Pool = ent.Pool
		case ent.Tuples != nil:
			sd.Tuples = append(sd.Tuples, ent.Tuples...)
		case ent.Weights != nil:
			sd.Weights = ent.Weights
		}
		return nil
	})
	if err != nil {
		return shardData{}, err
	}
	if sd.Summary == nil || sd.Pool == nil {
		return shardData{}, fmt.Errorf("%w: %s is missing a summary or pool record", ErrFormat, fnm)
	}
	return sd, nil
}

// sliceIterator adapts an in-memory tuple slice to the iterate-callback
// shape writeOutputEntries expects, the same shape minimizerTuples.Iterate
// exposes over its spill files.
func sliceIterator(tuples []minimizerTuple) func(func(minimizerTuple) error) error {
	return func(fn func(minimizerTuple) error) error {
		for _, t := range tuples {
			if err := fn(t); err != nil {
				return err
			}
		}
		return nil
	}
}

func mergeShards(shards []shardData) (shardData, error) {
	first := shards[0].Summary
	for _, sd := range shards[1:] {
		s := sd.Summary
		if s.K != first.K || s.M != first.M || s.Seed != first.Seed ||
			s.CanonicalParsing != first.CanonicalParsing || s.Weighted != first.Weighted {
			return shardData{}, fmt.Errorf("%w: cannot merge shards built with different configurations", ErrConfig)
		}
	}

	mergedPool := newStringPool()
	var mergedPieces []uint64
	var mergedTuples []minimizerTuple
	var numSuperKmers uint64
	var baseOffset uint64

	for _, sd := range shards {
		tmp := &stringPool{buf: sd.Pool.Buf, bitlen: sd.Pool.Bitlen}
		mergedPool.appendRaw(tmp.bases(0, tmp.numBases()))
		numSuperKmers += sd.Pool.NumSuperKmers

		pcs := sd.Pool.Pieces
		if len(pcs) > 0 {
			for _, piece := range pcs[:len(pcs)-1] {
				mergedPieces = append(mergedPieces, piece+baseOffset)
			}
		}

		for _, t := range sd.Tuples {
			mergedTuples = append(mergedTuples, minimizerTuple{
				Minimizer: t.Minimizer,
				Offset:    t.Offset + baseOffset,
				NumKmers:  t.NumKmers,
			})
		}

		baseOffset += tmp.numBases()
	}
	mergedPieces = append(mergedPieces, baseOffset)
	mergedPool.pieces = mergedPieces
	mergedPool.numSuper = numSuperKmers
	mergedPool.finalized = true

	var numSequences, numBases, numKmers, sumWeights uint64
	for _, sd := range shards {
		numSequences += sd.Summary.NumSequences
		numBases += sd.Summary.NumBases
		numKmers += sd.Summary.NumKmers
		sumWeights += sd.Summary.SumWeights
	}

	merged := shardData{
		Summary: &summaryRecord{
			K:                first.K,
			M:                first.M,
			Seed:             first.Seed,
			CanonicalParsing: first.CanonicalParsing,
			Weighted:         first.Weighted,
			NumSequences:     numSequences,
			NumBases:         numBases,
			NumKmers:         numKmers,
			NumSuperKmers:    numSuperKmers,
			NumPieces:        uint64(len(mergedPieces)) - 1,
			SumWeights:       sumWeights,
		},
		Pool: &poolRecord{
			Buf:           mergedPool.buf,
			Bitlen:        mergedPool.bitlen,
			Pieces:        mergedPieces,
			NumSuperKmers: numSuperKmers,
		},
		Tuples: mergedTuples,
	}

	if first.Weighted {
		var intervalLists [][]weightInterval
		for _, sd := range shards {
			if sd.Weights == nil {
				return shardData{}, fmt.Errorf("%w: weighted shard missing weight record", ErrFormat)
			}
			intervalLists = append(intervalLists, sd.Weights.Intervals)
		}
		merged.Weights = &weightSummaryRecord{
			Intervals:  mergeWeightIntervals(intervalLists),
			TotalKmers: numKmers,
			SumWeights: sumWeights,
		}
	}

	return merged, nil
}

// mergeWeightIntervals concatenates run-length interval lists in shard
// order, coalescing a trailing run of one shard with a leading run of
// the next when they share the same value.
func mergeWeightIntervals(lists [][]weightInterval) []weightInterval {
	var out []weightInterval
	for _, ivs := range lists {
		for _, iv := range ivs {
			if n := len(out); n > 0 && out[n-1].Value == iv.Value {
				out[n-1].Length += iv.Length
				continue
			}
			out = append(out, iv)
		}
	}
	return out
}
