// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"encoding/gob"
	"fmt"
	"io"
)

// summaryRecord captures the build configuration and the final summary
// counters.
type summaryRecord struct {
	K, M, Seed                       uint64
	CanonicalParsing, Weighted       bool
	NumSequences, NumBases, NumKmers uint64
	NumSuperKmers, NumPieces         uint64
	SumWeights                       uint64
}

// poolRecord is the gob-serializable form of a finalized stringPool.
type poolRecord struct {
	Buf           []byte
	Bitlen        uint64
	Pieces        []uint64
	NumSuperKmers uint64
}

// weightSummaryRecord is the gob-serializable form of a finalized
// weightStream.
type weightSummaryRecord struct {
	Intervals  []weightInterval
	TotalKmers uint64
	SumWeights uint64
}

// outputEntry is one record of the gob stream a build subcommand writes
// and the dump/merge/stats/compare subcommands read back. Each decoded
// entry populates at most one field; the stream is: one Summary, one
// Pool, any number of Tuples batches (in insertion order), then
// optionally one Weights -- a single repeated envelope type carrying
// heterogeneous, independently-sized pieces of one logical object
// across multiple gob Encode calls, so the writer never has to hold the
// whole tuple list in memory at once.
type outputEntry struct {
	Summary *summaryRecord
	Pool    *poolRecord
	Tuples  []minimizerTuple
	Weights *weightSummaryRecord
}

// tupleBatchSize bounds how many tuples are buffered before being
// flushed as one gob record when writing a build's output.
const tupleBatchSize = 1 << 16

// writeBuildOutput streams a buildResult to w as a sequence of gob
// records.
func writeBuildOutput(w io.Writer, cfg buildConfig, res *buildResult) error {
	summary := &summaryRecord{
		K:                cfg.K,
		M:                cfg.M,
		Seed:             cfg.Seed,
		CanonicalParsing: cfg.CanonicalParsing,
		Weighted:         cfg.Weighted,
		NumSequences:     res.NumSequences,
		NumBases:         res.NumBases,
		NumKmers:         res.NumKmers,
		NumSuperKmers:    res.NumSuperKmers,
		NumPieces:        res.NumPieces,
		SumWeights:       res.SumWeights,
	}
	pool := &poolRecord{
		Buf:           res.Pool.buf,
		Bitlen:        res.Pool.bitlen,
		Pieces:        res.Pool.pieces,
		NumSuperKmers: res.Pool.numSuper,
	}
	var weights *weightSummaryRecord
	if res.Weights != nil {
		weights = &weightSummaryRecord{
			Intervals:  res.Weights.Intervals,
			TotalKmers: res.Weights.TotalKmers,
			SumWeights: res.Weights.SumWeights,
		}
	}
	return writeOutputEntries(w, summary, pool, res.Tuples.Iterate, weights)
}

// writeOutputEntries encodes one summary record, one pool record, the
// tuple stream produced by iterate (batched so the whole stream is
// never held in memory at once), and an optional weight record. Both
// writeBuildOutput and merge.go's shard combiner funnel through this.
func writeOutputEntries(w io.Writer, summary *summaryRecord, pool *poolRecord, iterate func(func(minimizerTuple) error) error, weights *weightSummaryRecord) error {
	enc := gob.NewEncoder(w)

	if err := enc.Encode(outputEntry{Summary: summary}); err != nil {
		return fmt.Errorf("%w: encoding summary record: %s", ErrIO, err)
	}
	if err := enc.Encode(outputEntry{Pool: pool}); err != nil {
		return fmt.Errorf("%w: encoding pool record: %s", ErrIO, err)
	}

	batch := make([]minimizerTuple, 0, tupleBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := enc.Encode(outputEntry{Tuples: batch}); err != nil {
			return fmt.Errorf("%w: encoding tuple batch: %s", ErrIO, err)
		}
		batch = batch[:0]
		return nil
	}
	err := iterate(func(t minimizerTuple) error {
		batch = append(batch, t)
		if len(batch) >= tupleBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	if weights != nil {
		if err := enc.Encode(outputEntry{Weights: weights}); err != nil {
			return fmt.Errorf("%w: encoding weight record: %s", ErrIO, err)
		}
	}
	return nil
}

// decodeBuildOutput calls fn once per record in a gob stream written by
// writeBuildOutput, until EOF.
func decodeBuildOutput(r io.Reader, fn func(outputEntry) error) error {
	dec := gob.NewDecoder(r)
	for {
		var ent outputEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("%w: decoding build output: %s", ErrIO, err)
		}
		if err := fn(ent); err != nil {
			return err
		}
	}
}
