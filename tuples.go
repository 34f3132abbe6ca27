// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// minimizerTuple is the (minimizer, offset, count) triple emitted once
// per super-k-mer. NumKmers is stored in a uint8 because
// buildConfig.validate rejects any
// k,m combination where k-m+1 would not fit in numKmersInSuperKmerBits
// (8) bits.
type minimizerTuple struct {
	Minimizer uint64
	Offset    uint64
	NumKmers  uint8
}

// minimizerTupleWriter is the external-memory sink for the tuple
// stream: an append-only buffer that spills batches to tmpDirname once
// it grows past flushThreshold. Spills run on a bounded pool of
// background goroutines (the throttle type, adapted from throttle.go)
// so that slow disk I/O never blocks the parser loop waiting on the
// previous spill; the parser itself remains single-threaded -- it only
// ever hands a full buffer off, never waits on parsing logic.
type minimizerTupleWriter struct {
	tmpDirname     string
	flushThreshold int

	buf []minimizerTuple

	nextSpillIdx int
	spillPaths   []string
	throttle     throttle

	total     uint64
	finalized bool
}

const defaultTupleFlushThreshold = 1 << 20 // 1Mi tuples (~17MiB) per spill

func newMinimizerTupleWriter(tmpDirname string) *minimizerTupleWriter {
	return &minimizerTupleWriter{
		tmpDirname:     tmpDirname,
		flushThreshold: defaultTupleFlushThreshold,
		throttle:       throttle{Max: runtime.NumCPU() + 1},
	}
}

// emplaceBack appends a new tuple, spilling the previous batch first if
// it has grown past flushThreshold. Spilling happens before appending
// (not after) so that the tuple just appended -- the one backMut() is
// about to adjust -- is always still resident in buf.
func (w *minimizerTupleWriter) emplaceBack(minimizer, offset uint64, count uint8) {
	if len(w.buf) >= w.flushThreshold {
		w.spillAsync(w.buf)
		w.buf = make([]minimizerTuple, 0, w.flushThreshold)
	}
	w.buf = append(w.buf, minimizerTuple{Minimizer: minimizer, Offset: offset, NumKmers: count})
	w.total++
}

// backMut exposes the most recently emplaced tuple for the driver's
// glue-offset correction.
func (w *minimizerTupleWriter) backMut() *minimizerTuple {
	return &w.buf[len(w.buf)-1]
}

func (w *minimizerTupleWriter) spillAsync(batch []minimizerTuple) {
	idx := w.nextSpillIdx
	w.nextSpillIdx++
	path := filepath.Join(w.tmpDirname, fmt.Sprintf("sshash-tuples-%06d.bin", idx))
	w.spillPaths = append(w.spillPaths, path)
	w.throttle.Acquire()
	go func() {
		defer w.throttle.Release()
		w.throttle.Report(writeTupleSpillFile(path, batch))
	}()
}

// finalize flushes any remaining in-memory tuples, waits for all
// outstanding spills, and returns an immutable handle over the combined,
// insertion-ordered tuple stream.
func (w *minimizerTupleWriter) finalize() (*minimizerTuples, error) {
	if w.finalized {
		return nil, fmt.Errorf("%w: finalize called twice", ErrInvariant)
	}
	if len(w.buf) > 0 {
		w.spillAsync(w.buf)
		w.buf = nil
	}
	if err := w.throttle.Wait(); err != nil {
		return nil, fmt.Errorf("%w: spilling minimizer tuples: %s", ErrIO, err)
	}
	w.finalized = true
	return &minimizerTuples{paths: w.spillPaths, total: w.total}, nil
}

// minimizerTuples is the finalized, read-only handle handed off to
// downstream consumers. Ordering during writing was insertion order;
// this type preserves that order on readback -- it does not sort, by
// design: consumers that need the tuples grouped by minimizer sort
// them separately.
type minimizerTuples struct {
	paths []string
	total uint64
}

func (t *minimizerTuples) Len() uint64 { return t.total }

func (t *minimizerTuples) Iterate(fn func(minimizerTuple) error) error {
	for _, path := range t.paths {
		if err := readTupleSpillFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

const tupleRecordSize = 8 + 8 + 1 // minimizer, offset, count

func writeTupleSpillFile(path string, batch []minimizerTuple) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating spill file %s: %s", ErrIO, path, err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 1<<20)
	var rec [tupleRecordSize]byte
	for _, t := range batch {
		binary.LittleEndian.PutUint64(rec[0:8], t.Minimizer)
		binary.LittleEndian.PutUint64(rec[8:16], t.Offset)
		rec[16] = t.NumKmers
		if _, err := w.Write(rec[:]); err != nil {
			return fmt.Errorf("%w: writing spill file %s: %s", ErrIO, path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: flushing spill file %s: %s", ErrIO, path, err)
	}
	return f.Close()
}

func readTupleSpillFile(path string, fn func(minimizerTuple) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening spill file %s: %s", ErrIO, path, err)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)
	var rec [tupleRecordSize]byte
	for {
		_, err := io.ReadFull(r, rec[:])
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("%w: reading spill file %s: %s", ErrIO, path, err)
		}
		t := minimizerTuple{
			Minimizer: binary.LittleEndian.Uint64(rec[0:8]),
			Offset:    binary.LittleEndian.Uint64(rec[8:16]),
			NumKmers:  rec[16],
		}
		if err := fn(t); err != nil {
			return err
		}
	}
}
