// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/sirupsen/logrus"
)

// buildResult is everything the parser hands off once a stream has been
// fully consumed: the finalized pool, tuple list, and (if requested)
// weight stream, plus the final summary counters.
type buildResult struct {
	Pool    *stringPool
	Tuples  *minimizerTuples
	Weights *weightStream // nil unless cfg.Weighted

	NumSequences  uint64
	NumBases      uint64
	NumKmers      uint64
	NumSuperKmers uint64
	NumPieces     uint64
	SumWeights    uint64
}

// parser is the streaming build driver: single-threaded, synchronous,
// one input reader in, one buildResult out.
type parser struct {
	cfg     buildConfig
	pool    *stringPool
	tuples  *minimizerTupleWriter
	weights *weightBuilder
	log     logrus.FieldLogger

	numSequences uint64
	numBases     uint64
	numKmers     uint64
}

func newParser(cfg buildConfig, log logrus.FieldLogger) *parser {
	return &parser{
		cfg:     cfg,
		pool:    newStringPool(),
		tuples:  newMinimizerTupleWriter(cfg.TmpDirname),
		weights: newWeightBuilder(),
		log:     log,
	}
}

const progressInterval = 100000

// parse reads alternating header/sequence line pairs from r until EOF
// on either read, routing each sequence through the per-sequence
// minimizer-partitioning algorithm.
func (p *parser) parse(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1<<16)
	for {
		header, eof, err := readLine(br)
		if err != nil {
			return fmt.Errorf("%w: reading header: %s", ErrIO, err)
		}
		if eof {
			return nil
		}
		seq, eof, err := readLine(br)
		if err != nil {
			return fmt.Errorf("%w: reading sequence: %s", ErrIO, err)
		}
		if eof {
			return nil
		}
		if err := p.consumeRecord(header, seq); err != nil {
			return err
		}
		p.numSequences++
		if p.numSequences%progressInterval == 0 {
			p.log.Infof("processed %d sequences, %d k-mers so far", p.numSequences, p.numKmers)
		}
	}
}

// readLine reads one line, stripped of its trailing "\r\n" or "\n". It
// reports eof=true only when nothing at all was read -- a final line
// lacking a trailing newline is still returned as data, with eof=false,
// matching the "end-of-file on either read ends the loop" rule at the
// record boundary rather than mid-line.
func readLine(br *bufio.Reader) (line []byte, eof bool, err error) {
	b, rerr := br.ReadBytes('\n')
	if len(b) == 0 && rerr == io.EOF {
		return nil, true, nil
	}
	if rerr != nil && rerr != io.EOF {
		return nil, false, rerr
	}
	return bytes.TrimRight(b, "\r\n"), false, nil
}

func (p *parser) consumeRecord(header, seq []byte) error {
	L := uint64(len(seq))
	p.numBases += L
	if L < p.cfg.K {
		return nil // too short to hold a k-mer; skipped before any validation
	}

	var weights []uint64
	if p.cfg.Weighted {
		length, w, err := parseWeightedHeader(header, p.cfg.K)
		if err != nil {
			return err
		}
		if length != L {
			return fmt.Errorf("%w: header declares LN:i:%d but sequence has length %d", ErrFormat, length, L)
		}
		weights = w
	}

	if !isValidBases(seq) {
		return fmt.Errorf("%w: sequence contains a non-ACGT byte", ErrFormat)
	}

	if p.cfg.Weighted {
		for _, w := range weights {
			p.weights.eat(w)
		}
	}

	return p.parseSequence(seq)
}

// parseSequence partitions one sequence already known to have length
// >= k into super-k-mers, gluing consecutive runs that share a
// minimizer and emitting a tuple for each.
func (p *parser) parseSequence(seq []byte) error {
	k := p.cfg.K
	m := p.cfg.M
	numKmers := uint64(len(seq)) - k + 1

	var (
		begin, end    uint64
		glue          bool
		havePrev      bool
		prevMinimizer uint64
		prevPos       uint64
	)

	emit := func(begin, end uint64) error {
		if !havePrev || begin == end {
			return nil
		}
		count := end - begin
		size := count + k - 1
		offsetBefore := p.pool.currentBaseOffset()
		p.tuples.emplaceBack(prevMinimizer, offsetBefore, uint8(count))
		p.pool.append(seq[begin:begin+size], glue)
		if glue {
			p.tuples.backMut().Offset -= k - 1
		}
		glue = true
		return nil
	}

	for end = 0; end < numKmers; end++ {
		kmer := stringToKmerNoReverse(seq[end : end+k])

		var mm uint64
		var pos uint
		if p.cfg.CanonicalParsing {
			mm, pos = computeMinimizerPosCanonical(kmer, uint(k), uint(m), p.cfg.Seed)
		} else {
			mm, pos = computeMinimizerPos(kmer, uint(k), uint(m), p.cfg.Seed)
		}
		posU := uint64(pos)

		if !havePrev {
			prevMinimizer = mm
			prevPos = posU + 1
			havePrev = true
		}

		if mm != prevMinimizer || posU+1 != prevPos {
			if err := emit(begin, end); err != nil {
				return err
			}
			begin = end
			prevMinimizer = mm
		}
		prevPos = posU
	}
	if err := emit(begin, numKmers); err != nil {
		return err
	}

	p.numKmers += numKmers
	return nil
}

// parseWeightedHeader parses ">[id] LN:i:[L] ab:Z:[w0] [w1] ... [w_{L-k}]".
// Any deviation from the exact token sequence is a FormatError; there
// is no lenient fallback.
func parseWeightedHeader(header []byte, k uint64) (length uint64, weights []uint64, err error) {
	if len(header) == 0 || header[0] != '>' {
		return 0, nil, fmt.Errorf("%w: header does not start with '>'", ErrFormat)
	}
	rest := header[1:]

	sp := bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return 0, nil, fmt.Errorf("%w: header missing LN:i: token", ErrFormat)
	}
	rest = rest[sp+1:]

	const lnPrefix = "LN:i:"
	if !bytes.HasPrefix(rest, []byte(lnPrefix)) {
		return 0, nil, fmt.Errorf("%w: header missing LN:i: token", ErrFormat)
	}
	rest = rest[len(lnPrefix):]

	sp = bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return 0, nil, fmt.Errorf("%w: header missing ab:Z: token", ErrFormat)
	}
	length, convErr := strconv.ParseUint(string(rest[:sp]), 10, 64)
	if convErr != nil {
		return 0, nil, fmt.Errorf("%w: invalid LN:i: value: %s", ErrFormat, convErr)
	}
	rest = rest[sp+1:]

	const abPrefix = "ab:Z:"
	if !bytes.HasPrefix(rest, []byte(abPrefix)) {
		return 0, nil, fmt.Errorf("%w: header missing ab:Z: token", ErrFormat)
	}
	rest = rest[len(abPrefix):]

	fields := bytes.Fields(rest)
	if k == 0 || length < k {
		return 0, nil, fmt.Errorf("%w: LN:i:%d shorter than k=%d", ErrFormat, length, k)
	}
	want := length - k + 1
	if uint64(len(fields)) != want {
		return 0, nil, fmt.Errorf("%w: ab:Z: has %d weights, want %d", ErrFormat, len(fields), want)
	}
	weights = make([]uint64, len(fields))
	for i, f := range fields {
		v, convErr := strconv.ParseUint(string(f), 10, 64)
		if convErr != nil {
			return 0, nil, fmt.Errorf("%w: invalid ab:Z: weight %q: %s", ErrFormat, f, convErr)
		}
		weights[i] = v
	}
	return length, weights, nil
}

// finalize drains the pool, tuple writer, and (if configured) weight
// builder and logs the final summary line.
func (p *parser) finalize() (*buildResult, error) {
	p.pool.finalize()
	tuples, err := p.tuples.finalize()
	if err != nil {
		return nil, err
	}

	res := &buildResult{
		Pool:          p.pool,
		Tuples:        tuples,
		NumSequences:  p.numSequences,
		NumBases:      p.numBases,
		NumKmers:      p.numKmers,
		NumSuperKmers: p.pool.numSuperKmers(),
		NumPieces:     uint64(len(p.pool.pieces)) - 1,
	}

	if p.cfg.Weighted {
		ws, err := p.weights.finalize(p.numKmers)
		if err != nil {
			return nil, err
		}
		res.Weights = ws
		res.SumWeights = ws.SumWeights
	}

	bitsPerKmer := 0.0
	if res.NumKmers > 0 {
		bitsPerKmer = float64(p.pool.bitlen) / float64(res.NumKmers)
	}
	fields := logrus.Fields{
		"num_sequences":   res.NumSequences,
		"num_bases":       res.NumBases,
		"num_kmers":       res.NumKmers,
		"num_super_kmers": res.NumSuperKmers,
		"num_pieces":      res.NumPieces,
		"bits_per_kmer":   bitsPerKmer,
	}
	if p.cfg.Weighted {
		fields["sum_of_weights"] = res.SumWeights
	}
	p.log.WithFields(fields).Info("build finished")

	return res, nil
}
