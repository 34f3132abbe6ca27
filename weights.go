// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "fmt"

// weightInterval is one run of the run-length-encoded per-k-mer weight
// stream.
type weightInterval struct {
	Value  uint64
	Length uint64
}

// weightBuilder is fed one weight per k-mer, in k-mer order, and
// coalesces consecutive equal weights into runs.
type weightBuilder struct {
	intervals []weightInterval

	haveCurrent  bool
	currentValue uint64
	currentRun   uint64

	sumWeights uint64
	finalized  bool
}

func newWeightBuilder() *weightBuilder {
	return &weightBuilder{}
}

// eat consumes the next weight in stream order.
func (b *weightBuilder) eat(w uint64) {
	b.sumWeights += w
	if !b.haveCurrent {
		b.haveCurrent = true
		b.currentValue = w
		b.currentRun = 1
		return
	}
	if w == b.currentValue {
		b.currentRun++
		return
	}
	b.intervals = append(b.intervals, weightInterval{Value: b.currentValue, Length: b.currentRun})
	b.currentValue = w
	b.currentRun = 1
}

// finalize pushes the final pending run and checks that the run lengths
// sum to totalKmers.
func (b *weightBuilder) finalize(totalKmers uint64) (*weightStream, error) {
	if b.finalized {
		return nil, fmt.Errorf("%w: weight builder finalized twice", ErrInvariant)
	}
	if b.haveCurrent {
		b.intervals = append(b.intervals, weightInterval{Value: b.currentValue, Length: b.currentRun})
		b.haveCurrent = false
	}
	var sum uint64
	for _, iv := range b.intervals {
		sum += iv.Length
	}
	if sum != totalKmers {
		return nil, fmt.Errorf("%w: weight run lengths sum to %d, want %d", ErrInvariant, sum, totalKmers)
	}
	b.finalized = true
	return &weightStream{Intervals: b.intervals, TotalKmers: totalKmers, SumWeights: b.sumWeights}, nil
}

// weightStream is the finalized, read-only run-length weight sequence
// handed off alongside the pool and tuple list.
type weightStream struct {
	Intervals  []weightInterval
	TotalKmers uint64
	SumWeights uint64
}

// At reinflates the weight of the i'th k-mer. Intended for tests and for
// the dump/stats subcommands -- the parser never calls this itself.
func (s *weightStream) At(i uint64) (uint64, error) {
	for _, iv := range s.Intervals {
		if i < iv.Length {
			return iv.Value, nil
		}
		i -= iv.Length
	}
	return 0, fmt.Errorf("%w: weight index out of range", ErrInvariant)
}
