// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "gopkg.in/check.v1"

type weightsSuite struct{}

var _ = check.Suite(&weightsSuite{})

func (s *weightsSuite) TestRunLengthCoalescing(c *check.C) {
	b := newWeightBuilder()
	for _, w := range []uint64{2, 2, 2, 3, 3} {
		b.eat(w)
	}
	ws, err := b.finalize(5)
	c.Assert(err, check.IsNil)
	c.Check(ws.Intervals, check.DeepEquals, []weightInterval{{Value: 2, Length: 3}, {Value: 3, Length: 2}})
	c.Check(ws.TotalKmers, check.Equals, uint64(5))
	c.Check(ws.SumWeights, check.Equals, uint64(2*3+3*2))
}

func (s *weightsSuite) TestFinalizeLengthMismatch(c *check.C) {
	b := newWeightBuilder()
	b.eat(1)
	_, err := b.finalize(2)
	c.Check(err, check.NotNil)
}

func (s *weightsSuite) TestFinalizeTwiceErrors(c *check.C) {
	b := newWeightBuilder()
	b.eat(1)
	_, err := b.finalize(1)
	c.Assert(err, check.IsNil)
	_, err = b.finalize(1)
	c.Check(err, check.NotNil)
}

func (s *weightsSuite) TestAtReinflates(c *check.C) {
	b := newWeightBuilder()
	for _, w := range []uint64{2, 2, 2, 3, 3} {
		b.eat(w)
	}
	ws, err := b.finalize(5)
	c.Assert(err, check.IsNil)
	want := []uint64{2, 2, 2, 3, 3}
	for i, w := range want {
		got, err := ws.At(uint64(i))
		c.Assert(err, check.IsNil)
		c.Check(got, check.Equals, w)
	}
	_, err = ws.At(5)
	c.Check(err, check.NotNil)
}

func (s *weightsSuite) TestEmptyStream(c *check.C) {
	b := newWeightBuilder()
	ws, err := b.finalize(0)
	c.Assert(err, check.IsNil)
	c.Check(ws.Intervals, check.HasLen, 0)
	c.Check(ws.SumWeights, check.Equals, uint64(0))
}
