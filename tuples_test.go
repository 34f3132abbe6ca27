// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "gopkg.in/check.v1"

type tuplesSuite struct{}

var _ = check.Suite(&tuplesSuite{})

func (s *tuplesSuite) TestEmplaceAndIterateInsertionOrder(c *check.C) {
	w := newMinimizerTupleWriter(c.MkDir())
	w.emplaceBack(10, 0, 1)
	w.emplaceBack(20, 5, 2)
	w.emplaceBack(30, 10, 3)
	tuples, err := w.finalize()
	c.Assert(err, check.IsNil)
	c.Check(tuples.Len(), check.Equals, uint64(3))

	var got []minimizerTuple
	err = tuples.Iterate(func(t minimizerTuple) error {
		got = append(got, t)
		return nil
	})
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, []minimizerTuple{
		{Minimizer: 10, Offset: 0, NumKmers: 1},
		{Minimizer: 20, Offset: 5, NumKmers: 2},
		{Minimizer: 30, Offset: 10, NumKmers: 3},
	})
}

func (s *tuplesSuite) TestBackMutAdjustsLastTuple(c *check.C) {
	w := newMinimizerTupleWriter(c.MkDir())
	w.emplaceBack(1, 100, 4)
	w.backMut().Offset -= 3
	tuples, err := w.finalize()
	c.Assert(err, check.IsNil)
	var got minimizerTuple
	tuples.Iterate(func(t minimizerTuple) error {
		got = t
		return nil
	})
	c.Check(got.Offset, check.Equals, uint64(97))
}

func (s *tuplesSuite) TestSpillsAcrossFlushThreshold(c *check.C) {
	w := newMinimizerTupleWriter(c.MkDir())
	w.flushThreshold = 4
	for i := uint64(0); i < 10; i++ {
		w.emplaceBack(i, i, 1)
	}
	tuples, err := w.finalize()
	c.Assert(err, check.IsNil)
	c.Check(tuples.Len(), check.Equals, uint64(10))
	c.Check(len(tuples.paths) > 1, check.Equals, true)

	var n int
	tuples.Iterate(func(t minimizerTuple) error {
		c.Check(t.Minimizer, check.Equals, uint64(n))
		n++
		return nil
	})
	c.Check(n, check.Equals, 10)
}

func (s *tuplesSuite) TestFinalizeTwiceErrors(c *check.C) {
	w := newMinimizerTupleWriter(c.MkDir())
	w.emplaceBack(1, 1, 1)
	_, err := w.finalize()
	c.Assert(err, check.IsNil)
	_, err = w.finalize()
	c.Check(err, check.NotNil)
}
