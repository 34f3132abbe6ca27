// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "gopkg.in/check.v1"

type poolSuite struct{}

var _ = check.Suite(&poolSuite{})

func (s *poolSuite) TestAppendAndReadBack(c *check.C) {
	p := newStringPool()
	p.append([]byte("ACGTA"), false)
	p.append([]byte("CGTAC"), true) // glued: overlap bases stored in full
	p.finalize()

	c.Check(p.numBases(), check.Equals, uint64(10))
	c.Check(p.numSuperKmers(), check.Equals, uint64(2))
	c.Check(p.pieces, check.DeepEquals, []uint64{0, 10})
	c.Check(string(p.bases(0, 5)), check.Equals, "ACGTA")
	c.Check(string(p.bases(5, 5)), check.Equals, "CGTAC")
}

func (s *poolSuite) TestMultiplePieces(c *check.C) {
	p := newStringPool()
	p.append([]byte("AAAAA"), false)
	p.append([]byte("CCCCC"), false) // not glued: starts a new piece
	p.finalize()

	c.Check(p.pieces, check.DeepEquals, []uint64{0, 5, 10})
}

func (s *poolSuite) TestFinalizeIsIdempotent(c *check.C) {
	p := newStringPool()
	p.append([]byte("ACGT"), false)
	p.finalize()
	pieces := append([]uint64{}, p.pieces...)
	p.finalize()
	c.Check(p.pieces, check.DeepEquals, pieces)
}

func (s *poolSuite) TestAppendAfterFinalizePanics(c *check.C) {
	p := newStringPool()
	p.finalize()
	c.Check(func() { p.append([]byte("A"), false) }, check.Panics, "bug: append after finalize")
}

func (s *poolSuite) TestAppendRawNoBoundary(c *check.C) {
	p := newStringPool()
	p.appendRaw([]byte("ACGT"))
	c.Check(p.numBases(), check.Equals, uint64(4))
	c.Check(len(p.pieces), check.Equals, 0)
	c.Check(p.numSuperKmers(), check.Equals, uint64(0))
}
