// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "gopkg.in/check.v1"

type minimizerSuite struct{}

var _ = check.Suite(&minimizerSuite{})

func (s *minimizerSuite) TestMurmurHash2_64Deterministic(c *check.C) {
	data := []byte("ACGTACGTACGTACGT")
	h1 := murmurHash2_64(data, 1)
	h2 := murmurHash2_64(data, 1)
	c.Check(h1, check.Equals, h2)
	c.Check(murmurHash2_64(data, 2), check.Not(check.Equals), h1)
}

func (s *minimizerSuite) TestMurmurHash2_64AllTailLengths(c *check.C) {
	// exercise every tail-length branch (0-7 leftover bytes after full
	// 8-byte words) without panicking and without colliding trivially.
	seen := map[uint64]bool{}
	for n := 0; n <= 16; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte('A' + i)
		}
		h := murmurHash2_64(data, 1)
		seen[h] = true
	}
	c.Check(len(seen), check.Equals, 17)
}

func (s *minimizerSuite) TestComputeMinimizerPosInRange(c *check.C) {
	k, m := uint(5), uint(3)
	kmer := stringToKmerNoReverse([]byte("ACGTA"))
	mm, pos := computeMinimizerPos(kmer, k, m, 1)
	c.Check(pos <= k-m, check.Equals, true)
	c.Check(mm <= (uint64(1)<<(2*m))-1, check.Equals, true)
}

func (s *minimizerSuite) TestComputeMinimizerPosMatchesSubstring(c *check.C) {
	k, m := uint(5), uint(3)
	seq := []byte("ACGTA")
	kmer := stringToKmerNoReverse(seq)
	mm, pos := computeMinimizerPos(kmer, k, m, 1)
	sub := stringToKmerNoReverse(seq[pos : pos+m]).Lo
	c.Check(mm, check.Equals, sub)
}

func (s *minimizerSuite) TestCanonicalMatchesReverseComplement(c *check.C) {
	k, m := uint(5), uint(3)
	fwd := []byte("ACGTA")
	// reverse complement of ACGTA is TACGT
	rc := []byte("TACGT")

	kmerFwd := stringToKmerNoReverse(fwd)
	kmerRC := stringToKmerNoReverse(rc)

	mmFwd, posFwd := computeMinimizerPosCanonical(kmerFwd, k, m, 1)
	mmRC, posRC := computeMinimizerPosCanonical(kmerRC, k, m, 1)

	c.Check(mmRC, check.Equals, mmFwd)
	c.Check(posRC, check.Equals, k-(posFwd+m))
}
