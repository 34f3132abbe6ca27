// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"bytes"

	"gopkg.in/check.v1"
)

type mergeSuite struct{}

var _ = check.Suite(&mergeSuite{})

// shardFromPool builds a shardData the way readShard would decode one,
// but directly from a finalized parser result, so tests exercise
// mergeShards without going through the gob round trip.
func shardFromPool(cfg buildConfig, res *buildResult) shardData {
	tuples := make([]minimizerTuple, 0)
	_ = res.Tuples.Iterate(func(t minimizerTuple) error {
		tuples = append(tuples, t)
		return nil
	})
	sd := shardData{
		Summary: &summaryRecord{
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
		},
		Pool: &poolRecord{
			Buf:           res.Pool.buf,
			Bitlen:        res.Pool.bitlen,
			Pieces:        res.Pool.pieces,
			NumSuperKmers: res.Pool.numSuper,
		},
		Tuples: tuples,
	}
	if res.Weights != nil {
		sd.Weights = &weightSummaryRecord{
			Intervals:  res.Weights.Intervals,
			TotalKmers: res.Weights.TotalKmers,
			SumWeights: res.Weights.SumWeights,
		}
	}
	return sd
}

func (s *mergeSuite) TestMergeTwoShardsPreservesTotals(c *check.C) {
	cfg := testCfg()
	cfg.TmpDirname = c.MkDir()
	p1 := newParser(cfg, quietLogger())
	c.Assert(p1.parse(bytes.NewReader([]byte(">a\nACGTACGT\n"))), check.IsNil)
	res1, err := p1.finalize()
	c.Assert(err, check.IsNil)

	cfg2 := cfg
	cfg2.TmpDirname = c.MkDir()
	p2 := newParser(cfg2, quietLogger())
	c.Assert(p2.parse(bytes.NewReader([]byte(">b\nTTTTTACGT\n"))), check.IsNil)
	res2, err := p2.finalize()
	c.Assert(err, check.IsNil)

	shards := []shardData{shardFromPool(cfg, res1), shardFromPool(cfg2, res2)}
	merged, err := mergeShards(shards)
	c.Assert(err, check.IsNil)

	c.Check(merged.Summary.NumKmers, check.Equals, res1.NumKmers+res2.NumKmers)
	c.Check(merged.Summary.NumSequences, check.Equals, res1.NumSequences+res2.NumSequences)
	c.Check(merged.Summary.NumSuperKmers, check.Equals, res1.NumSuperKmers+res2.NumSuperKmers)

	// one piece boundary per shard's own sequence, plus the final
	// sentinel: two one-sequence shards merge into three boundaries.
	c.Check(merged.Pool.Pieces, check.HasLen, 3)
	c.Check(merged.Pool.Pieces[0], check.Equals, uint64(0))
	c.Check(merged.Pool.Pieces[2], check.Equals, res1.Pool.numBases()+res2.Pool.numBases())

	c.Check(len(merged.Tuples), check.Equals, len(shards[0].Tuples)+len(shards[1].Tuples))

	// the second shard's tuples and piece boundaries must have been
	// shifted by the first shard's base length.
	shift := res1.Pool.numBases()
	c.Check(merged.Pool.Pieces[1], check.Equals, shift)
	for i, t := range shards[1].Tuples {
		c.Check(merged.Tuples[len(shards[0].Tuples)+i].Offset, check.Equals, t.Offset+shift)
	}

	// the reconstructed pool's raw contents for the first shard's span
	// must be byte-identical to the original shard's pool.
	rebuilt := &stringPool{buf: merged.Pool.Buf, bitlen: merged.Pool.Bitlen}
	c.Check(string(rebuilt.bases(0, shift)), check.Equals, string(res1.Pool.bases(0, res1.Pool.numBases())))
}

func (s *mergeSuite) TestMergeRejectsMismatchedConfig(c *check.C) {
	cfg := testCfg()
	cfg.TmpDirname = c.MkDir()
	p1 := newParser(cfg, quietLogger())
	c.Assert(p1.parse(bytes.NewReader([]byte(">a\nACGTACGT\n"))), check.IsNil)
	res1, err := p1.finalize()
	c.Assert(err, check.IsNil)

	cfg2 := cfg
	cfg2.K = cfg.K + 1
	cfg2.TmpDirname = c.MkDir()
	p2 := newParser(cfg2, quietLogger())
	c.Assert(p2.parse(bytes.NewReader([]byte(">b\nTTTTTACGTT\n"))), check.IsNil)
	res2, err := p2.finalize()
	c.Assert(err, check.IsNil)

	_, err = mergeShards([]shardData{shardFromPool(cfg, res1), shardFromPool(cfg2, res2)})
	c.Check(err, check.NotNil)
}

func (s *mergeSuite) TestMergeCoalescesWeightIntervalsAcrossShardBoundary(c *check.C) {
	cfg := defaultBuildConfig()
	cfg.K, cfg.M, cfg.Seed = 2, 1, 1
	cfg.Weighted = true
	cfg.TmpDirname = c.MkDir()
	p1 := newParser(cfg, quietLogger())
	c.Assert(p1.parse(bytes.NewReader([]byte(">1 LN:i:3 ab:Z:5 5\nACG\n"))), check.IsNil)
	res1, err := p1.finalize()
	c.Assert(err, check.IsNil)

	cfg2 := cfg
	cfg2.TmpDirname = c.MkDir()
	p2 := newParser(cfg2, quietLogger())
	c.Assert(p2.parse(bytes.NewReader([]byte(">2 LN:i:3 ab:Z:5 7\nTAC\n"))), check.IsNil)
	res2, err := p2.finalize()
	c.Assert(err, check.IsNil)

	merged, err := mergeShards([]shardData{shardFromPool(cfg, res1), shardFromPool(cfg2, res2)})
	c.Assert(err, check.IsNil)

	c.Assert(merged.Weights, check.NotNil)
	// shard 1 ends with a run of weight 5 (length 1, after the run of
	// two 5s collapses); shard 2 starts with a weight-5 run too -- they
	// should coalesce into one interval spanning the boundary.
	c.Check(merged.Weights.Intervals, check.DeepEquals, []weightInterval{
		{Value: 5, Length: 3},
		{Value: 7, Length: 1},
	})
	c.Check(merged.Weights.TotalKmers, check.Equals, uint64(4))
}

func (s *mergeSuite) TestMergeRejectsMissingWeightRecord(c *check.C) {
	cfg := defaultBuildConfig()
	cfg.K, cfg.M, cfg.Seed = 2, 1, 1
	cfg.Weighted = true
	cfg.TmpDirname = c.MkDir()
	p := newParser(cfg, quietLogger())
	c.Assert(p.parse(bytes.NewReader([]byte(">1 LN:i:3 ab:Z:5 5\nACG\n"))), check.IsNil)
	res, err := p.finalize()
	c.Assert(err, check.IsNil)

	sd := shardFromPool(cfg, res)
	sd.Weights = nil
	_, err = mergeShards([]shardData{sd})
	c.Check(err, check.NotNil)
}
