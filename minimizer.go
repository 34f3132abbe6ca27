// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

// murmurHash2_64 is MurmurHash64A (Austin Appleby's 64-bit variant of
// MurmurHash2), computed over data little-endian regardless of host
// byte order. This is not the same algorithm as the "murmur3" package
// pulled in transitively by the rest of this module's stack: MurmurHash3
// uses different constants and a different mixing schedule and would
// produce a different minimizer for the same (m-mer, seed) pair, which
// would silently change which k-mers land in which super-k-mer and
// break compatibility with anything built against this hash. The exact
// bit pattern is part of the external contract (see buildConfig.seed
// doc), so it is reimplemented here rather than approximated by a
// differently-specified hash.
func murmurHash2_64(data []byte, seed uint64) uint64 {
	const m = 0xc6a4a7935bd1e995
	const r = 47

	h := seed ^ (uint64(len(data)) * m)

	n := len(data) / 8
	for i := 0; i < n; i++ {
		k := leUint64(data[i*8:])
		k *= m
		k ^= k >> r
		k *= m
		h ^= k
		h *= m
	}

	tail := data[n*8:]
	switch len(tail) {
	case 7:
		h ^= uint64(tail[6]) << 48
		fallthrough
	case 6:
		h ^= uint64(tail[5]) << 40
		fallthrough
	case 5:
		h ^= uint64(tail[4]) << 32
		fallthrough
	case 4:
		h ^= uint64(tail[3]) << 24
		fallthrough
	case 3:
		h ^= uint64(tail[2]) << 16
		fallthrough
	case 2:
		h ^= uint64(tail[1]) << 8
		fallthrough
	case 1:
		h ^= uint64(tail[0])
		h *= m
	}

	h ^= h >> r
	h *= m
	h ^= h >> r
	return h
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putLeUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

// hashSubKmer hashes a no-reverse-packed m-mer (m <= maxM, so it always
// fits in a uint64) with murmurHash2_64 over its little-endian byte
// representation.
func hashSubKmer(sub uint64, seed uint64) uint64 {
	var buf [8]byte
	putLeUint64(buf[:], sub)
	return murmurHash2_64(buf[:], seed)
}

// computeMinimizerPos returns the m-length substring of kmer (no-reverse
// layout, length k) with the smallest hash, together with its offset
// within the k-mer. Ties are broken in favour of the earliest (smallest)
// offset, because we only update best on a strict improvement.
func computeMinimizerPos(kmer kmer128, k, m uint, seed uint64) (minimizer uint64, pos uint) {
	mask := maskLow2m(m)
	bestHash := ^uint64(0)
	for i := uint(0); i <= k-m; i++ {
		sub := kmer.and(mask).Lo
		h := hashSubKmer(sub, seed)
		if h < bestHash {
			bestHash = h
			minimizer = sub
			pos = i
		}
		kmer = kmer.shiftRight2()
	}
	return minimizer, pos
}

// computeMinimizerPosCanonical implements canonical-strand minimizer
// selection: compute the minimizer of the forward k-mer and of its
// reverse complement, and keep whichever side has the numerically
// smaller m-mer code (not the smaller hash). The emitted position is
// always translated back into forward-strand coordinates.
func computeMinimizerPosCanonical(kmerNoRev kmer128, k, m uint, seed uint64) (minimizer uint64, pos uint) {
	mmFwd, posFwd := computeMinimizerPos(kmerNoRev, k, m, seed)

	natural := noReverseToNatural(kmerNoRev, k)
	rcHi, rcLo := reverseComplement128(natural.Hi, natural.Lo, k)
	// noReverseToNatural is its own inverse: both directions extract
	// the base at offset 2*(k-1-i) and place it at offset 2*i.
	kmerRC := noReverseToNatural(kmer128{Hi: rcHi, Lo: rcLo}, k)
	mmRC, posRC := computeMinimizerPos(kmerRC, k, m, seed)

	if mmRC < mmFwd {
		return mmRC, k - (posRC + m)
	}
	return mmFwd, posFwd
}
