// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/sirupsen/logrus"
)

// buildCommand is the "build" subcommand: it runs the parser/
// partitioner driver (parser.go) over one or more input files and
// writes the resulting pool/tuples/weights as a gob record stream
// (output.go).
type buildCommand struct{}

func (c *buildCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := defaultBuildConfig()
	var (
		local          = true
		outputFilename = "-"
		outputName     string
		projectUUID    string
		priority       = 500
		loglevel       = "info"
		batches        batchArgs
	)

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Uint64Var(&cfg.K, "k", cfg.K, "k-mer length (odd)")
	flags.Uint64Var(&cfg.M, "m", cfg.M, "minimizer length (odd, <= k)")
	flags.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "minimizer hash seed")
	flags.BoolVar(&cfg.CanonicalParsing, "canonical-parsing", cfg.CanonicalParsing, "select minimizers on the canonical (strand-independent) k-mer")
	flags.BoolVar(&cfg.Weighted, "weighted", cfg.Weighted, "parse per-k-mer weights from LN:i:/ab:Z: input headers")
	flags.StringVar(&cfg.TmpDirname, "tmp-dirname", cfg.TmpDirname, "directory for minimizer-tuple-writer spill files")
	flags.Uint64Var(&cfg.L, "l", cfg.L, "downstream: minimizer bucket width (passed through, unused by this core)")
	flags.Float64Var(&cfg.C, "c", cfg.C, "downstream: load factor (passed through, unused by this core)")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "verbose logging")
	flags.StringVar(&loglevel, "loglevel", loglevel, "logging level (trace, debug, info, warn, error)")
	flags.BoolVar(&local, "local", local, "run locally instead of submitting an Arvados container request per batch")
	flags.StringVar(&outputFilename, "o", outputFilename, "output `file` for the gob record stream (\"-\" for stdout)")
	flags.StringVar(&outputName, "output-name", outputName, "name for the output Arvados collection, if not -local")
	flags.StringVar(&projectUUID, "project-uuid", projectUUID, "Arvados project uuid to save the container request in, if not -local")
	flags.IntVar(&priority, "priority", priority, "Arvados container request priority, if not -local")
	batches.Flags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}

	inputFiles := flags.Args()
	if len(inputFiles) == 0 {
		fmt.Fprintf(stderr, "usage: %s build [options] fasta-file [fasta-file ...]\n", prog)
		return 2
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	level, err := logrus.ParseLevel(loglevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(stderr)

	if !local {
		runner := arvadosContainerRunner{
			Client:      arvados.NewClientFromEnv(),
			Name:        "sshash build",
			ProjectUUID: projectUUID,
			OutputName:  outputName,
			Priority:    priority,
			VCPUs:       4,
			RAM:         1 << 33,
		}
		pathPtrs := make([]*string, len(inputFiles))
		for i := range inputFiles {
			pathPtrs[i] = &inputFiles[i]
		}
		if err := runner.TranslatePaths(pathPtrs...); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		outputs, err := batches.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
			r := runner
			r.Args = append([]string{"build", "-local=true", "-o=/mnt/output/build.gob"}, cfg.scalarFlags()...)
			r.Args = append(r.Args, batches.Args(batch)...)
			r.Args = append(r.Args, batches.Slice(inputFiles)...)
			return r.RunContext(ctx)
		})
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		for _, out := range outputs {
			fmt.Fprintln(stdout, out)
		}
		return 0
	}

	batchInputs := batches.Slice(inputFiles)
	p := newParser(cfg, logger)
	for _, fnm := range batchInputs {
		f, err := zopen(fnm)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", fnm, err)
			return 1
		}
		err = p.parse(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", fnm, err)
			return 1
		}
	}
	res, err := p.finalize()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out := stdout
	var outf *os.File
	if outputFilename != "-" {
		outf, err = os.OpenFile(outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer outf.Close()
	} else {
		outf = nil
	}
	var w io.Writer = out
	if outf != nil {
		w = outf
	}
	if err := writeBuildOutput(w, cfg, res); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// scalarFlags reconstructs the flag arguments needed to reproduce cfg
// in a batch sub-invocation of this same subcommand.
func (cfg buildConfig) scalarFlags() []string {
	return []string{
		fmt.Sprintf("-k=%d", cfg.K),
		fmt.Sprintf("-m=%d", cfg.M),
		fmt.Sprintf("-seed=%d", cfg.Seed),
		fmt.Sprintf("-canonical-parsing=%v", cfg.CanonicalParsing),
		fmt.Sprintf("-weighted=%v", cfg.Weighted),
		fmt.Sprintf("-tmp-dirname=%s", cfg.TmpDirname),
		fmt.Sprintf("-l=%d", cfg.L),
		fmt.Sprintf("-c=%g", cfg.C),
		fmt.Sprintf("-verbose=%v", cfg.Verbose),
	}
}
