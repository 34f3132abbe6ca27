// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

const dockerImageTag = "sshash-runtime"

var handler = cmd.Multi(map[string]cmd.Handler{
	"version":   cmd.Version,
	"-version":  cmd.Version,
	"--version": cmd.Version,

	"build":              &buildCommand{},
	"merge":              &merger{},
	"dump":               &dumpGob{},
	"stats":              &statsCommand{},
	"compare":            &compareCommand{},
	"build-docker-image": &buildDockerImage{},
})

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// buildDockerImage builds the image build/container.go uses for
// non-local (Arvados container) runs.
type buildDockerImage struct{}

func (c *buildDockerImage) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	tmpdir, err := ioutil.TempDir("", "")
	if err != nil {
		fmt.Fprint(stderr, err)
		return 1
	}
	defer os.RemoveAll(tmpdir)
	err = ioutil.WriteFile(tmpdir+"/Dockerfile", []byte(`FROM debian:bullseye
RUN DEBIAN_FRONTEND=noninteractive \
  apt-get update && \
  apt-get dist-upgrade -y && \
  apt-get install -y --no-install-recommends ca-certificates && \
  apt-get clean
`), 0644)
	if err != nil {
		fmt.Fprint(stderr, err)
		return 1
	}
	docker := exec.Command("docker", "build", "--tag="+dockerImageTag, tmpdir)
	docker.Stdout = stdout
	docker.Stderr = stderr
	if err := docker.Run(); err != nil {
		return 1
	}
	fmt.Fprintf(stderr, "built and tagged new docker image, %s\n", dockerImageTag)
	return 0
}
