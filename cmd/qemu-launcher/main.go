// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/filakhtov/qemu-launcher-sub000/pkg/config"
	"github.com/filakhtov/qemu-launcher-sub000/pkg/cpuset"
	"github.com/filakhtov/qemu-launcher-sub000/pkg/launcher"
)

// name is the official name of this program.
const name = "qemu-launcher"

// version is the launcher version.
const version = "1.0.0"

const usage = "launch a QEMU virtual machine with vCPU pinning and real-time scheduling"

var description = fmt.Sprintf(`%s reads the declarative configuration of the named virtual
machine, spawns QEMU with the configured command line, identities and
environment, pins its vCPU worker threads to the configured host cpu
threads and waits for the machine to shut down.

Supported environment variables:

- QEMU_LAUNCHER_CONFIG_DIR - a path to the directory where virtual
  machine configuration files are stored.
  default: /usr/local/etc/%s
- QEMU_LAUNCHER_CPUSET_MOUNT_PATH - a path to the directory where a
  cpuset cgroup tree will be mounted.
  default: /sys/fs/cgroup/cpuset
- QEMU_LAUNCHER_CPUSET_PREFIX - a prefix (directory) under the mount
  path where qemu cpusets will be created.
  default: qemu`, name, name)

// launcherLog is the logger used to record all messages.
var launcherLog = logrus.WithField("name", name)

func main() {
	// the short -v flag belongs to verbose mode
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print the version",
	}

	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Version = version
	app.Description = description
	app.ArgsUsage = "<vm-name>"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "enable verbose output",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug output",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(context *cli.Context) {
	logrus.SetOutput(os.Stderr)

	switch {
	case context.Bool("debug"):
		logrus.SetLevel(logrus.DebugLevel)
	case context.Bool("verbose"):
		logrus.SetLevel(logrus.InfoLevel)
	default:
		logrus.SetLevel(logrus.WarnLevel)
	}

	cpuset.SetLogger(launcherLog)
	launcher.SetLogger(launcherLog)
}

func run(context *cli.Context) error {
	setupLogger(context)

	if context.NArg() > 1 {
		return cli.NewExitError("Too many parameters.", 1)
	}

	machineName := context.Args().First()
	if machineName == "" {
		_ = cli.ShowAppHelp(context)
		return cli.NewExitError("Missing virtual machine name.", 1)
	}
	if strings.ContainsAny(machineName, "/\x00") {
		return cli.NewExitError("Machine name contains invalid characters.", 1)
	}

	env, err := config.NewEnvironment(os.Environ())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	configPath := filepath.Join(env.ConfigDirectory(), machineName+".yml")
	document, err := os.ReadFile(configPath)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf(
			"Failed to read configuration file `%s`: %v", configPath, err), 1)
	}

	cfg, err := config.New(string(document))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf(
			"Configuration load error for `%s` machine: %v", machineName, err), 1)
	}

	cpus, err := cpuset.New(cpuset.NewHostFS(), env.CpusetMountPath(), env.CpusetPrefix())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	if err := launcher.New(cfg, cpus).Run(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	return nil
}
