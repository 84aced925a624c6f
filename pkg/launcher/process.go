// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package launcher

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"github.com/pkg/errors"
)

// Process describes the hypervisor child before it is spawned. Both
// standard streams are piped so the monitor can be bound to them;
// standard error is inherited from the launcher.
type Process struct {
	// Path is the hypervisor executable.
	Path string

	// Args is the argument vector, without the leading program name.
	Args []string

	// ClearEnv starts the child with an empty environment.
	ClearEnv bool

	// User and Group are the effective identities for the child. When
	// only one of them is given the other keeps the launcher's own id,
	// since the kernel credential carries both.
	User  *uint16
	Group *uint16

	// Env holds additional or overriding environment variables.
	Env map[string]string
}

// Child is a running hypervisor process with piped standard streams.
type Child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// Spawn starts the configured process.
func (p *Process) Spawn() (*Child, error) {
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pipe the child process stdin")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pipe the child process stdout")
	}

	cmd.Env = p.environment()

	if p.User != nil || p.Group != nil {
		uid := uint32(os.Getuid())
		gid := uint32(os.Getgid())
		if p.User != nil {
			uid = uint32(*p.User)
		}
		if p.Group != nil {
			gid = uint32(*p.Group)
		}

		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uid, Gid: gid},
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to spawn child process")
	}

	return &Child{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

// environment renders the child's environment, or nil to inherit the
// launcher's environment unchanged.
func (p *Process) environment() []string {
	if !p.ClearEnv && len(p.Env) == 0 {
		return nil
	}

	var env []string
	if !p.ClearEnv {
		env = os.Environ()
	}

	names := make([]string, 0, len(p.Env))
	for name := range p.Env {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		env = append(env, name+"="+p.Env[name])
	}

	if env == nil {
		env = []string{}
	}

	return env
}

// Stdio returns the read side of the child's stdout and the write side
// of its stdin, in that order.
func (c *Child) Stdio() (io.Reader, io.Writer) {
	return c.stdout, c.stdin
}

// Wait blocks until the child exits and reports a non-zero status as an
// error.
func (c *Child) Wait() error {
	if err := c.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if code := exitErr.ExitCode(); code >= 0 {
				return errors.Errorf("the child process was terminated with `%d` status", code)
			}

			return errors.New("the child process terminated unsuccessfully, but did not return the exit status")
		}

		return errors.Wrap(err, "the child process failed")
	}

	return nil
}

// Oneshot runs an external utility to completion and reports a non-zero
// exit together with everything the utility printed.
func Oneshot(name string, args ...string) error {
	cmd := exec.Command(name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return errors.Errorf("the `%s` command failed with:\nstdout:\n%s\nstderr:\n%s",
				name, stdout.String(), stderr.String())
		}

		return errors.Wrapf(err, "unable to execute the `%s` command", name)
	}

	return nil
}
