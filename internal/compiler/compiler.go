// Package compiler defines the opaque external compiler-driver interface
// the core compiles through, plus a ShellDriver that execs a real
// compiler toolchain as a subprocess.
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// CompileOpts carries compiler flags the driver passes through verbatim;
// the core never interprets them.
type CompileOpts struct {
	Args []string
}

// Driver is the external collaborator the core shells out through. A
// non-zero exit code from any method is a task-fatal compile error: the
// core does not mark the corresponding VTS valid.
type Driver interface {
	Compile(ctx context.Context, classpath []string, sources []string, classesDir, analysisFile string, opts CompileOpts) (int, error)
	RunZincSplit(ctx context.Context, analysisFile string, splits []ZincSplit) (int, error)
	RunZincMerge(ctx context.Context, analysisFiles []string, out string) (int, error)
	RelativizeAnalysisFile(ctx context.Context, abs, portable string) (int, error)
	LocalizeAnalysisFile(ctx context.Context, portable, abs string) (int, error)
}

// ZincSplit pairs a set of sources with the output analysis file zinc
// should partition them into.
type ZincSplit struct {
	Sources []string
	OutFile string
}

// ShellDriver execs a named external binary for every Driver operation,
// capturing stdout/stderr and propagating the exit code rather than
// treating a non-zero exit as a Go error.
type ShellDriver struct {
	// Bin is the path to the compiler-driver executable.
	Bin string
	// WorkingDir is the directory subprocesses run in.
	WorkingDir string
}

// NewShellDriver creates a ShellDriver invoking bin from workingDir.
func NewShellDriver(bin, workingDir string) *ShellDriver {
	return &ShellDriver{Bin: bin, WorkingDir: workingDir}
}

func (d *ShellDriver) run(ctx context.Context, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, d.Bin, args...)
	cmd.Dir = d.WorkingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("compiler: running %s: %w (stderr: %s)", d.Bin, err, stderr.String())
}

func (d *ShellDriver) Compile(ctx context.Context, classpath []string, sources []string, classesDir, analysisFile string, opts CompileOpts) (int, error) {
	args := []string{"compile", "-classpath", joinPath(classpath), "-d", classesDir, "-analysis", analysisFile}
	args = append(args, opts.Args...)
	args = append(args, sources...)
	return d.run(ctx, args...)
}

func (d *ShellDriver) RunZincSplit(ctx context.Context, analysisFile string, splits []ZincSplit) (int, error) {
	args := []string{"zinc-split", "-analysis", analysisFile}
	for _, s := range splits {
		args = append(args, "-split", s.OutFile+"="+joinPath(s.Sources))
	}
	return d.run(ctx, args...)
}

func (d *ShellDriver) RunZincMerge(ctx context.Context, analysisFiles []string, out string) (int, error) {
	args := append([]string{"zinc-merge", "-out", out}, analysisFiles...)
	return d.run(ctx, args...)
}

func (d *ShellDriver) RelativizeAnalysisFile(ctx context.Context, abs, portable string) (int, error) {
	return d.run(ctx, "relativize-analysis", abs, portable)
}

func (d *ShellDriver) LocalizeAnalysisFile(ctx context.Context, portable, abs string) (int, error) {
	return d.run(ctx, "localize-analysis", portable, abs)
}

func joinPath(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}
