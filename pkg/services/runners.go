package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/registry"
)

// Runner executes one kind of migration service.
type Runner interface {
	// Run converts every input file into outDir.
	Run(ctx context.Context, svc *registry.Service, input *engine.FileSet, outDir string) (*engine.FileSet, error)
}

// outputName applies the service's output name template to an input file.
func outputName(svc *registry.Service, input, defaultSuffix string) string {
	base := filepath.Base(input)
	if svc.OutputName == "" {
		return base + defaultSuffix
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(svc.OutputName, "{name}", stem)
}

// eachFile runs fn for every input file and collects the outputs.
func eachFile(ctx context.Context, input *engine.FileSet, outDir string,
	fn func(src, dst string) error, name func(string) string) (*engine.FileSet, error) {
	out := &engine.FileSet{Dir: outDir}
	for _, f := range input.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := filepath.Join(filepath.Dir(f), name(f))
		dst := filepath.Join(outDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		if err := fn(filepath.Join(input.Dir, f), dst); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		out.Files = append(out.Files, rel)
	}
	return out, nil
}

// CopyRunner hands the input files on unchanged, optionally renamed.
type CopyRunner struct{}

// Run implements Runner.
func (CopyRunner) Run(ctx context.Context, svc *registry.Service, input *engine.FileSet, outDir string) (*engine.FileSet, error) {
	return eachFile(ctx, input, outDir, copyFile, func(f string) string {
		return outputName(svc, f, "")
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// GzipRunner compresses every input file.
type GzipRunner struct {
	Level int
}

// Run implements Runner.
func (g GzipRunner) Run(ctx context.Context, svc *registry.Service, input *engine.FileSet, outDir string) (*engine.FileSet, error) {
	level := g.Level
	if level == 0 {
		level = gzip.BestCompression
	}
	return eachFile(ctx, input, outDir, func(src, dst string) error {
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		zw, err := gzip.NewWriterLevel(out, level)
		if err != nil {
			out.Close()
			return err
		}
		zw.Name = filepath.Base(src)
		if _, err := io.Copy(zw, in); err != nil {
			out.Close()
			return err
		}
		if err := zw.Close(); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}, func(f string) string {
		return outputName(svc, f, ".gz")
	})
}

// CommandRunner runs the service's command line once per input file.
type CommandRunner struct {
	// Shell runs the command; /bin/sh when empty.
	Shell string
}

// Run implements Runner.
func (c CommandRunner) Run(ctx context.Context, svc *registry.Service, input *engine.FileSet, outDir string) (*engine.FileSet, error) {
	if svc.Command == "" {
		return nil, fmt.Errorf("service %s has no command", svc.ID)
	}
	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	return eachFile(ctx, input, outDir, func(src, dst string) error {
		line := strings.NewReplacer(
			"{input}", shellQuote(src),
			"{output}", shellQuote(dst),
		).Replace(svc.Command)

		cmd := exec.CommandContext(ctx, shell, "-c", line)
		cmd.Dir = outDir
		cmd.Env = os.Environ()
		for k, v := range svc.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		start := time.Now()
		err := cmd.Run()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return fmt.Errorf("command exited with code %d after %s: %s",
					exitErr.ExitCode(), time.Since(start).Round(time.Millisecond), strings.TrimSpace(stderr.String()))
			}
			return fmt.Errorf("failed to execute command: %w", err)
		}
		if _, err := os.Stat(dst); err != nil {
			return fmt.Errorf("command did not write %s", filepath.Base(dst))
		}
		return nil
	}, func(f string) string {
		return outputName(svc, f, "")
	})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
