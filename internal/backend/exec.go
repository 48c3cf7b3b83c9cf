package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aweris/imageopt"
)

// Exec runs an external optimizer with the image on stdin and reads the
// result from stdout, the way pngquant, jpegtran or svgo are driven from
// build tools. The "args" option replaces Args for a single call.
//
// Exec is usable both as a Codec inside a Registry and as a Backend.
type Exec struct {
	Path string
	Args []string
	// VersionArgs is passed to Path to query the version (default --version).
	VersionArgs []string
}

var (
	_ Codec            = (*Exec)(nil)
	_ imageopt.Backend = (*Exec)(nil)
)

func (e *Exec) Name() string { return filepath.Base(e.Path) }

func (e *Exec) Compress(ctx context.Context, input []byte, cfg imageopt.Config) ([]byte, error) {
	args, ok, err := stringsOption(cfg, "args")
	if err != nil {
		return nil, err
	}
	if !ok {
		args = e.Args
	}

	cmd := exec.CommandContext(ctx, e.Path, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", e.Name(), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", e.Name(), err)
	}
	return stdout.Bytes(), nil
}

// Version returns the first line printed by the version command.
func (e *Exec) Version() (string, error) {
	args := e.VersionArgs
	if len(args) == 0 {
		args = []string{"--version"}
	}
	out, err := exec.Command(e.Path, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s version: %w", e.Name(), err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	v := strings.TrimSpace(line)
	if v == "" {
		return "", fmt.Errorf("%s version: empty output", e.Name())
	}
	return e.Name() + " " + v, nil
}
