// Package upload hands finished recordings to the external upload pipeline.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dkeye/conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// lockfileExitStatus is what the script returns when another upload of the
// same record holds the lock.
const lockfileExitStatus = 251

var ErrStopped = errors.New("uploader stopped")

type Request struct {
	Stream  domain.StreamID
	Backend string
	Bucket  string
}

type Result struct {
	AlreadyRunning bool
	DumpURIs       []string
}

type job struct {
	ctx   context.Context
	req   Request
	reply chan<- jobResult
}

type jobResult struct {
	res Result
	err error
}

// Uploader runs uploads one at a time on a single worker goroutine.
type Uploader struct {
	Script     string
	RecordsDir string
	Backends   []string

	jobs chan job
	done chan struct{}
}

func New(script, recordsDir string, backends []string) *Uploader {
	return &Uploader{
		Script:     script,
		RecordsDir: recordsDir,
		Backends:   backends,
		jobs:       make(chan job),
		done:       make(chan struct{}),
	}
}

func (u *Uploader) HasBackend(name string) bool {
	return slices.Contains(u.Backends, name)
}

// Run serves uploads until ctx ends.
func (u *Uploader) Run(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-u.jobs:
			res, err := u.run(j.ctx, j.req)
			j.reply <- jobResult{res: res, err: err}
		}
	}
}

// Upload queues the request and waits for the worker.
func (u *Uploader) Upload(ctx context.Context, req Request) (Result, error) {
	reply := make(chan jobResult, 1)
	select {
	case u.jobs <- job{ctx: ctx, req: req, reply: reply}:
	case <-u.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (u *Uploader) run(ctx context.Context, req Request) (Result, error) {
	logger := log.With().Str("module", "upload").Str("stream_id", string(req.Stream)).Logger()
	logger.Info().Str("backend", req.Backend).Str("bucket", req.Bucket).Msg("preparing and uploading record")

	cmd := exec.CommandContext(ctx, u.Script, string(req.Stream), req.Backend, req.Bucket)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == lockfileExitStatus {
			logger.Warn().Msg("upload already running")
			return Result{AlreadyRunning: true}, nil
		}
		logger.Error().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("upload script failed")
		return Result{}, fmt.Errorf("run %s: %w", filepath.Base(u.Script), err)
	}

	dir := filepath.Join(u.RecordsDir, string(req.Stream))
	uris, err := readDumps(filepath.Join(dir, "dumps.txt"))
	if err != nil {
		return Result{}, err
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Msg("delete record dir")
	}
	logger.Info().Int("dumps", len(uris)).Msg("record uploaded")
	return Result{DumpURIs: uris}, nil
}

func readDumps(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dumps: %w", err)
	}
	defer f.Close()

	uris := []string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			uris = append(uris, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dumps: %w", err)
	}
	return uris, nil
}
