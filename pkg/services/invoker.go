package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/registry"
)

// Catalog resolves service definitions.
type Catalog interface {
	Service(id string) (*registry.Service, bool)
}

const (
	statusFile = "status"
	statusDone = "done"
)

// job is an asynchronous service call. Its spool directory holds the copied
// input in "in", the output in "out" and, once finished, a status file.
type job struct {
	dir  string
	done bool
	err  error
}

// Invoker implements engine.ServiceInvoker on top of the registry catalog.
// Asynchronous services run in the background; when they finish the
// notifier is told the job's token.
type Invoker struct {
	catalog  Catalog
	runners  map[string]Runner
	spool    string
	logger   zerolog.Logger
	notifier engine.Notifier

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

var _ engine.ServiceInvoker = (*Invoker)(nil)

// NewInvoker creates an invoker with the copy, gzip and command runners.
// Asynchronous jobs are spooled below spoolDir.
func NewInvoker(catalog Catalog, spoolDir string, logger zerolog.Logger) *Invoker {
	return &Invoker{
		catalog: catalog,
		runners: map[string]Runner{
			"copy":    CopyRunner{},
			"gzip":    GzipRunner{},
			"command": CommandRunner{},
		},
		spool:  spoolDir,
		logger: logger.With().Str("component", "services").Logger(),
		jobs:   make(map[string]*job),
	}
}

// SetNotifier sets who is told about finished asynchronous jobs.
func (i *Invoker) SetNotifier(n engine.Notifier) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notifier = n
}

// RegisterRunner adds or replaces the runner for a service type.
func (i *Invoker) RegisterRunner(serviceType string, r Runner) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.runners[serviceType] = r
}

func (i *Invoker) resolve(serviceID string) (*registry.Service, Runner, error) {
	svc, ok := i.catalog.Service(serviceID)
	if !ok {
		return nil, nil, fmt.Errorf("unknown service %q", serviceID)
	}
	i.mu.Lock()
	r, ok := i.runners[svc.Type]
	i.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("service %s has unsupported type %q", serviceID, svc.Type)
	}
	return svc, r, nil
}

// Invoke runs a synchronous service into a fresh directory below workDir,
// or starts an asynchronous one and returns its token. The input is copied
// before Invoke returns.
func (i *Invoker) Invoke(ctx context.Context, hop engine.ServiceHop, input *engine.FileSet, workDir string) (*engine.InvocationResult, error) {
	svc, runner, err := i.resolve(hop.ServiceID)
	if err != nil {
		return nil, err
	}

	if !svc.Async {
		outDir, err := os.MkdirTemp(workDir, svc.ID+"-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		files, err := runner.Run(ctx, svc, input, outDir)
		if err != nil {
			return nil, err
		}
		return &engine.InvocationResult{Files: files}, nil
	}

	token := "svc-" + uuid.New().String()
	dir := filepath.Join(i.spool, token)
	in, err := CopyRunner{}.Run(ctx, &registry.Service{ID: svc.ID}, input, filepath.Join(dir, "in"))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to spool input: %w", err)
	}

	j := &job{dir: dir}
	i.mu.Lock()
	i.jobs[token] = j
	i.mu.Unlock()

	i.wg.Add(1)
	go i.runJob(token, j, svc, runner, in)

	i.logger.Debug().Str("service_id", svc.ID).Str("token", token).Msg("Service started")
	return &engine.InvocationResult{Token: token}, nil
}

// runJob is detached from the caller: pausing a plan does not stop a
// service that already accepted the work.
func (i *Invoker) runJob(token string, j *job, svc *registry.Service, runner Runner, in *engine.FileSet) {
	defer i.wg.Done()

	outDir := filepath.Join(j.dir, "out")
	var err error
	if err = os.MkdirAll(outDir, 0o755); err == nil {
		_, err = runner.Run(context.Background(), svc, in, outDir)
	}

	status := statusDone
	if err != nil {
		status = "error: " + err.Error()
		i.logger.Warn().Err(err).Str("service_id", svc.ID).Str("token", token).Msg("Service failed")
	}
	if werr := os.WriteFile(filepath.Join(j.dir, statusFile), []byte(status), 0o644); werr != nil {
		i.logger.Error().Err(werr).Str("token", token).Msg("Failed to write job status")
	}

	i.mu.Lock()
	j.done = true
	j.err = err
	notifier := i.notifier
	i.mu.Unlock()

	if notifier != nil {
		notifier.NotifyAvailable(context.Background(), token)
	}
}

// Collect returns the output of a finished job. Jobs of an earlier process
// are read back from the spool directory.
func (i *Invoker) Collect(_ context.Context, token string) (*engine.FileSet, bool, error) {
	i.mu.Lock()
	j, ok := i.jobs[token]
	var done bool
	var jobErr error
	if ok {
		done, jobErr = j.done, j.err
	}
	i.mu.Unlock()

	dir := filepath.Join(i.spool, token)
	if !ok {
		status, err := os.ReadFile(filepath.Join(dir, statusFile))
		switch {
		case err == nil:
			done = true
			if s := string(status); s != statusDone {
				jobErr = errors.New(strings.TrimPrefix(s, "error: "))
			}
		case errors.Is(err, os.ErrNotExist):
			if _, serr := os.Stat(dir); serr == nil {
				return nil, false, fmt.Errorf("service job %s was interrupted", token)
			}
			return nil, false, fmt.Errorf("unknown service token %q", token)
		default:
			return nil, false, fmt.Errorf("failed to read job status: %w", err)
		}
	}

	if !done {
		return nil, false, nil
	}
	if jobErr != nil {
		return nil, false, fmt.Errorf("service job %s failed: %w", token, jobErr)
	}
	files, err := listFiles(filepath.Join(dir, "out"))
	if err != nil {
		return nil, false, err
	}
	return files, true, nil
}

// Release forgets a finished job and removes its spool directory.
func (i *Invoker) Release(_ context.Context, token string) error {
	if !strings.HasPrefix(token, "svc-") || strings.ContainsAny(token, `/\`) {
		return fmt.Errorf("invalid service token %q", token)
	}

	i.mu.Lock()
	if j, ok := i.jobs[token]; ok && !j.done {
		i.mu.Unlock()
		return fmt.Errorf("service job %s is still running", token)
	}
	delete(i.jobs, token)
	i.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(i.spool, token)); err != nil {
		return fmt.Errorf("failed to remove spool of %s: %w", token, err)
	}
	return nil
}

// Wait blocks until every background job has finished or ctx is done.
func (i *Invoker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func listFiles(dir string) (*engine.FileSet, error) {
	out := &engine.FileSet{Dir: dir}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out.Files = append(out.Files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return out, nil
}
