package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/telemetry"
)

// step is how one stage of processing an object ended.
type step int

const (
	// stepNext means the stage completed and processing goes on.
	stepNext step = iota

	// stepWait means a wait was confirmed and the run must suspend.
	stepWait

	// stepRetry means a wait was satisfied before it was confirmed.
	stepRetry

	// stepCancelled means the run's context was cancelled.
	stepCancelled

	// stepFailed means the object failed; the error describes why.
	stepFailed

	// stepAbort means a systemic failure; the error is returned to the caller.
	stepAbort
)

// pipeline fetches objects and runs service hops on them. It is shared by
// migration plans and deliveries.
type pipeline struct {
	objects  ObjectStore
	services ServiceInvoker
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
}

// fetch returns the object's package. An unavailable object enters the
// two-phase wait keyed by its identifier, with one more fetch attempt between
// SetWait and ConfirmWait.
func (p *pipeline) fetch(ctx context.Context, w Waiter, waitID, identifier string) (*Package, step, error) {
	pkg, err := p.objects.FetchFiles(ctx, identifier, "")
	if err == nil {
		return pkg, stepNext, nil
	}
	if ctx.Err() != nil {
		return nil, stepCancelled, nil
	}
	if !errors.Is(err, ErrObjectUnavailable) {
		return nil, stepFailed, fmt.Errorf("failed to fetch %s: %w", identifier, err)
	}

	w.SetWait(ctx, waitID, identifier)
	p.tel.Metrics.RecordWait("object")

	pkg, err = p.objects.FetchFiles(ctx, identifier, "")
	switch {
	case err == nil:
		w.ClearWait(ctx, waitID)
		return pkg, stepNext, nil
	case errors.Is(err, ErrObjectUnavailable):
		if w.ConfirmWait(ctx, waitID) {
			return nil, stepRetry, nil
		}
		p.logger.Info().Str("plan_id", waitID).Str("identifier", identifier).Msg("Object unavailable, waiting")
		return nil, stepWait, nil
	case ctx.Err() != nil:
		w.ClearWait(ctx, waitID)
		return nil, stepCancelled, nil
	default:
		w.ClearWait(ctx, waitID)
		return nil, stepFailed, fmt.Errorf("failed to fetch %s: %w", identifier, err)
	}
}

// hopProgress is told about asynchronous hops so the caller can persist where
// to resume. An empty token means the pending hop completed.
type hopProgress func(ctx context.Context, hopIndex int, token string) error

// runHops runs hops[start:] on input. An asynchronous hop is awaited with the
// two-phase protocol keyed by its token.
func (p *pipeline) runHops(ctx context.Context, w Waiter, waitID string, hops []ServiceHop, start int,
	input *FileSet, workDir string, progress hopProgress) (*FileSet, step, error) {
	current := input
	for i := start; i < len(hops); i++ {
		if ctx.Err() != nil {
			return nil, stepCancelled, nil
		}

		hop := hops[i]
		res, err := p.invoke(ctx, hop, current, workDir)
		if err != nil {
			if ctx.Err() != nil {
				return nil, stepCancelled, nil
			}
			return nil, stepFailed, fmt.Errorf("service %s failed: %w", hop.ServiceID, err)
		}
		if !res.Pending() {
			current = res.Files
			continue
		}

		if err := progress(ctx, i, res.Token); err != nil {
			return nil, stepAbort, err
		}
		files, st, err := p.await(ctx, w, waitID, res.Token, workDir)
		if st != stepNext {
			return nil, st, err
		}
		if err := progress(ctx, i+1, ""); err != nil {
			return nil, stepAbort, err
		}
		p.release(ctx, res.Token)
		current = files
	}
	return current, stepNext, nil
}

// await collects the output of an asynchronous service call into a fresh
// directory below workDir.
func (p *pipeline) await(ctx context.Context, w Waiter, waitID, token, workDir string) (*FileSet, step, error) {
	w.SetWait(ctx, waitID, token)
	p.tel.Metrics.RecordWait("service")

	files, done, err := p.services.Collect(ctx, token)
	if err != nil {
		w.ClearWait(ctx, waitID)
		if ctx.Err() != nil {
			return nil, stepCancelled, nil
		}
		p.release(ctx, token)
		return nil, stepFailed, fmt.Errorf("failed to collect service output %s: %w", token, err)
	}
	if done {
		w.ClearWait(ctx, waitID)
		local, err := copyFileSet(files, workDir)
		if err != nil {
			return nil, stepAbort, fmt.Errorf("failed to copy service output %s: %w", token, err)
		}
		return local, stepNext, nil
	}
	if w.ConfirmWait(ctx, waitID) {
		return nil, stepRetry, nil
	}
	p.logger.Info().Str("plan_id", waitID).Str("token", token).Msg("Service pending, waiting")
	return nil, stepWait, nil
}

// resume continues a run that suspended on an asynchronous hop.
func (p *pipeline) resume(ctx context.Context, w Waiter, waitID string, hops []ServiceHop, hopIndex int,
	token, workDir string, progress hopProgress) (*FileSet, step, error) {
	files, st, err := p.await(ctx, w, waitID, token, workDir)
	if st != stepNext {
		return nil, st, err
	}
	if err := progress(ctx, hopIndex+1, ""); err != nil {
		return nil, stepAbort, err
	}
	p.release(ctx, token)
	return p.runHops(ctx, w, waitID, hops, hopIndex+1, files, workDir, progress)
}

// release drops a collected job. Failures only leak spool space.
func (p *pipeline) release(ctx context.Context, token string) {
	if err := p.services.Release(context.WithoutCancel(ctx), token); err != nil {
		p.logger.Warn().Err(err).Str("token", token).Msg("Failed to release service job")
	}
}

func copyFileSet(files *FileSet, workDir string) (*FileSet, error) {
	dir, err := os.MkdirTemp(workDir, "collected-*")
	if err != nil {
		return nil, err
	}
	for _, name := range files.Files {
		if err := copyFile(filepath.Join(files.Dir, name), filepath.Join(dir, name)); err != nil {
			return nil, err
		}
	}
	return &FileSet{Dir: dir, Files: append([]string(nil), files.Files...)}, nil
}

func (p *pipeline) invoke(ctx context.Context, hop ServiceHop, input *FileSet, workDir string) (*InvocationResult, error) {
	ctx, span := p.tel.Tracer.StartServiceSpan(ctx, hop.ServiceID, hop.InputFormat, hop.OutputFormat)
	timer := telemetry.NewTimer()

	res, err := p.services.Invoke(ctx, hop, input, workDir)
	if err == nil && res == nil {
		err = fmt.Errorf("service %s returned no result", hop.ServiceID)
	}

	p.tel.Metrics.RecordServiceCall(hop.ServiceID, timer.Duration(), err)
	telemetry.EndSpan(span, err)
	return res, err
}
