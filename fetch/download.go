package fetch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Spec describes one artifact to download.
type Spec struct {
	URL   string
	Dest  string
	Label string
}

// Result records the outcome for the spec at the same index.
type Result struct {
	OK    bool
	Bytes int64
	Err   error
}

// Pool downloads artifacts with bounded concurrency. Workers dequeue spec
// indices from a shared counter under a mutex and write their outcome into
// their own result slot, so no result is shared between workers.
type Pool struct {
	Client  *Client
	Workers int

	// ChunkDelay inserts a pause after every chunk, useful for exercising
	// the progress display against fast local servers.
	ChunkDelay time.Duration
}

// Download fetches every spec and fills results (which must be the same
// length as specs). The multibar may be nil. Failed downloads leave no
// partial file behind.
func (p *Pool) Download(ctx context.Context, specs []Spec, results []Result, bar *MultiBar) {
	if len(specs) != len(results) {
		panic("fetch: specs and results length mismatch")
	}
	if len(specs) == 0 {
		return
	}

	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(specs) {
		workers = len(specs)
	}

	var (
		mu   sync.Mutex
		next int
		wg   sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				mu.Lock()
				i := next
				next++
				mu.Unlock()
				if i >= len(specs) {
					return
				}

				row := i
				if bar != nil {
					if bar.mode == ModeWorker {
						row = worker
					}
					bar.Reset(row, specs[i].Label)
				}

				results[i] = p.downloadOne(ctx, specs[i], bar, row)
			}
		}(w)
	}

	wg.Wait()
}

func (p *Pool) downloadOne(ctx context.Context, spec Spec, bar *MultiBar, row int) Result {
	out, err := os.OpenFile(spec.Dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		if bar != nil {
			bar.Fail(row)
		}
		return Result{Err: fmt.Errorf("creating %s: %w", spec.Dest, err)}
	}

	progress := func(received, total int64) {
		if bar != nil {
			bar.Update(row, received, total)
		}
		if p.ChunkDelay > 0 {
			time.Sleep(p.ChunkDelay)
		}
	}

	n, err := p.Client.DownloadTo(ctx, spec.URL, out, progress)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing %s: %w", spec.Dest, cerr)
	}
	if err != nil {
		os.Remove(spec.Dest)
		if bar != nil {
			bar.Fail(row)
		}
		return Result{Err: err}
	}

	if bar != nil {
		bar.Finish(row)
	}
	return Result{OK: true, Bytes: n}
}
