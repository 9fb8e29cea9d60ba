// Package chunkpipeline implements C7: the three-stage concurrent
// chunk pipeline (reader, processor, writer) with bounded byte-budget
// backpressure, as specified in §4.7. Its caller is configure's delta
// fetch (decrypt+decompress direction); the builder compresses and
// encrypts inline without it. Which transform runs is supplied by the
// caller, so this package stays agnostic to direction.
package chunkpipeline

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

// Config controls pipeline concurrency and backpressure.
type Config struct {
	// ByteBudget bounds how many bytes of chunk payload may be in
	// flight (read but not yet written) at once, §4.7's backpressure
	// queue.
	ByteBudget int64
	// ProcessorWorkers is how many goroutines run Transform
	// concurrently. Defaults to runtime.NumCPU().
	ProcessorWorkers int
}

// DefaultByteBudget is the 64 MiB default backpressure window (§4.7).
const DefaultByteBudget = 64 << 20

// DefaultConfig returns the pipeline's default configuration.
func DefaultConfig() *Config {
	return &Config{
		ByteBudget:       DefaultByteBudget,
		ProcessorWorkers: runtime.NumCPU(),
	}
}

// Job is one unit of work flowing through the pipeline: a chunk
// descriptor opaque to this package, carried alongside its payload.
type Job struct {
	// Seq is the job's position in submission order. The writer stage
	// uses it to restore ordering after concurrent processing (§4.7:
	// "ordering guarantees within/across contents/packages").
	Seq int
	// Descriptor is caller-defined chunk metadata (a catalog.Chunk, a
	// staged write target, etc.) passed through untouched.
	Descriptor interface{}
	// Weight is the byte-budget cost charged while this job's payload
	// is in flight; callers use the on-disk (stored) size so the
	// budget reflects actual memory pressure.
	Weight int64
}

// Reader produces a job's raw payload.
type Reader func(ctx context.Context, job Job) ([]byte, error)

// Transform runs in the processor stage, e.g. decompress+decrypt or
// compress+encrypt depending on direction.
type Transform func(ctx context.Context, job Job, data []byte) ([]byte, error)

// Writer consumes a job's final payload.
type Writer func(ctx context.Context, job Job, data []byte) error

// Run drives jobs through read -> transform -> write, in submission
// order at the writer stage, bounded by cfg's byte budget. It returns
// the first error encountered by any stage; once an error occurs,
// every stage is poisoned (cancelled) so no goroutine blocks forever
// waiting on a channel nobody will service again (§4.7: "poison on
// error").
func Run(ctx context.Context, jobs []Job, read Reader, transform Transform, write Writer, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ProcessorWorkers < 1 {
		cfg.ProcessorWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	budget := semaphore.NewWeighted(cfg.ByteBudget)

	type readResult struct {
		job  Job
		data []byte
	}
	type writeResult struct {
		job  Job
		data []byte
	}

	readCh := make(chan readResult, cfg.ProcessorWorkers)
	writeCh := make(chan writeResult, cfg.ProcessorWorkers)

	var (
		errOnce sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup

	// Reader stage: single goroutine, strictly in submission order, so
	// the byte budget is acquired (and therefore blocks) in the same
	// order jobs were submitted.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(readCh)
		for _, job := range jobs {
			weight := job.Weight
			if weight <= 0 {
				weight = 1
			}
			if weight > cfg.ByteBudget {
				weight = cfg.ByteBudget // a single oversized chunk still fits, just fills the whole budget
			}
			if err := budget.Acquire(ctx, weight); err != nil {
				fail(kylaerr.Wrap(kylaerr.Io, "acquiring pipeline byte budget", err))
				return
			}
			job.Weight = weight // keep the clamped weight so Release matches Acquire exactly
			data, err := read(ctx, job)
			if err != nil {
				budget.Release(weight)
				fail(err)
				return
			}
			select {
			case readCh <- readResult{job: job, data: data}:
			case <-ctx.Done():
				budget.Release(weight)
				return
			}
		}
	}()

	// Processor stage: a worker pool runs Transform concurrently; order
	// is restored downstream by the writer stage via Job.Seq.
	var procWG sync.WaitGroup
	for i := 0; i < cfg.ProcessorWorkers; i++ {
		procWG.Add(1)
		go func() {
			defer procWG.Done()
			for {
				select {
				case r, ok := <-readCh:
					if !ok {
						return
					}
					out, err := transform(ctx, r.job, r.data)
					if err != nil {
						releaseWeight(budget, r.job)
						fail(err)
						continue
					}
					select {
					case writeCh <- writeResult{job: r.job, data: out}:
					case <-ctx.Done():
						releaseWeight(budget, r.job)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		procWG.Wait()
		close(writeCh)
	}()

	// Writer stage: buffers out-of-order results until the next
	// expected Seq is available, so the target sees writes in
	// submission order even though processing ran concurrently.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pending := make(map[int]writeResult)
		next := 0
		if len(jobs) > 0 {
			next = jobs[0].Seq
		}
		flush := func() bool {
			for {
				r, ok := pending[next]
				if !ok {
					return true
				}
				delete(pending, next)
				next++
				if err := write(ctx, r.job, r.data); err != nil {
					releaseWeight(budget, r.job)
					fail(err)
					return false
				}
				releaseWeight(budget, r.job)
			}
		}
		for {
			select {
			case r, ok := <-writeCh:
				if !ok {
					flush()
					return
				}
				pending[r.job.Seq] = r
				if !flush() {
					// drain remaining results so producers don't block
					for range writeCh {
					}
					return
				}
			case <-ctx.Done():
				for range writeCh {
				}
				return
			}
		}
	}()

	wg.Wait()
	return firstErr
}

func releaseWeight(budget *semaphore.Weighted, job Job) {
	weight := job.Weight
	if weight <= 0 {
		weight = 1
	}
	budget.Release(weight)
}
