package chunk

import (
	"fmt"
	"sync"
)

// Job names one file to chunk: Path is the snapshot-relative key,
// AbsPath is where the bytes live on disk.
type Job struct {
	Path    string
	AbsPath string
}

// FileResult pairs a job with its outcome.
type FileResult struct {
	Path   string
	Result *Result
	Err    error
}

// SplitAll chunks every job using up to workers goroutines. Hashing
// independent files shares no state, so the fan-out needs no locking;
// results come back keyed by path. The first error is returned after
// all workers drain, alongside the successful results.
func SplitAll(jobs []Job, blockSize int64, workers int) (map[string]*Result, error) {
	if workers < 1 {
		workers = 1
	}
	if len(jobs) < workers {
		workers = len(jobs)
	}

	jobCh := make(chan Job)
	resCh := make(chan FileResult, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				res, err := SplitFile(job.AbsPath, blockSize)
				resCh <- FileResult{Path: job.Path, Result: res, Err: err}
			}
		}()
	}

	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()
	close(resCh)

	results := make(map[string]*Result, len(jobs))
	var firstErr error
	for fr := range resCh {
		if fr.Err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("chunking %s: %w", fr.Path, fr.Err)
			}
			continue
		}
		results[fr.Path] = fr.Result
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
