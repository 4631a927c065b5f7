package assetcache

import (
	"context"

	"github.com/kiply/asset-cache/cache"
)

type writeJob struct {
	version string
	key     string
	entry   cache.Entry
}

// enqueue hands a response to the background writer.
// It never waits for the write itself.
// It returns false if the worker is closed.
func (w *Worker) enqueue(job writeJob) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state == StateRedundant {
		return false
	}
	w.pending.Add(1)
	w.writes.In <- job
	return true
}

func (w *Worker) runWriter() {
	defer close(w.writerDone)
	for job := range w.writes.Out {
		w.write(job)
		w.pending.Done()
	}
}

// write stores a response in the current generation.
// Failures are logged and swallowed, the client already has its response.
// Jobs for a superseded version are dropped so a purged generation is never recreated.
func (w *Worker) write(job writeJob) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	log := w.log.With().Str("key", job.key).Str("version", job.version).Logger()
	if w.current == nil || job.version != w.Version() {
		log.Trace().Msg("Dropping write for superseded version")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()
	if err := w.current.Put(ctx, job.key, job.entry); err != nil {
		log.Warn().Err(err).Msg("Could not write to cache")
		return
	}
	log.Trace().Int("bytes", len(job.entry.Bytes)).Msg("Cache write")
}

// Wait blocks until all queued cache writes are done.
func (w *Worker) Wait() {
	w.pending.Wait()
}

// Close stops the background writer after the queued writes are done.
// The worker keeps forwarding requests but stops storing responses.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.state == StateRedundant {
		w.mu.Unlock()
		return nil
	}
	w.state = StateRedundant
	close(w.writes.In)
	w.mu.Unlock()

	<-w.writerDone
	w.log.Debug().Msg("Worker closed")
	return nil
}
