package wal

import (
	"time"

	"github.com/dd0wney/graphstore/pkg/logging"
)

// StartFlusher starts the background flusher. It flushes every FlushInterval
// and whenever the queue grows past MaxQueuedBytes. onFlush, when non-nil,
// receives every non-empty result and every error; after an error the
// flusher stops, since the log is failed from then on.
func (w *WAL) StartFlusher(onFlush func(FlushResult, time.Duration, error)) {
	if w.opts.FlushInterval <= 0 && w.opts.MaxQueuedBytes <= 0 {
		return
	}
	w.wg.Add(1)
	go w.backgroundFlusher(onFlush)
}

func (w *WAL) backgroundFlusher(onFlush func(FlushResult, time.Duration, error)) {
	defer w.wg.Done()

	var tick <-chan time.Time
	if w.opts.FlushInterval > 0 {
		ticker := time.NewTicker(w.opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.stopCh:
			// Close does the final flush.
			return
		case <-tick:
		case <-w.flushCh:
		}

		start := time.Now()
		res, err := w.FlushToDisk()
		if err != nil {
			w.logger.Error("background flush failed", logging.Error(err))
			if onFlush != nil {
				onFlush(res, time.Since(start), err)
			}
			return
		}
		if res.Transactions > 0 && onFlush != nil {
			onFlush(res, time.Since(start), nil)
		}
	}
}
