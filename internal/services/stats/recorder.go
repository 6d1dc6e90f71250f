package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/interfaces"
	"github.com/freva-org/freva-rest/internal/models"
)

// queueSize bounds the in-flight statistics backlog. Records past the
// bound are dropped, never blocking a request.
const queueSize = 4096

// insertTimeout caps one store write.
const insertTimeout = 10 * time.Second

// Recorder collects usage records on a bounded queue and writes them to
// the statistics store from a single consumer goroutine.
type Recorder struct {
	store  interfaces.StatsStore // nil disables persistence
	logger arbor.ILogger

	queue   chan models.StatsRecord
	dropped atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder builds the recorder. Call Start before recording.
func NewRecorder(store interfaces.StatsStore, logger arbor.ILogger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan models.StatsRecord, queueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		common.SafeGo(r.logger, "stats-consumer", r.consume)
	})
}

func (r *Recorder) consume() {
	defer close(r.done)
	for rec := range r.queue {
		if r.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := r.store.InsertStats(ctx, rec); err != nil {
			r.logger.Warn().Err(err).Str("route", rec.Metadata.Route).Msg("Could not store usage record")
		}
		cancel()
	}
}

// Record enqueues one usage record. Zero-result databrowser queries carry
// no analytical value and are skipped; a full queue drops the newest
// record and bumps the drop counter.
func (r *Recorder) Record(rec models.StatsRecord) {
	if rec.Metadata.APIType != "stacapi" && rec.Metadata.ResultCount == 0 {
		return
	}
	if rec.Metadata.Timestamp.IsZero() {
		rec.Metadata.Timestamp = time.Now().UTC()
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1)%1000 == 1 {
			r.logger.Warn().Int64("dropped", r.dropped.Load()).Msg("Statistics queue full, dropping records")
		}
	}
}

// Dropped is the number of records lost to backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains the queue and stops the consumer.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
	})
	r.Start() // a recorder that never started still terminates
	<-r.done
}
