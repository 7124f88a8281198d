package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

const (
	recorderQueueSize = 256
	writeTimeout      = 5 * time.Second
)

// Ensure Recorder implements zwave.FrameObserver.
var _ zwave.FrameObserver = (*Recorder)(nil)

// Recorder persists frame records on a background goroutine so the send
// path never waits on SQLite. Records arriving while the queue is full are
// dropped and counted.
type Recorder struct {
	repo  Repository
	log   zwave.Logger
	queue chan zwave.FrameRecord

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	dropped atomic.Uint64
}

// NewRecorder starts a recorder writing to repo. Call Close to drain it.
func NewRecorder(repo Repository, log zwave.Logger) *Recorder {
	if log == nil {
		log = zwave.NopLogger{}
	}
	r := &Recorder{
		repo:  repo,
		log:   log,
		queue: make(chan zwave.FrameRecord, recorderQueueSize),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// ObserveFrame implements zwave.FrameObserver.
func (r *Recorder) ObserveFrame(rec zwave.FrameRecord) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.log.Warn("frame history queue full, dropping record", "node_id", rec.NodeID)
	}
}

// Dropped returns how many records were discarded.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			// Drain what is already queued.
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec zwave.FrameRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.Create(ctx, FromRecord(rec)); err != nil {
		r.log.Error("recording vendor frame failed", "node_id", rec.NodeID, "error", err)
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}

// FromRecord converts a frame record into a history row.
func FromRecord(rec zwave.FrameRecord) *Frame {
	return &Frame{
		NodeID:         rec.NodeID,
		Endpoint:       rec.Endpoint,
		ManufacturerID: int(rec.ManufacturerID),
		Direction:      string(rec.Direction),
		PayloadHex:     rec.PayloadHex,
		Index:          rec.Index,
		Success:        rec.Success,
		Error:          rec.Err,
		DurationMs:     float64(rec.Duration.Microseconds()) / 1000,
		CreatedAt:      rec.At,
	}
}
