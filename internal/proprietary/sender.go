package proprietary

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// Payload and count bounds.
const (
	PayloadSize = 32
	MinCount    = 1
	MaxCount    = 100
)

// Source yields the Ready driver, optionally waiting for it.
// *controller.Controller satisfies it.
type Source interface {
	Driver() (zwave.Driver, error)
	WaitReady(ctx context.Context, timeout time.Duration) (zwave.Driver, error)
}

// SenderConfig holds sender defaults.
type SenderConfig struct {
	// DefaultNodeID is used when a request has no node id.
	DefaultNodeID int
	// ManufacturerID is used when a request has no manufacturer id.
	ManufacturerID uint16
	// ReadyTimeout bounds WaitForReady requests.
	ReadyTimeout time.Duration
	Logger       zwave.Logger
}

// SendRequest is one SEND_COMMAND call.
type SendRequest struct {
	NodeID         int  // 0 uses the default
	Endpoint       int
	ManufacturerID *int // nil uses the default
	PayloadHex     string
	Count          int
	// Random sends a fresh random payload per frame; PayloadHex is ignored.
	Random bool
	// WaitForReady waits for the driver instead of failing fast.
	WaitForReady bool
}

// FrameResult is the outcome of one frame.
type FrameResult struct {
	Index      int       `json:"index"`
	PayloadHex string    `json:"payloadHex"`
	Success    bool      `json:"success"`
	DurationMs float64   `json:"durationMs"`
	SentAt     time.Time `json:"sentAt"`
}

// SendResult is returned when every frame was delivered.
type SendResult struct {
	NodeID         int           `json:"nodeId"`
	ManufacturerID int           `json:"manufacturerId"`
	Count          int           `json:"count"`
	PayloadHex     string        `json:"payloadHex,omitempty"`
	Random         bool          `json:"random,omitempty"`
	Frames         []FrameResult `json:"frames"`
	DurationMs     float64       `json:"durationMs"`
}

// Sender validates and sends vendor payloads.
type Sender struct {
	src  Source
	cfg  SenderConfig
	log  zwave.Logger
	rand io.Reader

	mu        sync.RWMutex
	observers []zwave.FrameObserver
}

// NewSender creates a sender reading the driver from src.
func NewSender(src Source, cfg SenderConfig) *Sender {
	if cfg.Logger == nil {
		cfg.Logger = zwave.NopLogger{}
	}
	return &Sender{src: src, cfg: cfg, log: cfg.Logger, rand: rand.Reader}
}

// AddObserver registers a frame observer notified after every frame.
func (s *Sender) AddObserver(o zwave.FrameObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Send validates req and sends its frames sequentially.
//
// Checks run in order: driver ready, payload, manufacturer id, node
// present and ready. Count is clamped, never rejected. The first failed
// frame aborts the call and its error is returned alone.
func (s *Sender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	d, err := s.driver(ctx, req.WaitForReady)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if !req.Random {
		payload, err = ParsePayload(req.PayloadHex)
		if err != nil {
			return nil, err
		}
	}

	manufacturerID := s.cfg.ManufacturerID
	if req.ManufacturerID != nil {
		if *req.ManufacturerID < 0 || *req.ManufacturerID > 0xFFFF {
			return nil, fmt.Errorf("%w: manufacturerId %d out of range 0x0000-0xFFFF", zwave.ErrValidation, *req.ManufacturerID)
		}
		manufacturerID = uint16(*req.ManufacturerID)
	}

	nodeID := req.NodeID
	if nodeID == 0 {
		nodeID = s.cfg.DefaultNodeID
	}
	node, ok := d.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: node %d", zwave.ErrNotFound, nodeID)
	}
	if !node.Ready {
		return nil, fmt.Errorf("%w: node %d (status %s)", zwave.ErrNodeNotReady, nodeID, node.Status)
	}

	count := ClampCount(req.Count)

	if err := Force(ctx, d, nodeID, req.Endpoint); err != nil {
		return nil, err
	}

	result := &SendResult{
		NodeID:         nodeID,
		ManufacturerID: int(manufacturerID),
		Count:          count,
		Random:         req.Random,
		Frames:         make([]FrameResult, 0, count),
	}
	if !req.Random {
		result.PayloadHex = hex.EncodeToString(payload)
	}

	start := time.Now()
	for i := range count {
		data := payload
		if req.Random {
			data = make([]byte, PayloadSize)
			if _, err := io.ReadFull(s.rand, data); err != nil {
				return nil, fmt.Errorf("generating random payload: %w", err)
			}
		}

		sentAt := time.Now()
		sendErr := d.SendManufacturerData(ctx, nodeID, req.Endpoint, manufacturerID, data)
		elapsed := time.Since(sentAt)

		frame := FrameResult{
			Index:      i,
			PayloadHex: hex.EncodeToString(data),
			Success:    sendErr == nil,
			DurationMs: float64(elapsed.Microseconds()) / 1000,
			SentAt:     sentAt.UTC(),
		}
		s.notify(nodeID, req.Endpoint, manufacturerID, frame, elapsed, sendErr)

		if sendErr != nil {
			if !errors.Is(sendErr, zwave.ErrUpstream) && !errors.Is(sendErr, zwave.ErrTimeout) {
				sendErr = fmt.Errorf("%w: %w", zwave.ErrUpstream, sendErr)
			}
			s.log.Warn("vendor frame failed", "node_id", nodeID, "frame", i+1, "count", count, "error", sendErr)
			return nil, fmt.Errorf("frame %d of %d: %w", i+1, count, sendErr)
		}
		result.Frames = append(result.Frames, frame)
	}
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000

	s.log.Info("vendor command sent", "node_id", nodeID, "count", count, "duration_ms", result.DurationMs)
	return result, nil
}

func (s *Sender) driver(ctx context.Context, wait bool) (zwave.Driver, error) {
	if wait {
		return s.src.WaitReady(ctx, s.cfg.ReadyTimeout)
	}
	return s.src.Driver()
}

func (s *Sender) notify(nodeID, endpoint int, manufacturerID uint16, f FrameResult, elapsed time.Duration, err error) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	if len(observers) == 0 {
		return
	}

	rec := zwave.FrameRecord{
		NodeID:         nodeID,
		Endpoint:       endpoint,
		ManufacturerID: manufacturerID,
		Direction:      zwave.DirectionOutbound,
		PayloadHex:     f.PayloadHex,
		Index:          f.Index,
		Success:        err == nil,
		Duration:       elapsed,
		At:             f.SentAt,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	for _, o := range observers {
		o.ObserveFrame(rec)
	}
}

// ParsePayload strips whitespace from s, checks it is hex only and
// decodes it to exactly PayloadSize bytes.
func ParsePayload(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	if cleaned == "" {
		return nil, fmt.Errorf("%w: invalid payload format: payloadHex is required", zwave.ErrValidation)
	}
	for i, r := range cleaned {
		if !isHex(r) {
			return nil, fmt.Errorf("%w: invalid payload format: non-hex character %q at position %d", zwave.ErrValidation, r, i)
		}
	}
	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("%w: invalid payload format: odd number of hex characters (%d)", zwave.ErrValidation, len(cleaned))
	}
	if n := len(cleaned) / 2; n != PayloadSize {
		return nil, fmt.Errorf("%w: invalid payload format: expected %d bytes (%d hex characters), got %d bytes",
			zwave.ErrValidation, PayloadSize, PayloadSize*2, n)
	}

	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payload format: %w", zwave.ErrValidation, err)
	}
	return b, nil
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// ClampCount bounds n to [MinCount, MaxCount].
func ClampCount(n int) int {
	return min(max(n, MinCount), MaxCount)
}
