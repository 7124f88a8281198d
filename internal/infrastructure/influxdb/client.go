package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/zwave-relay/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	// Frame bursts are at most 100 points, so one burst fills one batch.
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	// Points are stamped to the millisecond; frame durations are fields.
	writePrecision = time.Millisecond

	// relayTag is added to every point so several relays can share a bucket.
	relayTag = "relay_id"
)

// Client records the relay's frame and lifecycle telemetry in InfluxDB.
//
// Every point goes through write, which drops it once the client is closed.
// Writes never block the caller: the non-blocking write API batches them
// and delivers failures to the SetOnError callback wrapped in ErrWriteFailed.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	relayID  string

	mu      sync.RWMutex
	closed  bool
	onError func(err error)
}

// writeOptions builds the client options for cfg, tagging every point with
// relayID when it is set.
func writeOptions(cfg config.InfluxDBConfig, relayID string) *influxdb2.Options {
	batch := defaultBatchSize
	if cfg.BatchSize > 0 {
		batch = cfg.BatchSize
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	// #nosec G115 -- both values are positive
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).
		SetFlushInterval(uint(flush.Milliseconds())).
		SetPrecision(writePrecision)
	if relayID != "" {
		opts.AddDefaultTag(relayTag, relayID)
	}
	return opts
}

// Connect pings the server and opens a batching write API for the
// configured org and bucket. relayID becomes the relay_id tag on every
// point. It returns ErrDisabled when InfluxDB is switched off.
func Connect(cfg config.InfluxDBConfig, relayID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg, relayID))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		relayID:  relayID,
	}
	go c.forwardErrors(c.writeAPI.Errors())
	return c, nil
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

// forwardErrors hands async batch failures to the error callback.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// write queues p unless the client is closed.
func (c *Client) write(p *write.Point) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.writeAPI == nil {
		return
	}
	c.writeAPI.WritePoint(p)
}

// Close flushes queued points and releases the connection. Later writes
// are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed || c.client == nil {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(checkCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	return nil
}

// IsConnected reports whether the client accepts writes.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.client != nil
}

// SetOnError sets the callback for async write failures. Errors passed to
// it match ErrWriteFailed.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}
