package telemetry

import (
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/posthog/posthog-go"
)

// Client records anonymous pipeline and search events.
type Client interface {
	// Track queues an event and returns immediately. Disabled clients drop it.
	Track(event string, properties map[string]any)
	Close() error
}

// sink is the subset of the PostHog client the tracker needs.
type sink interface {
	io.Closer
	Enqueue(msg posthog.Message) error
}

// privateKeys never leave the process, whatever a caller passes.
var privateKeys = map[string]bool{
	"owner":    true,
	"note_id":  true,
	"query":    true,
	"title":    true,
	"content":  true,
	"answer":   true,
	"question": true,
	"email":    true,
}

// PostHogClient batches events to PostHog under the install's anonymous id.
type PostHogClient struct {
	mu      sync.Mutex
	sink    sink
	config  *Config
	version string
}

// ClientConfig configures NewPostHogClient.
type ClientConfig struct {
	APIKey   string
	Version  string
	Config   *Config
	Endpoint string // self-hosted PostHog; empty uses the cloud endpoint
}

// NewPostHogClient builds a tracker. Without an API key or opt-in state the
// client is inert: Track drops events and Close is a no-op.
func NewPostHogClient(cfg ClientConfig) (*PostHogClient, error) {
	c := &PostHogClient{config: cfg.Config, version: cfg.Version}
	if cfg.APIKey == "" || cfg.Config == nil {
		return c, nil
	}

	ph, err := posthog.NewWithConfig(cfg.APIKey, posthog.Config{
		Endpoint:  cfg.Endpoint,
		BatchSize: 20,
		Interval:  5 * time.Second,
		Logger:    silentLogger{},
	})
	if err != nil {
		return nil, err
	}
	c.sink = ph
	return c, nil
}

func (c *PostHogClient) Track(event string, properties map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil || !c.config.IsEnabled() {
		return
	}

	props := posthog.NewProperties()
	for k, v := range properties {
		if privateKeys[k] {
			continue
		}
		props.Set(k, v)
	}
	props.Set("version", c.version)
	props.Set("os", runtime.GOOS)
	props.Set("arch", runtime.GOARCH)
	props.Set("$process_person_profile", false)

	_ = c.sink.Enqueue(posthog.Capture{
		DistinctId: c.config.AnonymousID,
		Event:      event,
		Properties: props,
	})
}

// Close flushes queued events.
func (c *PostHogClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return nil
	}
	err := c.sink.Close()
	c.sink = nil
	return err
}

// NoopClient drops every event.
type NoopClient struct{}

func (NoopClient) Track(string, map[string]any) {}
func (NoopClient) Close() error                 { return nil }

func NewNoopClient() *NoopClient { return &NoopClient{} }

type silentLogger struct{}

func (silentLogger) Debugf(string, ...any) {}
func (silentLogger) Logf(string, ...any)   {}
func (silentLogger) Warnf(string, ...any)  {}
func (silentLogger) Errorf(string, ...any) {}
