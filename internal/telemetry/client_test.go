package telemetry

import (
	"sync"
	"testing"

	"github.com/posthog/posthog-go"
	"github.com/spf13/afero"
)

type recordingSink struct {
	mu     sync.Mutex
	events []posthog.Capture
	closed bool
}

func (r *recordingSink) Enqueue(msg posthog.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if capture, ok := msg.(posthog.Capture); ok {
		r.events = append(r.events, capture)
	}
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPostHogClient_TrackWhenEnabled(t *testing.T) {
	sink := &recordingSink{}
	client := &PostHogClient{sink: sink, config: &Config{Enabled: true, AnonymousID: "anon-1"}, version: "1.2.3"}

	client.Track(EventEnrichmentCompleted, map[string]any{"entities": 3})

	if sink.count() != 1 {
		t.Fatalf("events = %d, want 1", sink.count())
	}
	event := sink.events[0]
	if event.Event != EventEnrichmentCompleted || event.DistinctId != "anon-1" {
		t.Errorf("unexpected event: %+v", event)
	}
	if event.Properties["entities"] != 3 || event.Properties["version"] != "1.2.3" {
		t.Errorf("unexpected properties: %v", event.Properties)
	}
	if event.Properties["$process_person_profile"] != false {
		t.Error("person profiles must be disabled")
	}
}

func TestPostHogClient_DropsPrivateProperties(t *testing.T) {
	sink := &recordingSink{}
	client := &PostHogClient{sink: sink, config: &Config{Enabled: true, AnonymousID: "anon-1"}}

	client.Track(EventSearchQuery, map[string]any{
		"query":    "acme budget",
		"owner":    "u1",
		"note_id":  "n-1",
		"hits":     4,
		"degraded": true,
	})

	if sink.count() != 1 {
		t.Fatalf("events = %d, want 1", sink.count())
	}
	props := sink.events[0].Properties
	for _, key := range []string{"query", "owner", "note_id"} {
		if _, ok := props[key]; ok {
			t.Errorf("property %q must not be sent", key)
		}
	}
	if props["hits"] != 4 || props["degraded"] != true {
		t.Errorf("unexpected properties: %v", props)
	}
}

func TestPostHogClient_TrackSkipped(t *testing.T) {
	sink := &recordingSink{}
	(&PostHogClient{sink: sink, config: &Config{Enabled: false}}).Track(EventSearchQuery, nil)
	(&PostHogClient{sink: sink}).Track(EventSearchQuery, nil)
	(&PostHogClient{config: &Config{Enabled: true}}).Track(EventSearchQuery, nil)

	if sink.count() != 0 {
		t.Errorf("events = %d, want 0", sink.count())
	}
}

func TestPostHogClient_Close(t *testing.T) {
	sink := &recordingSink{}
	client := &PostHogClient{sink: sink, config: &Config{Enabled: true}}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sink.closed {
		t.Error("expected sink to be closed")
	}
	client.Track(EventSearchQuery, nil)
	if sink.count() != 0 {
		t.Error("closed client must drop events")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestNewPostHogClient_WithoutKeyIsInert(t *testing.T) {
	client, err := NewPostHogClient(ClientConfig{Config: &Config{Enabled: true}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Track(EventSearchQuery, nil)
	if err := client.Close(); err != nil {
		t.Errorf("close: %v", err)
	}

	var _ Client = NewNoopClient()
}

func TestConfig_LoadSaveRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()

	cfg, err := Load(fs, "/cfg")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if cfg.IsEnabled() || cfg.AnonymousID == "" {
		t.Fatalf("unexpected default config: %+v", cfg)
	}

	cfg.Enabled = true
	if err := cfg.Save(fs, "/cfg"); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := Load(fs, "/cfg")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !again.IsEnabled() || again.AnonymousID != cfg.AnonymousID {
		t.Errorf("reloaded config = %+v, want %+v", again, cfg)
	}

	if err := afero.WriteFile(fs, "/bad/"+ConfigFileName, []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(fs, "/bad"); err == nil {
		t.Error("expected parse error")
	}
}
