package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Ingest      IngestMetrics  `json:"ingest"`
	Publish     PublishMetrics `json:"publish"`
	Content     ContentMetrics `json:"content"`
}

type IngestMetrics struct {
	EventsReceived   uint64 `json:"events_received"`
	DropDuplicate    uint64 `json:"drop_duplicate"`
	DropChannel      uint64 `json:"drop_channel"`
	DropBadEnvelope  uint64 `json:"drop_bad_envelope"`
	ReactionsApplied uint64 `json:"reactions_applied"`
	ReactionsDropped uint64 `json:"reactions_dropped"`
}

type PublishMetrics struct {
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

type ContentMetrics struct {
	BytesAdded    uint64 `json:"bytes_added"`
	FetchDirect   uint64 `json:"fetch_direct"`
	FetchFallback uint64 `json:"fetch_fallback"`
	FetchFailed   uint64 `json:"fetch_failed"`
}

type Metrics struct {
	eventsReceived   atomic.Uint64
	dropDuplicate    atomic.Uint64
	dropChannel      atomic.Uint64
	dropBadEnvelope  atomic.Uint64
	reactionsApplied atomic.Uint64
	reactionsDropped atomic.Uint64
	publishSucceeded atomic.Uint64
	publishFailed    atomic.Uint64
	bytesAdded       atomic.Uint64
	fetchDirect      atomic.Uint64
	fetchFallback    atomic.Uint64
	fetchFailed      atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncEventsReceived() {
	if m == nil {
		return
	}
	m.eventsReceived.Add(1)
}

func (m *Metrics) IncDropDuplicate() {
	if m == nil {
		return
	}
	m.dropDuplicate.Add(1)
}

func (m *Metrics) IncDropChannel() {
	if m == nil {
		return
	}
	m.dropChannel.Add(1)
}

func (m *Metrics) IncDropBadEnvelope() {
	if m == nil {
		return
	}
	m.dropBadEnvelope.Add(1)
}

func (m *Metrics) IncReactionsApplied() {
	if m == nil {
		return
	}
	m.reactionsApplied.Add(1)
}

func (m *Metrics) IncReactionsDropped() {
	if m == nil {
		return
	}
	m.reactionsDropped.Add(1)
}

func (m *Metrics) IncPublishSucceeded() {
	if m == nil {
		return
	}
	m.publishSucceeded.Add(1)
}

func (m *Metrics) IncPublishFailed() {
	if m == nil {
		return
	}
	m.publishFailed.Add(1)
}

func (m *Metrics) AddBytesAdded(n uint64) {
	if m == nil {
		return
	}
	m.bytesAdded.Add(n)
}

func (m *Metrics) IncFetchDirect() {
	if m == nil {
		return
	}
	m.fetchDirect.Add(1)
}

func (m *Metrics) IncFetchFallback() {
	if m == nil {
		return
	}
	m.fetchFallback.Add(1)
}

func (m *Metrics) IncFetchFailed() {
	if m == nil {
		return
	}
	m.fetchFailed.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Ingest: IngestMetrics{
			EventsReceived:   m.eventsReceived.Load(),
			DropDuplicate:    m.dropDuplicate.Load(),
			DropChannel:      m.dropChannel.Load(),
			DropBadEnvelope:  m.dropBadEnvelope.Load(),
			ReactionsApplied: m.reactionsApplied.Load(),
			ReactionsDropped: m.reactionsDropped.Load(),
		},
		Publish: PublishMetrics{
			Succeeded: m.publishSucceeded.Load(),
			Failed:    m.publishFailed.Load(),
		},
		Content: ContentMetrics{
			BytesAdded:    m.bytesAdded.Load(),
			FetchDirect:   m.fetchDirect.Load(),
			FetchFallback: m.fetchFallback.Load(),
			FetchFailed:   m.fetchFailed.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
