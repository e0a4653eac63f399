package metricsink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const datadogSeriesURL = "https://api.datadoghq.com/api/v1/series"

// Datadog batches counters and timers in memory and flushes them to the
// Datadog series API on a ticker. No Datadog client library appears in
// the corpus; the series payload is small and stable enough that a
// direct net/http POST is the more honest representation of what a
// from-scratch client would look like, per DESIGN.md's stdlib
// justification requirement.
type Datadog struct {
	apiKey        string
	flushInterval time.Duration
	tags          []string
	client        *http.Client
	logger        *zap.Logger

	mu       sync.Mutex
	counters map[string]int64
	timings  map[string][]float64 // milliseconds

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewDatadog(apiKey string, flushInterval time.Duration, tags []string, logger *zap.Logger) *Datadog {
	return &Datadog{
		apiKey:        apiKey,
		flushInterval: flushInterval,
		tags:          tags,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
		counters:      make(map[string]int64),
		timings:       make(map[string][]float64),
	}
}

func (d *Datadog) Start() error {
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.loop()
	return nil
}

func (d *Datadog) Stop() error {
	if d.stopCh == nil {
		return nil
	}
	close(d.stopCh)
	<-d.doneCh
	return nil
}

func (d *Datadog) loop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.flush()
		case <-d.stopCh:
			d.flush()
			return
		}
	}
}

func (d *Datadog) Increment(name string, count int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[name] += count
}

func (d *Datadog) Timing(name string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timings[name] = append(d.timings[name], float64(elapsed.Milliseconds()))
}

type ddSeriesPoint [2]float64

type ddSeries struct {
	Metric string          `json:"metric"`
	Points []ddSeriesPoint `json:"points"`
	Type   string          `json:"type"`
	Tags   []string        `json:"tags,omitempty"`
}

type ddPayload struct {
	Series []ddSeries `json:"series"`
}

func (d *Datadog) flush() {
	d.mu.Lock()
	counters := d.counters
	timings := d.timings
	d.counters = make(map[string]int64)
	d.timings = make(map[string][]float64)
	d.mu.Unlock()

	if len(counters) == 0 && len(timings) == 0 {
		return
	}

	now := float64(time.Now().Unix())
	var payload ddPayload
	for name, count := range counters {
		payload.Series = append(payload.Series, ddSeries{
			Metric: name,
			Points: []ddSeriesPoint{{now, float64(count)}},
			Type:   "count",
			Tags:   d.tags,
		})
	}
	for name, samples := range timings {
		var sum float64
		for _, s := range samples {
			sum += s
		}
		payload.Series = append(payload.Series, ddSeries{
			Metric: name + ".avg_ms",
			Points: []ddSeriesPoint{{now, sum / float64(len(samples))}},
			Type:   "gauge",
			Tags:   d.tags,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logError(fmt.Errorf("marshal series: %w", err))
		return
	}
	url := fmt.Sprintf("%s?api_key=%s", datadogSeriesURL, d.apiKey)
	resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		d.logError(fmt.Errorf("post series: %w", err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logError(fmt.Errorf("datadog series returned status %d", resp.StatusCode))
	}
}

func (d *Datadog) logError(err error) {
	if d.logger != nil {
		d.logger.Warn("datadog flush failed", zap.Error(err))
	}
}
