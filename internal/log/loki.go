package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// LokiConfig contains configuration for Loki writer.
type LokiConfig struct {
	Endpoint      string            // Loki push endpoint URL
	Labels        map[string]string // Stream labels
	BatchSize     int               // Number of log entries per batch
	FlushInterval time.Duration
}

const (
	lokiRetries   = 3
	lokiBaseDelay = 100 * time.Millisecond
	lokiTimeout   = 10 * time.Second
)

// LokiWriter implements io.Writer and pushes log lines to Grafana Loki in
// gzip compressed batches, one stream per log level. Pushes happen outside
// the write lock so a slow Loki does not stall logging beyond one batch.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	httpClient    *http.Client

	mu     sync.Mutex
	batch  []logEntry
	failed int
	closed bool

	pushMu  sync.Mutex // orders pushes
	closeCh chan struct{}
	wg      sync.WaitGroup
}

type logEntry struct {
	timestamp time.Time
	level     string
	line      string
}

// lokiPushRequest is the body of POST /loki/api/v1/push.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLokiWriter creates a Loki writer and starts its periodic flusher.
// The "job" label defaults to "arnet".
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "arnet"
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		httpClient:    &http.Client{Timeout: lokiTimeout},
		batch:         make([]logEntry, 0, cfg.BatchSize),
		closeCh:       make(chan struct{}),
	}

	lw.wg.Add(1)
	go lw.flusher()
	return lw, nil
}

// Write implements io.Writer. A full batch is pushed before returning.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")

	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return 0, fmt.Errorf("loki writer is closed")
	}
	lw.batch = append(lw.batch, logEntry{timestamp: time.Now(), level: lineLevel(line), line: line})
	full := len(lw.batch) >= lw.batchSize
	lw.mu.Unlock()

	if full {
		_ = lw.flush()
	}
	return len(p), nil
}

// Close stops the flusher and pushes what is left.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.closeCh)
	lw.wg.Wait()
	return lw.flush()
}

// Failed returns the number of pushes that failed after retries.
func (lw *LokiWriter) Failed() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.failed
}

func (lw *LokiWriter) flusher() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = lw.flush()
		case <-lw.closeCh:
			return
		}
	}
}

// flush takes the current batch and pushes it. On failure the entries go
// back in front of newer ones, keeping at most batchSize of the newest.
func (lw *LokiWriter) flush() error {
	lw.pushMu.Lock()
	defer lw.pushMu.Unlock()

	lw.mu.Lock()
	entries := lw.batch
	lw.batch = make([]logEntry, 0, lw.batchSize)
	lw.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	err := lw.push(entries)
	if err == nil {
		return nil
	}

	lw.mu.Lock()
	lw.failed++
	merged := append(entries, lw.batch...)
	if over := len(merged) - lw.batchSize; over > 0 {
		merged = merged[over:]
	}
	lw.batch = merged
	lw.mu.Unlock()
	return err
}

func (lw *LokiWriter) push(entries []logEntry) error {
	body, err := encodePush(lw.labels, entries)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < lokiRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(lokiBaseDelay << (attempt - 1))
		}
		if lastErr = lw.send(body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d retries: %w", lokiRetries, lastErr)
}

// encodePush groups entries into one stream per level and gzips the JSON
// request.
func encodePush(labels map[string]string, entries []logEntry) ([]byte, error) {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], []string{
			strconv.FormatInt(e.timestamp.UnixNano(), 10),
			e.line,
		})
	}
	levels := make([]string, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Strings(levels)

	req := lokiPushRequest{Streams: make([]lokiStream, 0, len(levels))}
	for _, lvl := range levels {
		stream := make(map[string]string, len(labels)+1)
		for k, v := range labels {
			stream[k] = v
		}
		stream["level"] = lvl
		req.Streams = append(req.Streams, lokiStream{Stream: stream, Values: byLevel[lvl]})
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to encode loki request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lw *LokiWriter) send(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), lokiTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := lw.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

var knownLevels = []string{"trace", "debug", "info", "warning", "warn", "error", "fatal", "panic"}

// lineLevel finds the level of a formatted line: the "level" key of a JSON
// line, a level=x field, or the first bare level word. "unknown" otherwise.
func lineLevel(line string) string {
	if strings.HasPrefix(line, "{") {
		var obj struct {
			Level string `json:"level"`
		}
		if json.Unmarshal([]byte(line), &obj) == nil && obj.Level != "" {
			return normalizeLevel(obj.Level)
		}
	}
	for _, field := range strings.Fields(line) {
		field = strings.TrimPrefix(field, "level=")
		field = strings.Trim(field, "[]")
		for _, lvl := range knownLevels {
			if strings.EqualFold(field, lvl) {
				return normalizeLevel(lvl)
			}
		}
	}
	return "unknown"
}

func normalizeLevel(lvl string) string {
	lvl = strings.ToLower(lvl)
	if lvl == "warning" {
		return "warn"
	}
	return lvl
}
