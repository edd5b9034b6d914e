// Package webhook forwards pack lifecycle events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/packfetch/packfetch/pkg/logging"
)

// EventType identifies a pack event that can trigger webhooks.
type EventType string

const (
	EventPackRequested   EventType = "pack.requested"
	EventPackDownloading EventType = "pack.downloading"
	EventPackProgress    EventType = "pack.progress"
	EventPackMounted     EventType = "pack.mounted"
	EventPackFailed      EventType = "pack.failed"
	EventPackPriority    EventType = "pack.priority"
)

// Event is the JSON payload posted to a hook.
type Event struct {
	Event         EventType      `json:"event"`
	Timestamp     string         `json:"timestamp"`
	Pack          string         `json:"pack"`
	State         string         `json:"state,omitempty"`
	Priority      float32        `json:"priority,omitempty"`
	Progress      float32        `json:"progress,omitempty"`
	DownloadError string         `json:"download_error,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// HookConfig is a single webhook endpoint.
type HookConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Secret  string        `json:"secret,omitempty" yaml:"secret,omitempty"`
	Events  []EventType   `json:"events" yaml:"events"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Enabled bool          `json:"enabled" yaml:"enabled"`
}

// Config configures a Client.
type Config struct {
	Hooks          []HookConfig  `json:"hooks" yaml:"hooks"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`
	AsyncQueueSize int           `json:"async_queue_size" yaml:"async_queue_size"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		AsyncQueueSize: 100,
	}
}

// Client sends webhook notifications, synchronously or from a background
// worker.
type Client struct {
	config *Config
	http   *http.Client
	log    *logging.Logger
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type job struct {
	event Event
	hook  HookConfig
}

// NewClient creates a webhook client. A nil config uses DefaultConfig.
func NewClient(cfg *Config, log *logging.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log,
		queue:  make(chan *job, cfg.AsyncQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Enabled {
		c.start()
	}
	return c
}

func (c *Client) start() {
	c.once.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

func (c *Client) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			// Drain remaining jobs
			for len(c.queue) > 0 {
				c.send(<-c.queue)
			}
			return
		case j := <-c.queue:
			c.send(j)
		}
	}
}

// Send delivers event to every enabled hook subscribed to its type. With
// async the event is queued and Send never blocks; a full queue drops it.
func (c *Client) Send(event Event, async bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.config.Enabled || c.closed {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if hook.Enabled && matchesEvent(hook, event.Event) {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.log.Warn("webhook queue full, dropping event", map[string]any{
					"event": string(event.Event),
					"pack":  event.Pack,
				})
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(&job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Client) send(j *job) {
	if err := c.sendSync(j); err != nil {
		c.log.ErrorErr("webhook delivery failed", err, map[string]any{
			"url":   j.hook.URL,
			"event": string(j.event.Event),
		})
	}
}

// sendSync posts one job, retrying on transport errors and non-2xx replies.
func (c *Client) sendSync(j *job) error {
	payload, err := json.Marshal(j.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				if lastErr != nil {
					return lastErr
				}
				return c.ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		req, cancel, err := c.createRequest(j.hook, payload)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return lastErr
}

func (c *Client) createRequest(hook HookConfig, payload []byte) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if hook.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "packfetch-webhook/1.0")
	if hook.Secret != "" {
		req.Header.Set("X-Packfetch-Signature", Sign(payload, hook.Secret))
	}
	return req, cancel, nil
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// Close stops the worker after it has delivered queued events.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.config.Enabled || c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	c.wg.Wait()
	return nil
}
