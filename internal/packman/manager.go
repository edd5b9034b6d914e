// Package packman is the entry point of the acquisition pipeline. A
// Manager owns the queue and every collaborator it needs and serializes
// access to them, so callers may use it from several goroutines.
package packman

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/packfetch/packfetch/internal/events"
	"github.com/packfetch/packfetch/internal/lock"
	"github.com/packfetch/packfetch/internal/packreq"
	"github.com/packfetch/packfetch/internal/queue"
	"github.com/packfetch/packfetch/internal/registry"
	"github.com/packfetch/packfetch/internal/transport"
	"github.com/packfetch/packfetch/internal/verify"
	"github.com/packfetch/packfetch/internal/vfs"
	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/fsutil"
	"github.com/packfetch/packfetch/pkg/logging"
	"github.com/packfetch/packfetch/pkg/metrics"
	"github.com/packfetch/packfetch/pkg/model"
	"github.com/packfetch/packfetch/pkg/webhook"
)

// DefaultTick is the update interval used when Config.Tick is zero.
const DefaultTick = 50 * time.Millisecond

// Config configures a Manager.
type Config struct {
	RemoteURL  string
	LocalDir   string
	MountPoint string // defaults to packreq.DefaultMountPoint

	// StateFile records mounted packs across runs. Empty disables it.
	StateFile string
	// Journal is the path of the event journal. Empty disables it.
	Journal string

	Tick         time.Duration
	StallTimeout time.Duration

	Webhook *webhook.Config
}

// Option customizes collaborators of a Manager.
type Option func(*Manager)

// WithTransport replaces the HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(m *Manager) { m.transport = t }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics feeds pack events into r instead of the default registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithClock sets the clock used for stall detection.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager drives pack requests against one local packs directory.
type Manager struct {
	cfg       Config
	reg       *registry.Memory
	transport transport.Transport
	verifier  *verify.Verifier
	fs        *vfs.FS
	bus       *events.Bus
	owners    *lock.Owners
	queue     *queue.Queue
	dirLock   *lock.DirLock
	journal   *events.Journal
	hooks     *webhook.Client
	metrics   *metrics.Registry
	log       *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	enabled bool
	closed  bool
}

// New locks cfg.LocalDir and wires a manager for the packs in reg.
// Processing starts enabled.
func New(reg *registry.Memory, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.LocalDir == "" {
		return nil, fmt.Errorf("packman: local dir is required")
	}
	if cfg.MountPoint == "" {
		cfg.MountPoint = packreq.DefaultMountPoint
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}

	m := &Manager{
		cfg:     cfg,
		reg:     reg,
		bus:     events.NewBus(),
		owners:  lock.NewOwners(),
		enabled: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.Discard()
	}
	if m.metrics == nil {
		m.metrics = metrics.Default()
	}
	if m.transport == nil {
		m.transport = transport.NewHTTP(&http.Client{}, m.log)
	}

	dl, err := lock.AcquireDir(cfg.LocalDir, "packfetch")
	if err != nil {
		return nil, err
	}
	m.dirLock = dl

	m.verifier = verify.NewVerifier(cfg.LocalDir)
	m.fs = vfs.New(m.log)

	m.bus.Subscribe(events.LogSink(m.log))
	m.bus.Subscribe(events.MetricsSink(m.metrics, m.archiveSize))
	if cfg.Journal != "" {
		m.journal = events.NewJournal(cfg.Journal, m.log)
		m.bus.Subscribe(m.journal.Listen)
	}
	if cfg.Webhook != nil && cfg.Webhook.Enabled && len(cfg.Webhook.Hooks) > 0 {
		m.hooks = webhook.NewClient(cfg.Webhook, m.log)
		m.bus.Subscribe(events.WebhookSink(m.hooks))
	}

	m.queue = queue.New(&packreq.Env{
		Registry:     reg,
		Transport:    m.transport,
		Checker:      m.verifier,
		Mounter:      m.fs,
		Events:       m.bus,
		RemoteURL:    cfg.RemoteURL,
		LocalDir:     cfg.LocalDir,
		MountPoint:   cfg.MountPoint,
		StallTimeout: cfg.StallTimeout,
		Owners:       m.owners,
		Now:          m.now,
		Log:          m.log,
	})
	return m, nil
}

func (m *Manager) archiveSize(pack string) int64 {
	size, err := fsutil.SizeOf(m.verifier.ArchivePath(pack))
	if err != nil {
		return 0
	}
	return size
}

// Subscribe registers l for pack events and returns its unsubscribe func.
// Listeners run while the manager is locked and must not call back into it.
func (m *Manager) Subscribe(l events.Listener) func() {
	return m.bus.Subscribe(l)
}

// FS returns the virtual filesystem packs are mounted into.
func (m *Manager) FS() *vfs.FS { return m.fs }

// Verifier returns the verifier for archives in the packs directory.
func (m *Manager) Verifier() *verify.Verifier { return m.verifier }

// Journal returns the event journal, nil when disabled.
func (m *Manager) Journal() *events.Journal { return m.journal }

// Registry returns the pack registry.
func (m *Manager) Registry() *registry.Memory { return m.reg }

// RequestPack asks for name to be mounted. A pack already queued has its
// priority raised instead; a mounted pack is left alone.
func (m *Manager) RequestPack(name string, priority float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}

	pack, err := m.reg.GetPack(name)
	if err != nil {
		return err
	}
	if m.queue.IsInQueue(pack.Name) {
		m.queue.UpdatePriority(pack.Name, priority)
		m.holdIfPaused()
		return nil
	}
	if pack.State == model.PackMounted {
		return nil
	}
	if err := m.queue.Push(pack.Name, priority); err != nil {
		return err
	}
	m.holdIfPaused()
	m.metrics.SetQueueLength(m.queue.Len())
	return nil
}

// ChangePriority sets the priority of a queued pack.
func (m *Manager) ChangePriority(name string, priority float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.queue.IsInQueue(name) {
		return errclass.ErrNotQueued.WithMessagef("pack %s is not queued", name)
	}
	m.queue.UpdatePriority(name, priority)
	m.holdIfPaused()
	return nil
}

// holdIfPaused undoes the start a queue mutation may have triggered while
// processing is disabled.
func (m *Manager) holdIfPaused() {
	if !m.enabled {
		m.queue.Stop()
	}
}

// Update advances the queue by one step. It does nothing while paused.
// The returned error is the verification or mount failure of this step;
// the pack's state already reflects it.
func (m *Manager) Update() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || m.closed {
		return nil
	}
	err := m.queue.Update()
	m.metrics.SetQueueLength(m.queue.Len())
	return err
}

// Run calls Update every interval until ctx is done, then pauses the
// active download. Step failures are logged and do not stop the loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.cfg.Tick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.queue.Stop()
			m.mu.Unlock()
			return nil
		case <-ticker.C:
			if err := m.Update(); err != nil {
				m.log.ErrorErr("pack update failed", err)
			}
		}
	}
}

// Pause disables processing and pauses the active download.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.queue.Stop()
}

// Resume enables processing and restarts the top request.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
	m.queue.Start()
}

// IsProcessingEnabled reports whether Update advances the queue.
func (m *Manager) IsProcessingEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Wait drives the queue until none of names is queued any more, then
// reports the failures among them. Virtual packs count as done once their
// dependencies are resolved.
func (m *Manager) Wait(ctx context.Context, names ...string) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		if !m.anyQueued(names) {
			return m.failures(names)
		}
		if err := m.Update(); err != nil {
			m.log.ErrorErr("pack update failed", err)
		}
		if !m.anyQueued(names) {
			return m.failures(names)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) anyQueued(names []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if m.queue.IsInQueue(name) {
			return true
		}
	}
	return false
}

func (m *Manager) failures(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range names {
		p, err := m.reg.GetPack(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch p.State {
		case model.PackErrorLoading:
			errs = append(errs, errclass.ErrDownloadFailed.WithMessagef("pack %s: %s", p.Name, p.DownloadError))
		case model.PackOtherError:
			errs = append(errs, errclass.ErrDependencyFailed.WithMessage(p.OtherErrorMsg))
		}
	}
	return errors.Join(errs...)
}

// Queued lists queued packs, the top first.
func (m *Manager) Queued() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Names()
}

// Packs returns a snapshot of every pack record.
func (m *Manager) Packs() []model.Pack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Snapshot()
}

// MountLocal mounts packs recorded in the state file whose archives are
// still on disk and verify. It returns the names it mounted.
func (m *Manager) MountLocal() ([]string, error) {
	if m.cfg.StateFile == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.reg.LoadState(m.cfg.StateFile)
	if err != nil {
		return nil, err
	}
	var mounted []string
	for _, name := range names {
		p, err := m.reg.GetPack(name)
		if err != nil || p.State == model.PackMounted || m.queue.IsInQueue(name) {
			continue
		}
		if err := m.verifier.Check(p); err != nil {
			m.log.Warn("local pack failed verification", map[string]any{"pack": name, "error": err.Error()})
			continue
		}
		if err := m.fs.Mount(m.verifier.ArchivePath(name), m.cfg.MountPoint); err != nil {
			m.log.Warn("local pack mount failed", map[string]any{"pack": name, "error": err.Error()})
			continue
		}
		p.State = model.PackMounted
		p.DownloadProgress = 1
		p.DownloadError = model.DownloadErrNone
		p.OtherErrorMsg = ""
		m.bus.Emit(p, model.ChangeState)
		mounted = append(mounted, name)
	}
	return mounted, nil
}

// SaveState records mounted packs in the state file.
func (m *Manager) SaveState() error {
	if m.cfg.StateFile == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.SaveState(m.cfg.StateFile)
}

var errClosed = errors.New("packman: manager is closed")

// Close saves state, cancels queued requests and releases the packs
// directory. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.queue.Close()
	m.mu.Unlock()

	var errs []error
	if m.cfg.StateFile != "" {
		if err := m.reg.SaveState(m.cfg.StateFile); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := m.transport.(interface{ Close() }); ok {
		c.Close()
	}
	if m.hooks != nil {
		errs = append(errs, m.hooks.Close())
	}
	errs = append(errs, m.fs.Close(), m.dirLock.Release())
	return errors.Join(errs...)
}
