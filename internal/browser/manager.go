// Package browser is the chromedp implementation of the driver contract. The
// Manager owns one Chrome process; each session gets its own isolated browser
// context (separate cookies, storage, cache) inside it.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Manager handles the browser process lifecycle and hands out isolated
// per-session driver contexts. It implements schemas.DriverFactory.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	// browserCtx is attached to the browser target itself; CDP calls that
	// create and dispose browser contexts run through it.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// Serializes CreateBrowserContext/CreateTarget pairs; concurrent
	// creation against one browser process is flaky.
	createMu sync.Mutex

	initOnce sync.Once
	initErr  error

	wg sync.WaitGroup
}

var _ schemas.DriverFactory = (*Manager)(nil)

// NewManager creates a browser manager. The Chrome process is launched
// lazily, on the first NewDriver call.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("browser"),
	}
}

func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser process.", zap.Bool("headless", m.cfg.Headless))

		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), m.execOptions()...)
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx)

		// Force the browser to actually start so launch failures surface
		// here instead of on the first session's first action.
		startCtx, cancel := CombineContext(m.browserCtx, ctx)
		defer cancel()
		if err := chromedp.Run(startCtx); err != nil {
			m.initErr = fmt.Errorf("failed to launch browser: %w", err)
			m.browserCancel()
			m.allocCancel()
			return
		}
		m.logger.Info("Browser process ready.")
	})
	return m.initErr
}

func (m *Manager) execOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if m.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if m.cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	return opts
}

// NewDriver creates an isolated browser context plus a blank tab in it and
// returns the Driver bound to that tab. The driver owns both and disposes of
// them on Close.
func (m *Manager) NewDriver(ctx context.Context, sessionID string) (schemas.BrowserDriver, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before creating browser context: %w", err)
	}

	var browserContextID cdp.BrowserContextID
	var targetID target.ID
	createCtx, cancelCreate := CombineContext(m.browserCtx, ctx)
	defer cancelCreate()
	err := chromedp.Run(createCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		browserContextID, err = target.CreateBrowserContext().Do(c)
		if err != nil {
			return fmt.Errorf("failed to create browser context: %w", err)
		}
		targetID, err = target.CreateTarget("about:blank").
			WithBrowserContextID(browserContextID).
			Do(c)
		if err != nil {
			m.disposeBrowserContext(browserContextID)
			return fmt.Errorf("failed to create target: %w", err)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		m.disposeBrowserContext(browserContextID)
		return nil, fmt.Errorf("failed to attach to target: %w", err)
	}

	m.wg.Add(1)
	d := &Driver{
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		cfg:       m.cfg,
		logger:    m.logger.With(zap.String("session_id", sessionID)),
		onClose: func() {
			m.disposeBrowserContext(browserContextID)
			m.wg.Done()
		},
	}
	m.logger.Info("Created isolated browser context.",
		zap.String("session_id", sessionID),
		zap.String("browser_context_id", string(browserContextID)))
	return d, nil
}

// disposeBrowserContext releases an isolated context. Cleanup must not be
// tied to a dying caller, so it runs on a detached context with its own
// deadline.
func (m *Manager) disposeBrowserContext(id cdp.BrowserContextID) {
	if m.browserCtx == nil || m.browserCtx.Err() != nil {
		return
	}
	disposeCtx, cancel := context.WithTimeout(Detach(m.browserCtx), 10*time.Second)
	defer cancel()
	err := chromedp.Run(disposeCtx, chromedp.ActionFunc(func(c context.Context) error {
		return target.DisposeBrowserContext(id).Do(c)
	}))
	if err != nil {
		m.logger.Debug("Failed to dispose browser context.", zap.Error(err))
	}
}

// Shutdown waits for outstanding drivers to close, then tears the browser
// process down.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.browserCtx == nil {
		return nil
	}
	m.logger.Info("Shutting down browser manager.")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close, shutting down anyway.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Cancel(m.browserCtx) }()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			m.logger.Warn("Browser did not exit cleanly.", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		m.logger.Warn("Browser shutdown timed out, cancelling allocator.")
	}
	m.allocCancel()
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
