package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

// DefaultUserAgent is a desktop Chrome user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Config controls browser launch and per-operation limits.
type Config struct {
	ExecPath            string
	Headless            bool
	UserAgent           string
	AcceptLanguage      string
	WindowWidth         int
	WindowHeight        int
	MaxParallel         int
	NavigationTimeout   time.Duration
	WaitTimeout         time.Duration
	InterstitialTimeout time.Duration
	ActionTimeout       time.Duration
	EntrySelector       string
	FeedSelector        string
	ConsentSelectors    []string
}

// DefaultConfig returns the settings used against the maps result feed.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		UserAgent:           DefaultUserAgent,
		AcceptLanguage:      "ja-JP,ja;q=0.9",
		WindowWidth:         1280,
		WindowHeight:        900,
		MaxParallel:         1,
		NavigationTimeout:   60 * time.Second,
		WaitTimeout:         15 * time.Second,
		InterstitialTimeout: 5 * time.Second,
		ActionTimeout:       10 * time.Second,
		EntrySelector:       `div[jsaction*="mouseover:pane"]`,
		FeedSelector:        `div[role="feed"]`,
		ConsentSelectors: []string{
			`button[aria-label="Accept all"]`,
			`button[aria-label="すべて承認"]`,
			`form[action*="consent"] button`,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		c.WindowWidth, c.WindowHeight = def.WindowWidth, def.WindowHeight
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = def.NavigationTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = def.WaitTimeout
	}
	if c.InterstitialTimeout <= 0 {
		c.InterstitialTimeout = def.InterstitialTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = def.ActionTimeout
	}
	if c.EntrySelector == "" {
		c.EntrySelector = def.EntrySelector
	}
	if c.FeedSelector == "" {
		c.FeedSelector = def.FeedSelector
	}
	if c.ConsentSelectors == nil {
		c.ConsentSelectors = def.ConsentSelectors
	}
	return c
}

// Pacer delays navigations to a host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Factory launches one headless browser per session.
type Factory struct {
	cfg         Config
	pacer       Pacer
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewFactory builds a session factory backed by chromedp.
func NewFactory(cfg Config, pacer Pacer, logger *zap.Logger) (*Factory, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Factory{
		cfg:         cfg,
		pacer:       pacer,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Close cancels the allocator context, terminating any browsers still open.
func (f *Factory) Close() {
	f.allocCancel()
}

// Config reports the effective settings.
func (f *Factory) Config() Config {
	return f.cfg
}

// Open launches a fresh browser and returns a session bound to its first tab.
func (f *Factory) Open(ctx context.Context) (rank.Session, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(f.allocator)
	stopForward := forwardCancel(ctx, cancel)
	// The first Run allocates the browser. It must not carry a timeout or
	// the browser dies with it.
	err := chromedp.Run(tabCtx, f.setupAction())
	stopForward()
	if err != nil {
		cancel()
		f.release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("open session: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: launch browser: %v", rank.ErrSession, err)
	}

	return &session{
		cfg:     f.cfg,
		pacer:   f.pacer,
		logger:  f.logger,
		tab:     tabCtx,
		cancel:  cancel,
		release: f.release,
	}, nil
}

func (f *Factory) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.AcceptLanguage != "" {
			headers := network.Headers{"Accept-Language": f.cfg.AcceptLanguage}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		override := emulation.SetUserAgentOverride(f.cfg.UserAgent)
		if f.cfg.AcceptLanguage != "" {
			override = override.WithAcceptLanguage(f.cfg.AcceptLanguage)
		}
		if err := override.Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (f *Factory) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Factory) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type session struct {
	cfg     Config
	pacer   Pacer
	logger  *zap.Logger
	tab     context.Context
	cancel  context.CancelFunc
	release func()

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// scope derives an operation context from the tab. It is bounded by timeout
// and by the caller's own deadline and cancellation.
func (s *session) scope(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, fmt.Errorf("%w: session closed", rank.ErrSession)
	}
	opCtx, cancel := context.WithTimeout(s.tab, timeout)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		opCtx, cancelDeadline = context.WithDeadline(opCtx, deadline)
		prev := cancel
		cancel = func() {
			cancelDeadline()
			prev()
		}
	}
	stop := forwardCancel(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}, nil
}

func (s *session) Navigate(ctx context.Context, rawURL string) error {
	if s.pacer != nil {
		if err := s.pacer.Wait(ctx, rawURL); err != nil {
			return fmt.Errorf("navigation pacing: %w", err)
		}
	}
	opCtx, done, err := s.scope(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return err
	}
	defer done()

	s.logger.Debug("navigating", zap.String("url", rawURL))
	if err := chromedp.Run(opCtx, chromedp.Navigate(rawURL)); err != nil {
		return mapError(ctx, opCtx, err, rank.ErrNavigationTimeout, rank.ErrSession)
	}
	return nil
}

func (s *session) DismissInterstitial(ctx context.Context) (bool, error) {
	if len(s.cfg.ConsentSelectors) == 0 {
		return false, nil
	}
	opCtx, done, err := s.scope(ctx, s.cfg.InterstitialTimeout)
	if err != nil {
		return false, err
	}
	defer done()

	script, err := consentScript(s.cfg.ConsentSelectors)
	if err != nil {
		return false, err
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var clicked bool
		if err := chromedp.Run(opCtx, chromedp.Evaluate(script, &clicked)); err != nil {
			if ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, mapError(ctx, opCtx, err, rank.ErrOperationTimeout, rank.ErrSession)
		}
		if clicked {
			s.logger.Debug("consent interstitial dismissed")
			return true, nil
		}
		select {
		case <-opCtx.Done():
			if ctx.Err() != nil {
				return false, fmt.Errorf("dismiss interstitial: %w", ctx.Err())
			}
			return false, nil
		case <-ticker.C:
		}
	}
}

func (s *session) WaitForEntries(ctx context.Context) error {
	opCtx, done, err := s.scope(ctx, s.cfg.WaitTimeout)
	if err != nil {
		return err
	}
	defer done()

	if err := chromedp.Run(opCtx, chromedp.WaitVisible(s.cfg.EntrySelector, chromedp.ByQuery)); err != nil {
		return mapError(ctx, opCtx, err, rank.ErrNoResultsTimeout, rank.ErrSession)
	}
	return nil
}

func (s *session) Reveal(ctx context.Context) error {
	opCtx, done, err := s.scope(ctx, s.cfg.ActionTimeout)
	if err != nil {
		return err
	}
	defer done()

	script, err := revealScript(s.cfg.FeedSelector, s.cfg.EntrySelector)
	if err != nil {
		return err
	}
	var scrolled bool
	if err := chromedp.Run(opCtx, chromedp.Evaluate(script, &scrolled)); err != nil {
		return mapError(ctx, opCtx, err, rank.ErrOperationTimeout, rank.ErrSession)
	}
	return nil
}

func (s *session) Measure(ctx context.Context) (rank.Measurement, error) {
	opCtx, done, err := s.scope(ctx, s.cfg.ActionTimeout)
	if err != nil {
		return rank.Measurement{}, err
	}
	defer done()

	script, err := measureScript(s.cfg.FeedSelector, s.cfg.EntrySelector)
	if err != nil {
		return rank.Measurement{}, err
	}
	var m rank.Measurement
	if err := chromedp.Run(opCtx, chromedp.Evaluate(script, &m)); err != nil {
		return rank.Measurement{}, mapError(ctx, opCtx, err, rank.ErrOperationTimeout, rank.ErrSession)
	}
	return m, nil
}

func (s *session) Entries(ctx context.Context, attempts []rank.Attempt, limit int) ([][]string, error) {
	opCtx, done, err := s.scope(ctx, s.cfg.ActionTimeout)
	if err != nil {
		return nil, err
	}
	defer done()

	script, err := entriesScript(s.cfg.EntrySelector, attempts, limit)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := chromedp.Run(opCtx, chromedp.Evaluate(script, &rows)); err != nil {
		return nil, mapError(ctx, opCtx, err, rank.ErrOperationTimeout, rank.ErrExtraction)
	}
	return rows, nil
}

func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	opCtx, done, err := s.scope(ctx, s.cfg.ActionTimeout)
	if err != nil {
		return nil, err
	}
	defer done()

	var buf []byte
	if err := chromedp.Run(opCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, mapError(ctx, opCtx, err, rank.ErrOperationTimeout, rank.ErrSession)
	}
	return buf, nil
}

// Close tears down the browser. It is safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.release()
	})
	return nil
}

// mapError classifies a chromedp failure. Caller cancellation is passed
// through, the operation's own deadline maps to onDeadline and anything else
// maps to onOther.
func mapError(caller, op context.Context, err, onDeadline, onOther error) error {
	if callerErr := caller.Err(); callerErr != nil {
		return fmt.Errorf("%w: %v", callerErr, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(op.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", onDeadline, err)
	}
	return fmt.Errorf("%w: %v", onOther, err)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
