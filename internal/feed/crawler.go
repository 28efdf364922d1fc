// Package feed drives a rendering session through the search, reveal and
// match lifecycle that resolves one phrase to a rank.
package feed

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/meo-rank-tracker/internal/metrics"
	"github.com/JakeFAU/meo-rank-tracker/internal/normalize"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

var tracer = otel.Tracer("github.com/JakeFAU/meo-rank-tracker/internal/feed")

// State is a phase of one crawl.
type State string

// Crawl states.
const (
	StateStarting        State = "starting"
	StateAwaitingResults State = "awaiting_results"
	StateRevealing       State = "revealing"
	StateMatching        State = "matching"
	StateResolved        State = "resolved"
	StateExhausted       State = "exhausted"
	StateFailed          State = "failed"
)

// Config bounds a crawl.
type Config struct {
	// SearchURL is a format string receiving the path-escaped phrase.
	SearchURL        string
	// MaxReveals of zero selects the default; negative disables reveals.
	MaxReveals       int
	MaxEntries       int
	StableRounds     int
	DelayMin         time.Duration
	DelayMax         time.Duration
	OperationTimeout time.Duration
	Strategy         Strategy
}

// DefaultConfig returns the crawl limits used in production.
func DefaultConfig() Config {
	return Config{
		SearchURL:        "https://www.google.com/maps/search/%s",
		MaxReveals:       10,
		MaxEntries:       100,
		StableRounds:     2,
		DelayMin:         800 * time.Millisecond,
		DelayMax:         1600 * time.Millisecond,
		OperationTimeout: 3 * time.Minute,
		Strategy:         DefaultStrategy(),
	}
}

// Crawler resolves phrases against the provider feed. It is safe for
// concurrent use; every Resolve acquires its own session.
type Crawler struct {
	sessions  rank.SessionFactory
	artifacts rank.BlobStore
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New constructs a Crawler. artifacts may be nil to disable failure screenshots.
func New(sessions rank.SessionFactory, artifacts rank.BlobStore, cfg Config, logger *zap.Logger) *Crawler {
	def := DefaultConfig()
	if cfg.SearchURL == "" {
		cfg.SearchURL = def.SearchURL
	}
	switch {
	case cfg.MaxReveals == 0:
		cfg.MaxReveals = def.MaxReveals
	case cfg.MaxReveals < 0:
		cfg.MaxReveals = 0
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.StableRounds <= 0 {
		cfg.StableRounds = def.StableRounds
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if len(cfg.Strategy.Attempts) == 0 {
		cfg.Strategy = def.Strategy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		sessions:  sessions,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SearchURL returns the provider URL for a phrase.
func (c *Crawler) SearchURL(phrase string) string {
	return fmt.Sprintf(c.cfg.SearchURL, url.PathEscape(phrase))
}

// Resolve runs one crawl and returns its outcome. It never returns an error:
// failures are folded into a Failed outcome.
func (c *Crawler) Resolve(ctx context.Context, phrase rank.Phrase, entity string) rank.Outcome {
	if c.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.OperationTimeout)
		defer cancel()
	}
	cr := &crawl{
		state:  StateStarting,
		logger: c.logger.With(
			zap.Int("phrase_index", phrase.Index),
			zap.String("phrase", phrase.Text),
			zap.String("entity", entity),
		),
	}
	ctx, span := tracer.Start(ctx, "feed.Resolve", trace.WithAttributes(
		attribute.Int("phrase.index", phrase.Index),
		attribute.String("phrase.text", phrase.Text),
	))
	defer span.End()

	start := c.now()
	outcome := c.resolve(ctx, cr, phrase, entity)
	span.SetAttributes(
		attribute.String("phrase.outcome", outcome.String()),
		attribute.Int("phrase.reveals", cr.reveals),
	)
	metrics.ObservePhrase(outcome.Label(), c.now().Sub(start))
	metrics.ObserveRevealAttempts(cr.reveals)
	cr.logger.Info("phrase resolved",
		zap.String("outcome", outcome.String()),
		zap.Int("reveals", cr.reveals),
		zap.Duration("elapsed", c.now().Sub(start)),
	)
	return outcome
}

type crawl struct {
	state   State
	reveals int
	logger  *zap.Logger
}

func (cr *crawl) enter(next State) {
	cr.logger.Debug("crawl transition", zap.String("from", string(cr.state)), zap.String("to", string(next)))
	cr.state = next
}

func (c *Crawler) resolve(ctx context.Context, cr *crawl, phrase rank.Phrase, entity string) rank.Outcome {
	session, err := c.sessions.Open(ctx)
	if err != nil {
		reason := rank.ReasonUnknown
		if errors.Is(err, context.DeadlineExceeded) {
			reason = rank.ReasonTimeout
		}
		cr.logger.Warn("session acquisition failed", zap.Error(err))
		cr.enter(StateFailed)
		return rank.Failed(reason)
	}
	defer func() {
		if err := session.Close(); err != nil {
			cr.logger.Warn("session close failed", zap.Error(err))
		}
	}()

	outcome, err := c.drive(ctx, cr, session, entity, phrase)
	if err != nil {
		failedIn := cr.state
		reason := classify(err, failedIn)
		cr.logger.Warn("crawl failed",
			zap.String("state", string(failedIn)),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		cr.enter(StateFailed)
		c.saveArtifact(ctx, cr, session, phrase, entity)
		return rank.Failed(reason)
	}
	return outcome
}

func (c *Crawler) drive(ctx context.Context, cr *crawl, s rank.Session, entity string, phrase rank.Phrase) (rank.Outcome, error) {
	if err := s.Navigate(ctx, c.SearchURL(phrase.Text)); err != nil {
		return rank.Outcome{}, err
	}
	clicked, err := s.DismissInterstitial(ctx)
	switch {
	case err != nil:
		cr.logger.Debug("interstitial dismissal failed", zap.Error(err))
	case clicked:
		cr.logger.Debug("interstitial dismissed")
	}

	cr.enter(StateAwaitingResults)
	if err := s.WaitForEntries(ctx); err != nil {
		return rank.Outcome{}, err
	}

	cr.enter(StateRevealing)
	limit, err := c.reveal(ctx, cr, s)
	if err != nil {
		return rank.Outcome{}, err
	}

	cr.enter(StateMatching)
	rows, err := s.Entries(ctx, c.cfg.Strategy.Attempts, limit)
	if err != nil {
		return rank.Outcome{}, err
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	for i, values := range rows {
		entry := rank.Entry{Position: i + 1}
		name, ok := c.cfg.Strategy.DisplayName(values)
		if !ok {
			cr.logger.Debug("entry has no display name, skipping", zap.Int("position", entry.Position))
			continue
		}
		entry.DisplayName = name
		if normalize.Contains(entry.DisplayName, entity) {
			cr.enter(StateResolved)
			return rank.Found(entry.Position), nil
		}
	}
	cr.logger.Debug("no entry matched", zap.Int("examined", len(rows)))
	cr.enter(StateExhausted)
	return rank.NotFound(), nil
}

// reveal expands the feed until the attempt cap, the entry cap or the
// stability threshold is hit, and returns the effective entry limit.
func (c *Crawler) reveal(ctx context.Context, cr *crawl, s rank.Session) (int, error) {
	last, err := s.Measure(ctx)
	if err != nil {
		return 0, err
	}
	stable := 0
	for {
		var stop string
		switch {
		case last.Entries >= c.cfg.MaxEntries:
			stop = "entry_cap"
		case stable >= c.cfg.StableRounds:
			stop = "exhausted"
		case cr.reveals >= c.cfg.MaxReveals:
			stop = "attempt_cap"
		}
		if stop != "" {
			cr.logger.Debug("reveal finished",
				zap.String("stop", stop),
				zap.Int("entries", last.Entries),
				zap.Int("extent", last.Extent),
				zap.Int("reveals", cr.reveals),
			)
			return min(last.Entries, c.cfg.MaxEntries), nil
		}

		if err := s.Reveal(ctx); err != nil {
			return 0, err
		}
		cr.reveals++
		if err := c.sleep(ctx, c.jitter()); err != nil {
			return 0, err
		}
		m, err := s.Measure(ctx)
		if err != nil {
			return 0, err
		}
		if m.Entries <= last.Entries && m.Extent <= last.Extent {
			stable++
		} else {
			stable = 0
		}
		last = m
	}
}

func (c *Crawler) jitter() time.Duration {
	spread := c.cfg.DelayMax - c.cfg.DelayMin
	if spread <= 0 {
		return c.cfg.DelayMin
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(spread)))
	if err != nil {
		return c.cfg.DelayMin + spread/2
	}
	return c.cfg.DelayMin + time.Duration(n.Int64())
}

func (c *Crawler) saveArtifact(ctx context.Context, cr *crawl, s rank.Session, phrase rank.Phrase, entity string) {
	if c.artifacts == nil {
		return
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	png, err := s.Screenshot(shotCtx)
	if err != nil || len(png) == 0 {
		cr.logger.Debug("failure screenshot unavailable", zap.Error(err))
		return
	}
	path := fmt.Sprintf("failures/%s/%03d-%s-%d.png",
		pathSafe(entity), phrase.Index, pathSafe(phrase.Text), c.now().Unix())
	uri, err := c.artifacts.PutObject(shotCtx, path, "image/png", bytes.NewReader(png))
	if err != nil {
		cr.logger.Warn("failure screenshot upload failed", zap.String("path", path), zap.Error(err))
		return
	}
	cr.logger.Info("failure screenshot stored", zap.String("uri", uri))
}

// classify maps a crawl error to a coarse reason. Sentinels take precedence
// over the phase the error surfaced in.
func classify(err error, phase State) rank.FailureReason {
	switch {
	case errors.Is(err, rank.ErrNavigationTimeout):
		return rank.ReasonNavigation
	case errors.Is(err, rank.ErrNoResultsTimeout):
		return rank.ReasonSelectorTimeout
	case errors.Is(err, rank.ErrExtraction):
		return rank.ReasonExtraction
	case errors.Is(err, rank.ErrOperationTimeout), errors.Is(err, context.DeadlineExceeded):
		return rank.ReasonTimeout
	case errors.Is(err, context.Canceled):
		return rank.ReasonUnknown
	}
	switch phase {
	case StateStarting:
		return rank.ReasonNavigation
	case StateAwaitingResults:
		return rank.ReasonSelectorTimeout
	case StateRevealing, StateMatching:
		return rank.ReasonExtraction
	default:
		return rank.ReasonUnknown
	}
}

func pathSafe(s string) string {
	out := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '-'
	}, strings.TrimSpace(s))
	out = strings.Trim(out, "-")
	if out == "" {
		return "unnamed"
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
