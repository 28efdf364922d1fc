package feed

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

func TestResolveFoundAtPosition(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		measurements: []rank.Measurement{{Entries: 5, Extent: 1000}, {Entries: 5, Extent: 1000}, {Entries: 5, Extent: 1000}},
		rows: names(
			"Blue Bottle Coffee",
			"Doutor 新宿店",
			"Starbucks",
			"CAFE・SORA 渋谷店",
			"Tully's",
		),
	}
	crawler := newTestCrawler(&fakeFactory{session: sess}, nil, Config{})

	out := crawler.Resolve(context.Background(), rank.Phrase{Index: 0, Text: "coffee shop"}, "Cafe Sora")

	require.Equal(t, rank.Found(4), out)
	require.Equal(t, "https://www.google.com/maps/search/coffee%20shop", sess.navigatedTo())
	require.True(t, sess.isClosed())
}

func TestResolveFirstMatchWins(t *testing.T) {
	t.Parallel()

	rows := names("a", "b", "Cafe Sora", "c", "d", "e", "Cafe Sora Annex")
	sess := &fakeSession{measurements: flat(len(rows), 3), rows: rows}
	out := newTestCrawler(&fakeFactory{session: sess}, nil, Config{}).
		Resolve(context.Background(), rank.Phrase{Text: "cafe"}, "cafe sora")

	require.Equal(t, rank.Found(3), out)
}

func TestResolveNotFoundAfterExhaustion(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		measurements: []rank.Measurement{
			{Entries: 2, Extent: 100},
			{Entries: 4, Extent: 200},
			{Entries: 4, Extent: 200},
			{Entries: 4, Extent: 200},
		},
		rows: names("a", "b", "c", "d"),
	}
	crawler := newTestCrawler(&fakeFactory{session: sess}, nil, Config{MaxReveals: 10})

	out := crawler.Resolve(context.Background(), rank.Phrase{Text: "x"}, "Cafe Sora")

	require.Equal(t, rank.NotFound(), out)
	require.Equal(t, 3, sess.revealCount(), "two consecutive stable measurements end the reveal phase")
	require.Equal(t, 4, sess.lastLimit())
	require.True(t, sess.isClosed())
}

func TestResolveMatchesOnlyGatheredEntries(t *testing.T) {
	t.Parallel()

	// Rows past the measured count are not considered.
	sess := &fakeSession{
		measurements: flat(3, 3),
		rows:         names("a", "b", "c", "Cafe Sora"),
	}
	out := newTestCrawler(&fakeFactory{session: sess}, nil, Config{}).
		Resolve(context.Background(), rank.Phrase{Text: "x"}, "Cafe Sora")

	require.Equal(t, rank.NotFound(), out)
	require.Equal(t, 3, sess.lastLimit())
}

func TestRevealStopsAtAttemptCap(t *testing.T) {
	t.Parallel()

	growing := make([]rank.Measurement, 0, 10)
	for i := 1; i <= 10; i++ {
		growing = append(growing, rank.Measurement{Entries: i * 5, Extent: i * 100})
	}
	sess := &fakeSession{measurements: growing, rows: names("Cafe Sora")}
	out := newTestCrawler(&fakeFactory{session: sess}, nil, Config{MaxReveals: 3}).
		Resolve(context.Background(), rank.Phrase{Text: "x"}, "Cafe Sora")

	require.Equal(t, rank.Found(1), out)
	require.Equal(t, 3, sess.revealCount())
	require.Equal(t, 20, sess.lastLimit())
}

func TestRevealStopsAtEntryCap(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		measurements: []rank.Measurement{{Entries: 10, Extent: 1}, {Entries: 30, Extent: 2}, {Entries: 60, Extent: 3}},
		rows:         names("a"),
	}
	newTestCrawler(&fakeFactory{session: sess}, nil, Config{MaxEntries: 25}).
		Resolve(context.Background(), rank.Phrase{Text: "x"}, "zzz")

	require.Equal(t, 1, sess.revealCount())
	require.Equal(t, 25, sess.lastLimit())
}

func TestRevealNegativeCapDisablesReveals(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{measurements: flat(3, 1), rows: names("a", "b", "Cafe Sora")}
	out := newTestCrawler(&fakeFactory{session: sess}, nil, Config{MaxReveals: -1}).
		Resolve(context.Background(), rank.Phrase{Text: "x"}, "Cafe Sora")

	require.Equal(t, rank.Found(3), out)
	require.Zero(t, sess.revealCount())
}

func TestRevealGrowthInExtentResetsStability(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		measurements: []rank.Measurement{
			{Entries: 5, Extent: 100},
			{Entries: 5, Extent: 100},
			{Entries: 5, Extent: 150},
			{Entries: 5, Extent: 150},
			{Entries: 5, Extent: 150},
		},
		rows: names("a"),
	}
	newTestCrawler(&fakeFactory{session: sess}, nil, Config{}).
		Resolve(context.Background(), rank.Phrase{Text: "x"}, "zzz")

	require.Equal(t, 4, sess.revealCount())
}

func TestResolveSkipsEntriesWithoutName(t *testing.T) {
	t.Parallel()

	rows := [][]string{
		{"", "", ""},
		{"", "   ", ""},
		{"", "", "Cafe Sora"},
	}
	sess := &fakeSession{measurements: flat(3, 3), rows: rows}
	out := newTestCrawler(&fakeFactory{session: sess}, nil, Config{}).
		Resolve(context.Background(), rank.Phrase{Text: "x"}, "Cafe Sora")

	require.Equal(t, rank.Found(3), out)
}

func TestResolveFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		sess   *fakeSession
		reason rank.FailureReason
	}{
		{
			name:   "navigation timeout",
			sess:   &fakeSession{navErr: rank.ErrNavigationTimeout},
			reason: rank.ReasonNavigation,
		},
		{
			name:   "navigation transport error",
			sess:   &fakeSession{navErr: errors.New("net::ERR_CONNECTION_RESET")},
			reason: rank.ReasonNavigation,
		},
		{
			name:   "no results visible",
			sess:   &fakeSession{waitErr: rank.ErrNoResultsTimeout},
			reason: rank.ReasonSelectorTimeout,
		},
		{
			name:   "reveal error",
			sess:   &fakeSession{measurements: flat(1, 1), revealErr: errors.New("script threw")},
			reason: rank.ReasonExtraction,
		},
		{
			name:   "extraction error",
			sess:   &fakeSession{measurements: flat(1, 3), entriesErr: rank.ErrExtraction},
			reason: rank.ReasonExtraction,
		},
		{
			name:   "operation deadline",
			sess:   &fakeSession{measurements: flat(1, 3), entriesErr: context.DeadlineExceeded},
			reason: rank.ReasonTimeout,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := newTestCrawler(&fakeFactory{session: tc.sess}, nil, Config{}).
				Resolve(context.Background(), rank.Phrase{Text: "x"}, "Cafe Sora")
			require.Equal(t, rank.Failed(tc.reason), out)
			require.True(t, tc.sess.isClosed(), "session must be released on failure")
		})
	}
}

func TestResolveDismissalErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		dismissErr:   errors.New("consent frame detached"),
		measurements: flat(1, 3),
		rows:         names("Cafe Sora"),
	}
	out := newTestCrawler(&fakeFactory{session: sess}, nil, Config{}).
		Resolve(context.Background(), rank.Phrase{Text: "x"}, "Cafe Sora")

	require.Equal(t, rank.Found(1), out)
}

func TestResolveSessionAcquisitionFailure(t *testing.T) {
	t.Parallel()

	out := newTestCrawler(&fakeFactory{err: rank.ErrSession}, nil, Config{}).
		Resolve(context.Background(), rank.Phrase{Text: "x"}, "Cafe Sora")
	require.Equal(t, rank.Failed(rank.ReasonUnknown), out)
}

func TestResolveStoresFailureScreenshot(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobs{}
	sess := &fakeSession{waitErr: rank.ErrNoResultsTimeout, shot: []byte{0x89, 'P', 'N', 'G'}}
	crawler := newTestCrawler(&fakeFactory{session: sess}, blobs, Config{})
	crawler.now = func() time.Time { return time.Unix(1700000000, 0) }

	out := crawler.Resolve(context.Background(), rank.Phrase{Index: 2, Text: "cafe near station"}, "Cafe Sora")

	require.Equal(t, rank.Failed(rank.ReasonSelectorTimeout), out)
	require.Equal(t, []string{"failures/Cafe-Sora/002-cafe-near-station-1700000000.png"}, blobs.paths)
	require.Equal(t, "image/png", blobs.contentType)
}

func TestClassifyByPhase(t *testing.T) {
	t.Parallel()

	opaque := errors.New("boom")
	require.Equal(t, rank.ReasonNavigation, classify(opaque, StateStarting))
	require.Equal(t, rank.ReasonSelectorTimeout, classify(opaque, StateAwaitingResults))
	require.Equal(t, rank.ReasonExtraction, classify(opaque, StateRevealing))
	require.Equal(t, rank.ReasonExtraction, classify(opaque, StateMatching))
	require.Equal(t, rank.ReasonUnknown, classify(opaque, StateResolved))
	require.Equal(t, rank.ReasonTimeout, classify(rank.ErrOperationTimeout, StateStarting))
	require.Equal(t, rank.ReasonUnknown, classify(context.Canceled, StateMatching))
}

func TestJitterWithinBounds(t *testing.T) {
	t.Parallel()

	c := New(&fakeFactory{}, nil, Config{DelayMin: 100 * time.Millisecond, DelayMax: 200 * time.Millisecond}, zap.NewNop())
	for i := 0; i < 50; i++ {
		d := c.jitter()
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 200*time.Millisecond)
	}

	fixed := New(&fakeFactory{}, nil, Config{DelayMin: time.Second}, zap.NewNop())
	require.Equal(t, time.Second, fixed.jitter())
}

func TestSearchURLEscapesPhrase(t *testing.T) {
	t.Parallel()

	c := New(&fakeFactory{}, nil, Config{}, zap.NewNop())
	require.Equal(t, "https://www.google.com/maps/search/%E6%B8%8B%E8%B0%B7%20%E3%82%AB%E3%83%95%E3%82%A7", c.SearchURL("渋谷 カフェ"))
	require.Equal(t, "https://www.google.com/maps/search/a%2Fb", c.SearchURL("a/b"))
}

func TestStrategyDisplayName(t *testing.T) {
	t.Parallel()

	s := DefaultStrategy()
	name, ok := s.DisplayName([]string{"", " Cafe Sora ", "ignored"})
	require.True(t, ok)
	require.Equal(t, "Cafe Sora", name)

	_, ok = s.DisplayName([]string{"", ""})
	require.False(t, ok)
	_, ok = s.DisplayName(nil)
	require.False(t, ok)
}

func TestPathSafe(t *testing.T) {
	t.Parallel()

	require.Equal(t, "カフェ-ソラ", pathSafe("カフェ/ソラ"))
	require.Equal(t, "unnamed", pathSafe(" ../ "))
}

func newTestCrawler(f rank.SessionFactory, blobs rank.BlobStore, cfg Config) *Crawler {
	c := New(f, blobs, cfg, zap.NewNop())
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func names(ns ...string) [][]string {
	rows := make([][]string, 0, len(ns))
	for _, n := range ns {
		rows = append(rows, []string{n, "", ""})
	}
	return rows
}

func flat(entries, n int) []rank.Measurement {
	out := make([]rank.Measurement, n)
	for i := range out {
		out[i] = rank.Measurement{Entries: entries, Extent: entries * 100}
	}
	return out
}

type fakeFactory struct {
	session *fakeSession
	err     error
}

func (f *fakeFactory) Open(context.Context) (rank.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type fakeSession struct {
	mu sync.Mutex

	navErr     error
	dismissErr error
	waitErr    error
	revealErr  error
	entriesErr error

	measurements []rank.Measurement
	rows         [][]string
	shot         []byte

	url      string
	measured int
	reveals  int
	limit    int
	closed   bool
}

func (s *fakeSession) Navigate(_ context.Context, u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = u
	return s.navErr
}

func (s *fakeSession) DismissInterstitial(context.Context) (bool, error) {
	return false, s.dismissErr
}

func (s *fakeSession) WaitForEntries(context.Context) error {
	return s.waitErr
}

func (s *fakeSession) Reveal(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revealErr != nil {
		return s.revealErr
	}
	s.reveals++
	return nil
}

func (s *fakeSession) Measure(context.Context) (rank.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.measurements) == 0 {
		return rank.Measurement{}, nil
	}
	i := min(s.measured, len(s.measurements)-1)
	s.measured++
	return s.measurements[i], nil
}

func (s *fakeSession) Entries(_ context.Context, _ []rank.Attempt, limit int) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	if s.entriesErr != nil {
		return nil, s.entriesErr
	}
	return s.rows, nil
}

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) {
	return s.shot, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) navigatedTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *fakeSession) revealCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reveals
}

func (s *fakeSession) lastLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeBlobs struct {
	mu          sync.Mutex
	paths       []string
	contentType string
}

func (b *fakeBlobs) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	b.paths = append(b.paths, path)
	b.contentType = contentType
	return "memory://" + path, nil
}
