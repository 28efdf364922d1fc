package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/meo-rank-tracker/internal/config"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

type fakeApp struct {
	ran     bool
	closed  bool
	sheet   string
	entity  string
	runErr  error
	summary rank.RunSummary
	runCtx  context.Context
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) RunOnce(ctx context.Context, sheet, entity string) (rank.RunSummary, error) {
	f.runCtx, f.sheet, f.entity = ctx, sheet, entity
	return f.summary, f.runErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	t.Setenv("RANKTRACKER_OUTPUT_BACKEND", "memory")
	prev := newApp
	newApp = func(context.Context, config.Config) (application, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })
}

func TestRunCommandPrintsSummary(t *testing.T) {
	app := &fakeApp{summary: rank.RunSummary{RunID: "run-1", SheetID: "Cafe Sora", TargetRow: 12}}
	withFakeApp(t, app)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "--sheet", "Cafe Sora", "--entity", "カフェ空"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	require.Equal(t, "Cafe Sora", app.sheet)
	require.Equal(t, "カフェ空", app.entity)
	require.True(t, app.closed)

	var got rank.RunSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, 12, got.TargetRow)
}

func TestRunCommandUsesSignalContext(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--sheet", "Cafe Sora"})
	require.NoError(t, cmd.ExecuteContext(parent))

	require.NotNil(t, app.runCtx)
	require.NotEqual(t, parent, app.runCtx)
	require.ErrorIs(t, app.runCtx.Err(), context.Canceled, "the run context is released once the command returns")
	require.NoError(t, parent.Err())
	require.True(t, app.closed)
}

func TestSignalContextCancelsOnSIGTERM(t *testing.T) {
	ctx, stop := signalContext(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

func TestRunCommandRequiresSheet(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run"})
	require.ErrorContains(t, cmd.ExecuteContext(context.Background()), "--sheet is required")
}

func TestRunCommandWrapsFailure(t *testing.T) {
	app := &fakeApp{runErr: errors.New("sheet missing")}
	withFakeApp(t, app)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--sheet", "Cafe Sora"})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "sheet missing")
	require.True(t, app.closed)
}

func TestServeIsDefault(t *testing.T) {
	app := &fakeApp{runErr: context.Canceled}
	withFakeApp(t, app)

	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.True(t, app.ran)
}

func TestServeReportsConfigErrors(t *testing.T) {
	withFakeApp(t, &fakeApp{})
	t.Setenv("RANKTRACKER_RUNS_CONCURRENCY", "0")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve"})
	require.ErrorContains(t, cmd.ExecuteContext(context.Background()), "runs.concurrency")
}
