// Package sheets implements rank.Store on top of a Google Sheets spreadsheet.
// Each tab is one tracked entity: phrases live on the header row and each run
// appends one row of ranks below.
package sheets

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

// Config identifies the spreadsheet and how to authenticate.
type Config struct {
	SpreadsheetID   string
	CredentialsFile string
	// Endpoint overrides the API base URL (emulators and tests).
	Endpoint string
}

type valuesClient interface {
	BatchGet(ctx context.Context, spreadsheetID string, ranges []string) ([]*gsheets.ValueRange, error)
	Get(ctx context.Context, spreadsheetID, a1 string) (*gsheets.ValueRange, error)
	Update(ctx context.Context, spreadsheetID, a1 string, values *gsheets.ValueRange) error
}

// Store reads phrases and writes ranks through the Sheets values API.
type Store struct {
	client        valuesClient
	spreadsheetID string
	layout        rank.Layout
}

// New builds a Store using a service-account credentials file.
func New(ctx context.Context, cfg Config, layout rank.Layout) (*Store, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("%w: sheets.spreadsheet_id", rank.ErrConfigurationMissing)
	}
	opts := []option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("%w: credentials file %q: %v", rank.ErrConfigurationMissing, cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return newWithClient(&serviceClient{svc: svc}, cfg.SpreadsheetID, layout), nil
}

func newWithClient(client valuesClient, spreadsheetID string, layout rank.Layout) *Store {
	if len(layout.Bands) == 0 {
		layout = rank.DefaultLayout()
	}
	return &Store{client: client, spreadsheetID: spreadsheetID, layout: layout}
}

// Phrases reads the header cells of every band in one batch call.
func (s *Store) Phrases(ctx context.Context, sheetID string) ([]rank.Phrase, error) {
	ranges := make([]string, 0, len(s.layout.Bands))
	for _, b := range s.layout.Bands {
		span := b.Span()
		ranges = append(ranges, fmt.Sprintf("%s!%s%d:%s%d",
			QuoteSheet(sheetID),
			rank.ColumnLetter(span.First), s.layout.HeaderRow,
			rank.ColumnLetter(span.Last), s.layout.HeaderRow,
		))
	}
	resp, err := s.client.BatchGet(ctx, s.spreadsheetID, ranges)
	if err != nil {
		return nil, fmt.Errorf("%w: batch get %v: %w", rank.ErrTransport, ranges, err)
	}

	header := make(map[int]string)
	for i, vr := range resp {
		if i >= len(s.layout.Bands) || vr == nil || len(vr.Values) == 0 {
			continue
		}
		start := s.layout.Bands[i].Start
		for j, cell := range vr.Values[0] {
			header[start+j] = cellString(cell)
		}
	}
	return s.layout.Phrases(func(col int) string { return header[col] }), nil
}

// LastOccupiedRow reads the whole column span and returns the last row that
// holds any non-empty value.
func (s *Store) LastOccupiedRow(ctx context.Context, sheetID string, span rank.ColumnSpan) (int, error) {
	a1 := QuoteSheet(sheetID) + "!" + span.A1()
	resp, err := s.client.Get(ctx, s.spreadsheetID, a1)
	if err != nil {
		return 0, fmt.Errorf("%w: get %s: %w", rank.ErrTransport, a1, err)
	}
	if resp == nil || len(resp.Values) == 0 {
		return 0, nil
	}
	start := startRow(resp.Range)
	last := 0
	for i, row := range resp.Values {
		for _, cell := range row {
			if strings.TrimSpace(cellString(cell)) != "" {
				last = start + i
				break
			}
		}
	}
	return last, nil
}

// WriteCell writes value verbatim (no formula or locale parsing).
func (s *Store) WriteCell(ctx context.Context, sheetID string, ref rank.CellRef, value any) error {
	a1 := QuoteSheet(sheetID) + "!" + ref.A1()
	vr := &gsheets.ValueRange{
		Range:          a1,
		MajorDimension: "ROWS",
		Values:         [][]interface{}{{value}},
	}
	if err := s.client.Update(ctx, s.spreadsheetID, a1, vr); err != nil {
		return fmt.Errorf("%w: update %s: %w", rank.ErrTransport, a1, err)
	}
	return nil
}

// QuoteSheet renders a tab name for A1 notation.
func QuoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// startRow extracts the first row number from a returned range such as
// "'Cafe Sora'!R1:AO57". It defaults to 1.
func startRow(a1 string) int {
	if i := strings.LastIndex(a1, "!"); i >= 0 {
		a1 = a1[i+1:]
	}
	if i := strings.Index(a1, ":"); i >= 0 {
		a1 = a1[:i]
	}
	digits := strings.TrimLeftFunc(a1, func(r rune) bool { return r < '0' || r > '9' })
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func cellString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

type serviceClient struct {
	svc *gsheets.Service
}

func (c *serviceClient) BatchGet(ctx context.Context, spreadsheetID string, ranges []string) ([]*gsheets.ValueRange, error) {
	resp, err := c.svc.Spreadsheets.Values.BatchGet(spreadsheetID).
		Ranges(ranges...).
		MajorDimension("ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return resp.ValueRanges, nil
}

func (c *serviceClient) Get(ctx context.Context, spreadsheetID, a1 string) (*gsheets.ValueRange, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(spreadsheetID, a1).
		MajorDimension("ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *serviceClient) Update(ctx context.Context, spreadsheetID, a1 string, values *gsheets.ValueRange) error {
	_, err := c.svc.Spreadsheets.Values.Update(spreadsheetID, a1, values).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return err
	}
	return nil
}
