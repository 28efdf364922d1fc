// Command ranktracker measures where a business appears in local-search
// results for each tracked phrase and writes the positions to a sheet.
//
// Architecture overview:
//   - HTTP intake: internal/api accepts POST /meo-ranking with a sheet name and
//     returns 202 once the run is queued.
//   - Queue and workers: runs flow through a bounded in-memory queue to a fixed
//     worker pool sized by runs.concurrency. Phrases inside a run are strictly
//     sequential.
//   - Crawl: each phrase opens its own headless browser session, searches the
//     provider, reveals more results until the feed stops growing, and matches
//     the entity by normalized display name.
//   - Output: positions land on one row per run, in bands R..W and AA..AO of
//     the sheet named by the request. Sheets, Postgres and memory stores share
//     one interface.
//
// Quick checklist:
//   - SPREADSHEET_ID and sheets.credentials_file for the default backend.
//   - CHROME_PATH when Chrome is not on PATH.
//   - ranktracker serve --config config.yaml, or ranktracker run --sheet <name>.
package main
