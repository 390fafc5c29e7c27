// Package shared holds helpers used by more than one layer of the licence
// services.
//
// The testutil subpackage provides test-only helpers:
//
//   - LogCapture, a slog.Handler that records every log line so tests can
//     assert on messages and attributes, including those bound with With
//   - LicenceFixtures, cached licences in each state local validation knows
//     about, anchored at a fixed instant
//
// Nothing here may carry business logic.
package shared
