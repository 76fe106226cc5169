// Package app runs the command-line actions against one key ring.
//
// Responsibilities:
//   - Check usage before any key material is touched.
//   - Wire identities, envelopes, certification and chaining to input and
//     output files.
//   - Log one line per action and record it in metrics.
//
// Non-responsibilities:
//   - Flag parsing and exit codes, which live in cmd/pbp.
package app
