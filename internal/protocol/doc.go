// Package protocol owns the touchscreen serial line grammar.
//
// Ownership boundary:
// - command line parsing (line numbers, checksums, parameters)
// - input sanitation before anything reaches translation
// - reply and telemetry line formatting
package protocol
