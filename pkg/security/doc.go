// Package security holds the pure functions that guard everything written to
// a store: path containment, payload escaping, and detection and redaction of
// sensitive personal data. Nothing in this package performs I/O except path
// resolution, which only stats and evaluates symlinks.
package security
