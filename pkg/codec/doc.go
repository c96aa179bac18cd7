// Package codec reads and writes the ctxstore line format.
//
// A file is a sequence of UTF-8 lines, each terminated by '\n':
//
//	line    = seq "|" payload
//	payload = header | row | field | ""
//	header  = "@" NAME [ ":" id ]
//	row     = "@" ROWTAG " " text "|" enum "|" enum "|" enum *( "|" key "=" value )
//	field   = key "=" value
//
// Sequence numbers are positive and strictly increasing within a file. A
// header opens a section, the following field or row lines fill it, and a
// blank payload (or the next header) closes it. Every section becomes one
// record from package record. Sections with an unrecognised name are kept
// verbatim as record.Unknown so newer files can be read and rewritten by older
// code.
//
// # Example
//
//	1|@VERSION:1
//	2|@DECISIONS
//	3|@DECISION Use flat files|high|medium|high|rationale=easy to inspect
//	4|
//	5|@STATE:main
//	6|focus=index rebuild
//	7|updated=2024-05-01T09:00:00Z
//	8|
//
// # Escaping
//
// Free text is escaped with security.Escape so that it never contains a raw
// '|', a line break, or anything that looks like a section marker. List
// values (participants, tags, sources) are comma joined with each item's own
// ',' and '\' backslash escaped first.
//
// # Parsing
//
// Parse handles a whole document in memory. Parser handles one line at a time
// for streaming readers and returns each record as soon as it is complete. In
// Strict mode the first malformed line is an error; in Lenient mode it becomes
// a Diagnostic and parsing continues. Non-standard enum values and values that
// fail typed parsing are always kept and reported.
//
// # Compiling
//
// Compiler renders a record into numbered lines ready for a single append.
// Free text is passed through a security.Redactor before escaping, so
// sensitive data only reaches the file in flag mode. Values over the soft
// limits are truncated with a diagnostic; a line that would exceed the hard
// limit fails with ErrLineTooLong.
package codec
