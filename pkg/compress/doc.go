// Package compress implements adaptive dictionary compression for string
// values flowing through the CRUD engine.
//
// Repeated strings (status names, categories, tags) are replaced by small
// integer identifiers drawn from a shared dictionary that grows as new
// values are encountered. Long strings skip the dictionary and are
// block-compressed with zstd. Every encoded value starts with a marker byte,
// so decoding is unambiguous: a dictionary reference, a compressed block,
// an escaped literal, or a plain literal.
//
// The dictionary is bidirectional and grows monotonically; identifiers are
// never reused, which makes encode/decode an exact round trip for the
// lifetime of the dictionary. Snapshot and Restore allow the dictionary to
// be persisted alongside the data it compresses.
package compress
