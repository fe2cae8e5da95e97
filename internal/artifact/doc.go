// Package artifact implements the durable artifact store that carries all
// information across pipeline phase boundaries.
//
// Artifacts are named documents stored one-per-file under a run directory.
// Overwrite writes are atomic (temp file + rename): a reader observes either
// the full previous revision or the full new one, never a torn write.
// Appends are serialized per key and lossless under concurrent appenders;
// append is the one sanctioned concurrent-writer path and exists for review
// logs written by parallel reviewers.
//
// Every artifact kind has a minimal required schema. Get fails fast on a
// schema-invalid document rather than handing malformed content to a later
// phase.
package artifact
