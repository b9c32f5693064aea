// Package logging configures slog for shardex. Records go as JSON to a
// size-rotated file under ~/.shardex/logs/ and, optionally, to a console
// writer in text or JSON form.
package logging
