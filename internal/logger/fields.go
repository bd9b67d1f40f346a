package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the delta WAL ingestion
// pipeline. Use these keys consistently so log aggregation and querying stay
// uniform between the cache, sequencer, confirm-offset, and upload packages.
const (
	// ========================================================================
	// Trace Context
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID
	KeySpanID  = "span_id"  // OpenTelemetry span ID

	// ========================================================================
	// Stream & Record Identity
	// ========================================================================
	KeyStreamID    = "stream_id"    // Logical stream identifier
	KeyEpoch       = "epoch"        // Stream epoch
	KeyBaseOffset  = "base_offset"  // First offset in a record batch
	KeyLastOffset  = "last_offset"  // Offset following the last record in a batch
	KeyRecordCount = "record_count" // Number of records in a batch

	// ========================================================================
	// WAL
	// ========================================================================
	KeyRecordOffset  = "record_offset"  // WAL-assigned monotone offset
	KeyConfirmOffset = "confirm_offset" // Durable-prefix watermark
	KeyTrimOffset    = "trim_offset"    // Offset the WAL was trimmed up to

	// ========================================================================
	// LogCache
	// ========================================================================
	KeyBlockID       = "block_id"       // LogCache block identifier
	KeyCacheSize     = "cache_size"     // Current LogCache size in bytes
	KeyCacheCapacity = "cache_capacity" // LogCache capacity in bytes
	KeyBlockSize     = "block_size"     // Size of a single archived block
	KeyStreamCount   = "stream_count"   // Distinct streams in a block

	// ========================================================================
	// Upload Pipeline
	// ========================================================================
	KeyObjectID  = "object_id"  // Object-store identifier assigned at prepare
	KeyForce     = "force"      // Whether an upload was forced
	KeyRateBytes = "rate_bytes" // Observed/assigned upload rate budget

	// ========================================================================
	// Backoff & Admission
	// ========================================================================
	KeyBackoffDepth = "backoff_depth" // Pending backoff queue length

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyOperation  = "operation"   // append, read, forceUpload, recover
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyAttempt    = "attempt"     // Retry attempt number
)

// StreamID returns a slog.Attr for the logical stream identifier.
func StreamID(id uint64) slog.Attr { return slog.Uint64(KeyStreamID, id) }

// BaseOffset returns a slog.Attr for the base offset of a record batch.
func BaseOffset(off uint64) slog.Attr { return slog.Uint64(KeyBaseOffset, off) }

// LastOffset returns a slog.Attr for the exclusive last offset of a record batch.
func LastOffset(off uint64) slog.Attr { return slog.Uint64(KeyLastOffset, off) }

// RecordOffset returns a slog.Attr for a WAL-assigned offset.
func RecordOffset(off int64) slog.Attr { return slog.Int64(KeyRecordOffset, off) }

// ConfirmOffset returns a slog.Attr for the current confirm offset.
func ConfirmOffset(off int64) slog.Attr { return slog.Int64(KeyConfirmOffset, off) }

// BlockID returns a slog.Attr for a LogCache block identifier.
func BlockID(id uint64) slog.Attr { return slog.Uint64(KeyBlockID, id) }

// CacheSize returns a slog.Attr for the current LogCache size.
func CacheSize(size uint64) slog.Attr { return slog.Uint64(KeyCacheSize, size) }

// ObjectID returns a slog.Attr for an assigned object id.
func ObjectID(id uint64) slog.Attr { return slog.Uint64(KeyObjectID, id) }

// Err returns a slog.Attr wrapping an error's message, or an empty attr
// (which handlers skip) for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
