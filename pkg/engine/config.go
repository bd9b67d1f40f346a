// Package engine composes the LogCache, CallbackSequencer,
// ConfirmOffsetCalculator, Admission controller and UploadPipeline into
// the public Facade: append / read / forceUpload / startup / shutdown.
// It also implements crash recovery: replay the WAL into a single cache
// block, upload it synchronously, then reset the WAL.
package engine

import "time"

// Config bounds and tunes a Facade instance. Field names mirror the
// tunables named in the external-interfaces section of the design this
// package implements.
type Config struct {
	// WalCacheSize is the LogCache capacity in bytes.
	WalCacheSize uint64

	// WalUploadThreshold is the per-block size at which LogCache signals
	// the caller to archive.
	WalUploadThreshold uint64

	// MaxStreamsPerBlock bounds distinct streams per active block before
	// archiving; zero means unbounded.
	MaxStreamsPerBlock int

	// ConfirmOffsetTick is how often the confirm-offset calculator scans.
	ConfirmOffsetTick time.Duration

	// BackoffDrainTick is how often parked appends are retried.
	BackoffDrainTick time.Duration

	// ForceUploadDebounce coalesces bursts of forceUpload calls for the
	// same stream into one upload.
	ForceUploadDebounce time.Duration

	// ReadTimeout is the soft watchdog duration for a block-cache read;
	// it only logs, it never cancels.
	ReadTimeout time.Duration
}

// DefaultConfig returns the tunable defaults named in the design.
func DefaultConfig() Config {
	return Config{
		WalCacheSize:        64 << 20,
		WalUploadThreshold:  8 << 20,
		MaxStreamsPerBlock:  0,
		ConfirmOffsetTick:   100 * time.Millisecond,
		BackoffDrainTick:    100 * time.Millisecond,
		ForceUploadDebounce: 500 * time.Millisecond,
		ReadTimeout:         60 * time.Second,
	}
}
