package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

// Hard caps applied on top of user-provided garbage collection bounds, in
// seconds. Keeping more than this around serves no playback purpose and
// risks decoder QuotaExceeded errors.
const (
	HardMaxBufferAhead  = 300.0
	HardMaxBufferBehind = 300.0
)

// AppendWindowSecurities is the widening applied to parser-reported append
// windows so that a frame sitting exactly on a Period edge is not dropped
// by the decoder.
type AppendWindowSecurities struct {
	Start float64
	End   float64
}

// Backoff configures the segment loader retry policy.
type Backoff struct {
	InitialDelay    time.Duration
	MaximumDelay    time.Duration
	MaxRetry        int
	MaxRetryOffline int
}

// Options holds the fully processed configuration for the buffering core.
type Options struct {
	// WantedBufferAhead is the look-ahead target, in seconds.
	WantedBufferAhead float64
	// MaxBufferAhead / MaxBufferBehind bound garbage collection, in
	// seconds. +Inf disables the corresponding bound (the hard caps
	// still apply).
	MaxBufferAhead  float64
	MaxBufferBehind float64
	// ManualBitrateSwitchingMode is either "seamless" or "direct".
	ManualBitrateSwitchingMode string
	// SourceBufferFlushingInterval is the SBQ watchdog period.
	SourceBufferFlushingInterval time.Duration
	AppendWindowSecurities       AppendWindowSecurities
	Backoff                      Backoff
}

// rawOptions maps directly to the JSON configuration file. Absent fields
// keep their defaults; durations are expressed in milliseconds.
type rawOptions struct {
	WantedBufferAhead            *float64 `json:"wantedBufferAhead"`
	MaxBufferAhead               *float64 `json:"maxBufferAhead"`
	MaxBufferBehind              *float64 `json:"maxBufferBehind"`
	ManualBitrateSwitchingMode   *string  `json:"manualBitrateSwitchingMode"`
	SourceBufferFlushingInterval *int64   `json:"sourceBufferFlushingIntervalMs"`
	AppendWindowSecurityStart    *float64 `json:"appendWindowSecurityStart"`
	AppendWindowSecurityEnd      *float64 `json:"appendWindowSecurityEnd"`
	InitialBackoffDelay          *int64   `json:"initialBackoffDelayMs"`
	MaximumBackoffDelay          *int64   `json:"maximumBackoffDelayMs"`
	MaxRetry                     *int     `json:"maxRetry"`
	MaxRetryOffline              *int     `json:"maxRetryOffline"`
}

// Default returns the options used when no configuration file is given.
func Default() Options {
	return Options{
		WantedBufferAhead:            30,
		MaxBufferAhead:               math.Inf(1),
		MaxBufferBehind:              math.Inf(1),
		ManualBitrateSwitchingMode:   "seamless",
		SourceBufferFlushingInterval: 500 * time.Millisecond,
		AppendWindowSecurities:       AppendWindowSecurities{Start: 0.2, End: 0.1},
		Backoff: Backoff{
			InitialDelay:    200 * time.Millisecond,
			MaximumDelay:    3 * time.Second,
			MaxRetry:        4,
			MaxRetryOffline: math.MaxInt32,
		},
	}
}

// Load reads and validates the options file at the given path.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read options file at %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes options from raw JSON, applying defaults and caps.
func Parse(data []byte) (Options, error) {
	var raw rawOptions
	if err := json.Unmarshal(data, &raw); err != nil {
		return Options{}, fmt.Errorf("failed to unmarshal options JSON: %w", err)
	}

	opts := Default()
	if raw.WantedBufferAhead != nil {
		opts.WantedBufferAhead = *raw.WantedBufferAhead
	}
	if raw.MaxBufferAhead != nil {
		opts.MaxBufferAhead = *raw.MaxBufferAhead
	}
	if raw.MaxBufferBehind != nil {
		opts.MaxBufferBehind = *raw.MaxBufferBehind
	}
	if raw.ManualBitrateSwitchingMode != nil {
		opts.ManualBitrateSwitchingMode = *raw.ManualBitrateSwitchingMode
	}
	if raw.SourceBufferFlushingInterval != nil {
		opts.SourceBufferFlushingInterval = time.Duration(*raw.SourceBufferFlushingInterval) * time.Millisecond
	}
	if raw.AppendWindowSecurityStart != nil {
		opts.AppendWindowSecurities.Start = *raw.AppendWindowSecurityStart
	}
	if raw.AppendWindowSecurityEnd != nil {
		opts.AppendWindowSecurities.End = *raw.AppendWindowSecurityEnd
	}
	if raw.InitialBackoffDelay != nil {
		opts.Backoff.InitialDelay = time.Duration(*raw.InitialBackoffDelay) * time.Millisecond
	}
	if raw.MaximumBackoffDelay != nil {
		opts.Backoff.MaximumDelay = time.Duration(*raw.MaximumBackoffDelay) * time.Millisecond
	}
	if raw.MaxRetry != nil {
		opts.Backoff.MaxRetry = *raw.MaxRetry
	}
	if raw.MaxRetryOffline != nil {
		opts.Backoff.MaxRetryOffline = *raw.MaxRetryOffline
	}

	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o *Options) validate() error {
	switch o.ManualBitrateSwitchingMode {
	case "seamless", "direct":
	default:
		return fmt.Errorf("invalid manualBitrateSwitchingMode %q: expected \"seamless\" or \"direct\"", o.ManualBitrateSwitchingMode)
	}
	if o.WantedBufferAhead <= 0 {
		return fmt.Errorf("wantedBufferAhead must be positive, got %v", o.WantedBufferAhead)
	}
	if o.SourceBufferFlushingInterval <= 0 {
		return fmt.Errorf("sourceBufferFlushingInterval must be positive, got %v", o.SourceBufferFlushingInterval)
	}
	return nil
}

// EffectiveMaxBehind caps the configured behind bound.
func (o *Options) EffectiveMaxBehind() float64 {
	return math.Min(o.MaxBufferBehind, HardMaxBufferBehind)
}

// EffectiveMaxAhead caps the configured ahead bound.
func (o *Options) EffectiveMaxAhead() float64 {
	return math.Min(o.MaxBufferAhead, HardMaxBufferAhead)
}
