// Package config loads the tuning parameters of the gap-repair engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Sort keys accepted by sort_by.
const (
	SortByStart    = "start"
	SortByDuration = "duration"
)

// TuningConfig is the root configuration for a correction run. Every field is
// optional; the Get* accessors supply the defaults for omitted fields, so a
// partial file (or no file at all) is valid.
type TuningConfig struct {
	// Interpolation window
	FixedPad       *int    `json:"fixed_pad,omitempty"`
	PaddingPresets []int   `json:"padding_presets,omitempty"`
	InitialPadding *int    `json:"initial_padding,omitempty"`
	SortBy         *string `json:"sort_by,omitempty"`

	// Gap sources and acceptance policy
	JumpSigma             *float64 `json:"jump_sigma,omitempty"`
	AutoAcceptMaxDuration *int     `json:"auto_accept_max_duration,omitempty"`

	// Frame cache
	CacheDir         *string `json:"cache_dir,omitempty"`
	CacheCapacity    *int    `json:"cache_capacity,omitempty"`
	PrefetchWorkers  *int    `json:"prefetch_workers,omitempty"`
	PrefetchMinChunk *int    `json:"prefetch_min_chunk,omitempty"`
	PrefetchPad      *int    `json:"prefetch_pad,omitempty"`

	// Blob location and presentation
	BlobRadiusBodyLengths *float64 `json:"blob_radius_body_lengths,omitempty"`
	CurveStep             *float64 `json:"curve_step,omitempty"`
	TrailLength           *int     `json:"trail_length,omitempty"`

	// Output
	ReportPath *string `json:"report_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every default made explicit.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		FixedPad:              ptrInt(7),
		PaddingPresets:        []int{150, 1500},
		InitialPadding:        ptrInt(150),
		SortBy:                ptrString(SortByStart),
		CacheDir:              ptrString("Preloaded_frames"),
		CacheCapacity:         ptrInt(1024),
		PrefetchWorkers:       ptrInt(10),
		PrefetchMinChunk:      ptrInt(50),
		PrefetchPad:           ptrInt(7),
		BlobRadiusBodyLengths: ptrFloat64(0.7),
		CurveStep:             ptrFloat64(0.2),
		TrailLength:           ptrInt(30),
		ReportPath:            ptrString("list_of_nans.csv"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.FixedPad != nil && *c.FixedPad < 0 {
		return fmt.Errorf("fixed_pad must be non-negative, got %d", *c.FixedPad)
	}
	for _, p := range c.PaddingPresets {
		if p <= 0 {
			return fmt.Errorf("padding_presets must be positive, got %d", p)
		}
	}
	if c.InitialPadding != nil && *c.InitialPadding < 0 {
		return fmt.Errorf("initial_padding must be non-negative, got %d", *c.InitialPadding)
	}
	if c.SortBy != nil && *c.SortBy != SortByStart && *c.SortBy != SortByDuration {
		return fmt.Errorf("sort_by must be %q or %q, got %q", SortByStart, SortByDuration, *c.SortBy)
	}
	if c.JumpSigma != nil && *c.JumpSigma < 0 {
		return fmt.Errorf("jump_sigma must be non-negative, got %f", *c.JumpSigma)
	}
	if c.AutoAcceptMaxDuration != nil && *c.AutoAcceptMaxDuration < 0 {
		return fmt.Errorf("auto_accept_max_duration must be non-negative, got %d", *c.AutoAcceptMaxDuration)
	}
	if c.CacheCapacity != nil && *c.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be positive, got %d", *c.CacheCapacity)
	}
	if c.PrefetchWorkers != nil && *c.PrefetchWorkers <= 0 {
		return fmt.Errorf("prefetch_workers must be positive, got %d", *c.PrefetchWorkers)
	}
	if c.PrefetchMinChunk != nil && *c.PrefetchMinChunk <= 0 {
		return fmt.Errorf("prefetch_min_chunk must be positive, got %d", *c.PrefetchMinChunk)
	}
	if c.PrefetchPad != nil && *c.PrefetchPad < 0 {
		return fmt.Errorf("prefetch_pad must be non-negative, got %d", *c.PrefetchPad)
	}
	if c.BlobRadiusBodyLengths != nil && *c.BlobRadiusBodyLengths <= 0 {
		return fmt.Errorf("blob_radius_body_lengths must be positive, got %f", *c.BlobRadiusBodyLengths)
	}
	if c.CurveStep != nil && *c.CurveStep <= 0 {
		return fmt.Errorf("curve_step must be positive, got %f", *c.CurveStep)
	}
	if c.TrailLength != nil && *c.TrailLength < 0 {
		return fmt.Errorf("trail_length must be non-negative, got %d", *c.TrailLength)
	}
	return nil
}

// GetFixedPad returns the fixed_pad value or the default.
func (c *TuningConfig) GetFixedPad() int {
	if c.FixedPad == nil {
		return 7
	}
	return *c.FixedPad
}

// GetPaddingPresets returns the padding_presets value or the default.
func (c *TuningConfig) GetPaddingPresets() []int {
	if len(c.PaddingPresets) == 0 {
		return []int{150, 1500}
	}
	return c.PaddingPresets
}

// GetInitialPadding returns the initial_padding value or the default.
func (c *TuningConfig) GetInitialPadding() int {
	if c.InitialPadding == nil {
		return 150
	}
	return *c.InitialPadding
}

// GetSortBy returns the sort_by value or the default.
func (c *TuningConfig) GetSortBy() string {
	if c.SortBy == nil {
		return SortByStart
	}
	return *c.SortBy
}

// GetJumpSigma returns the jump_sigma value and whether the jump filter is enabled.
func (c *TuningConfig) GetJumpSigma() (float64, bool) {
	if c.JumpSigma == nil {
		return 0, false
	}
	return *c.JumpSigma, true
}

// GetAutoAcceptMaxDuration returns the auto-accept threshold and whether it is enabled.
func (c *TuningConfig) GetAutoAcceptMaxDuration() (int, bool) {
	if c.AutoAcceptMaxDuration == nil {
		return 0, false
	}
	return *c.AutoAcceptMaxDuration, true
}

// GetCacheDir returns the cache_dir value or the default.
func (c *TuningConfig) GetCacheDir() string {
	if c.CacheDir == nil || *c.CacheDir == "" {
		return "Preloaded_frames"
	}
	return *c.CacheDir
}

// GetCacheCapacity returns the cache_capacity value or the default.
func (c *TuningConfig) GetCacheCapacity() int {
	if c.CacheCapacity == nil {
		return 1024
	}
	return *c.CacheCapacity
}

// GetPrefetchWorkers returns the prefetch_workers value or the default.
func (c *TuningConfig) GetPrefetchWorkers() int {
	if c.PrefetchWorkers == nil {
		return 10
	}
	return *c.PrefetchWorkers
}

// GetPrefetchMinChunk returns the prefetch_min_chunk value or the default.
func (c *TuningConfig) GetPrefetchMinChunk() int {
	if c.PrefetchMinChunk == nil {
		return 50
	}
	return *c.PrefetchMinChunk
}

// GetPrefetchPad returns the prefetch_pad value or the default.
func (c *TuningConfig) GetPrefetchPad() int {
	if c.PrefetchPad == nil {
		return 7
	}
	return *c.PrefetchPad
}

// GetBlobRadiusBodyLengths returns the blob_radius_body_lengths value or the default.
func (c *TuningConfig) GetBlobRadiusBodyLengths() float64 {
	if c.BlobRadiusBodyLengths == nil {
		return 0.7
	}
	return *c.BlobRadiusBodyLengths
}

// GetCurveStep returns the curve_step value or the default.
func (c *TuningConfig) GetCurveStep() float64 {
	if c.CurveStep == nil {
		return 0.2
	}
	return *c.CurveStep
}

// GetTrailLength returns the trail_length value or the default.
func (c *TuningConfig) GetTrailLength() int {
	if c.TrailLength == nil {
		return 30
	}
	return *c.TrailLength
}

// GetReportPath returns the report_path value or the default.
func (c *TuningConfig) GetReportPath() string {
	if c.ReportPath == nil || *c.ReportPath == "" {
		return "list_of_nans.csv"
	}
	return *c.ReportPath
}
