package throughput

import (
	"errors"
	"math"
)

// Sample is a throughput estimate. Zero means not measured or fully failed.
type Sample struct {
	DownloadMbps int
	UploadMbps   int
}

// CorrectionPolicy turns raw estimates from public, frequently throttled test
// endpoints into bounded integers.
//
// The default constants are empirically tuned and kept for compatibility
// with existing dashboards.
type CorrectionPolicy struct {
	// Downloads below the threshold are multiplied by LowDownloadBoost, capped
	// at BoostedDownloadCapMbps.
	LowDownloadThresholdMbps float64 `yaml:"low_download_threshold_mbps"`
	LowDownloadBoost         float64 `yaml:"low_download_boost"`
	BoostedDownloadCapMbps   float64 `yaml:"boosted_download_cap_mbps"`

	// Uploads below MinUploadRatio*download are replaced by
	// UploadFallbackRatio*download.
	MinUploadRatio      float64 `yaml:"min_upload_ratio"`
	UploadFallbackRatio float64 `yaml:"upload_fallback_ratio"`

	// Used by the estimator when every upload endpoint failed.
	UploadFromDownloadRatio float64 `yaml:"upload_from_download_ratio"`

	MinMbps float64 `yaml:"min_mbps"`
	MaxMbps float64 `yaml:"max_mbps"`
}

func DefaultCorrectionPolicy() CorrectionPolicy {
	return CorrectionPolicy{
		LowDownloadThresholdMbps: 50,
		LowDownloadBoost:         2.5,
		BoostedDownloadCapMbps:   350,
		MinUploadRatio:           0.05,
		UploadFallbackRatio:      0.3,
		UploadFromDownloadRatio:  0.1,
		MinMbps:                  0,
		MaxMbps:                  500,
	}
}

func (p CorrectionPolicy) Validate() error {
	if p.LowDownloadBoost < 1 {
		return errors.New("low download boost must be at least 1")
	}
	if p.MinUploadRatio < 0 || p.UploadFallbackRatio < 0 || p.UploadFromDownloadRatio < 0 {
		return errors.New("upload ratios must not be negative")
	}
	if p.MinMbps < 0 {
		return errors.New("min mbps must not be negative")
	}
	if p.MaxMbps <= p.MinMbps {
		return errors.New("max mbps must be greater than min mbps")
	}
	return nil
}

// CorrectDownload applies the low-reading boost.
func (p CorrectionPolicy) CorrectDownload(download float64) float64 {
	if download > 0 && download < p.LowDownloadThresholdMbps {
		return math.Min(download*p.LowDownloadBoost, p.BoostedDownloadCapMbps)
	}
	return download
}

// CorrectUpload replaces an upload that is implausibly low relative to the
// (already corrected) download.
func (p CorrectionPolicy) CorrectUpload(download, upload float64) float64 {
	if upload < p.MinUploadRatio*download {
		return p.UploadFallbackRatio * download
	}
	return upload
}

// UploadFromDownload derives an upload estimate when no endpoint succeeded.
func (p CorrectionPolicy) UploadFromDownload(download float64) float64 {
	if download <= 0 {
		return 0
	}
	return p.UploadFromDownloadRatio * download
}

func (p CorrectionPolicy) Clamp(v float64) int {
	if math.IsNaN(v) {
		return int(math.Round(p.MinMbps))
	}
	return int(math.Round(math.Max(p.MinMbps, math.Min(v, p.MaxMbps))))
}

// Apply corrects and clamps raw download and upload estimates.
func (p CorrectionPolicy) Apply(download, upload float64) Sample {
	download = p.CorrectDownload(download)
	upload = p.CorrectUpload(download, upload)
	return Sample{
		DownloadMbps: p.Clamp(download),
		UploadMbps:   p.Clamp(upload),
	}
}
