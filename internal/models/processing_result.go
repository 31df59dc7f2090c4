package models

import "time"

// Processing statuses written to the results log.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// ProcessingResult is the outcome of one asset in a batch run. It is written
// once to the results log and never changed afterwards.
type ProcessingResult struct {
	RunID            string             `json:"run_id"`
	Status           string             `json:"status"`
	ArticleID        string             `json:"article_id"`
	Client           string             `json:"client,omitempty"`
	GLBLink          string             `json:"glb_link"`
	ImagesCaptured   int                `json:"images_captured"`
	ScreenshotPaths  []string           `json:"screenshot_paths"`
	ImageURLs        []string           `json:"image_urls"`
	UnconfirmedViews []string           `json:"unconfirmed_views,omitempty"`
	Notes            string             `json:"notes"`
	TimingsMs        map[string]float64 `json:"timings_ms,omitempty"`
	ProcessedAt      time.Time          `json:"processed_at"`
}
