package domain

import "time"

// ReviewPosition records where a reviewer last stopped within an asset.
type ReviewPosition struct {
	Key       AssetKey  `json:"key"`
	Position  float64   `json:"position"`
	Duration  float64   `json:"duration"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
