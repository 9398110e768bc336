package domain

import "time"

// UsageLog records the cost of one successful edit.
type UsageLog struct {
	UserID          string
	EditID          string
	PixelsProcessed int64
	BytesIn         int64
	BytesOut        int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
