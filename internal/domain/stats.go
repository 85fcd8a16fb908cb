package domain

import "time"

type BatchStats struct {
	UserID          string
	BatchID         string
	ItemsSucceeded  int
	ItemsFailed     int
	PixelsProcessed int64
	OutputBytes     int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
