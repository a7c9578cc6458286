package domain

import "time"

// Dataset records an uploaded data file and who owns it. The stored name is
// the handle clients use on later analyze/predict calls; paths are resolved
// through this index, never from client input.
type Dataset struct {
	ID           string
	UserID       int64
	StoredName   string
	OriginalName string
	AbsolutePath string
	S3Location   string
	Size         int64
	CreatedAt    time.Time
}
