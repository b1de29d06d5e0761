package aws_s3

import (
	"sync/atomic"
	"time"
)

// UploadStats is owned by one client. Attempts are counted up front, outcomes exactly once.
type UploadStats struct {
	attempted  atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	bytes      atomic.Int64
	totalTime  atomic.Int64
}

type StorageStats struct {
	UploadsAttempted  int64         `json:"uploads_attempted"`
	UploadsSuccessful int64         `json:"uploads_successful"`
	UploadsFailed     int64         `json:"uploads_failed"`
	BytesUploaded     int64         `json:"bytes_uploaded"`
	TotalUploadTime   time.Duration `json:"total_upload_time_ns"`
	AverageUploadTime time.Duration `json:"average_upload_time_ns"`
	SuccessRate       float64       `json:"success_rate"`
	FailureRate       float64       `json:"failure_rate"`
}

func (s *UploadStats) attempt() {
	s.attempted.Add(1)
}

func (s *UploadStats) succeed(bytes int64, d time.Duration) {
	s.successful.Add(1)
	s.bytes.Add(bytes)
	s.totalTime.Add(int64(d))
}

func (s *UploadStats) fail(d time.Duration) {
	s.failed.Add(1)
	s.totalTime.Add(int64(d))
}

func (s *UploadStats) Snapshot() StorageStats {
	out := StorageStats{
		UploadsAttempted:  s.attempted.Load(),
		UploadsSuccessful: s.successful.Load(),
		UploadsFailed:     s.failed.Load(),
		BytesUploaded:     s.bytes.Load(),
		TotalUploadTime:   time.Duration(s.totalTime.Load()),
	}
	if done := out.UploadsSuccessful + out.UploadsFailed; done > 0 {
		out.AverageUploadTime = out.TotalUploadTime / time.Duration(done)
	}
	if out.UploadsAttempted > 0 {
		out.SuccessRate = float64(out.UploadsSuccessful) / float64(out.UploadsAttempted)
		out.FailureRate = float64(out.UploadsFailed) / float64(out.UploadsAttempted)
	}
	return out
}
