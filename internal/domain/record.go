package domain

import (
	"time"

	"github.com/google/uuid"
)

// DownloadRecord is one row of download history: a finished (or failed)
// job as it terminated. Records are informational and never influence
// resolution or transfer decisions.
type DownloadRecord struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	URL          string    `json:"url" gorm:"not null"`
	Name         string    `json:"name"`
	FilePath     string    `json:"file_path,omitempty"`
	Bytes        int64     `json:"bytes"`
	Status       JobStatus `json:"status" gorm:"not null;index"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewDownloadRecord captures a job's terminal state.
func NewDownloadRecord(job *DownloadJob, status JobStatus, filePath string, bytes int64, err error) *DownloadRecord {
	rec := &DownloadRecord{
		ID:         uuid.New().String(),
		URL:        job.URL,
		Name:       job.Name,
		FilePath:   filePath,
		Bytes:      bytes,
		Status:     status,
		CreatedAt:  job.CreatedAt,
		FinishedAt: time.Now(),
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	return rec
}
