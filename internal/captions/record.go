package captions

import (
	"strings"
	"time"
)

const (
	// MaxSelected bounds the working set handed to the flight generator.
	MaxSelected = 80
	// RankingThreshold is the number of records that must carry a like count
	// before popularity ranking is attempted.
	RankingThreshold = 10
	// FetchLimit is the number of most recent records a source returns.
	FetchLimit = 500
)

// Record is a caption row as delivered by a source. Field names follow the
// remote table columns.
type Record struct {
	ID        string     `json:"id" yaml:"id"`
	Content   string     `json:"content" yaml:"content"`
	LikeCount *int       `json:"like_count,omitempty" yaml:"like_count,omitempty"`
	CreatedAt *time.Time `json:"created_datetime_utc,omitempty" yaml:"created_datetime_utc,omitempty"`
	IsPublic  *bool      `json:"is_public,omitempty" yaml:"is_public,omitempty"`
}

// HasLikes reports whether the record carries a numeric like count.
func (r Record) HasLikes() bool {
	return r.LikeCount != nil
}

// Likes returns the like count, treating a missing value as zero.
func (r Record) Likes() int {
	if r.LikeCount == nil {
		return 0
	}
	return *r.LikeCount
}

// Clean drops records whose content is empty after trimming. The input is
// not modified.
func Clean(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}
	cleaned := make([]Record, 0, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.Content) == "" {
			continue
		}
		cleaned = append(cleaned, record)
	}
	return cleaned
}
