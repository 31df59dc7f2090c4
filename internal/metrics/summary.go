package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"glb-processor/internal/models"
)

// Summary aggregates result counts for a batch run.
type Summary struct {
	mu        sync.Mutex
	RunID     string         `json:"run_id"`
	Client    string         `json:"client"`
	StartTime time.Time      `json:"-"`
	Counts    map[string]int `json:"counts"`
	Uploaded  int            `json:"uploaded"`
	Total     int            `json:"total"`
}

// NewSummary creates an empty summary for a run.
func NewSummary(runID, client string) *Summary {
	return &Summary{
		RunID:     runID,
		Client:    client,
		StartTime: time.Now(),
		Counts:    make(map[string]int),
	}
}

// Add counts one result.
func (s *Summary) Add(r models.ProcessingResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Counts[r.Status]++
	s.Uploaded += len(r.ImageURLs)
	s.Total++
}

// Count returns the number of results with status.
func (s *Summary) Count(status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Counts[status]
}

// GetSummary returns a human-readable summary.
func (s *Summary) GetSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s for %q: %d assets in %s\n", s.RunID, s.Client, s.Total, time.Since(s.StartTime).Round(time.Second))
	fmt.Fprintf(&b, "  completed: %d, skipped: %d, failed: %d",
		s.Counts[models.StatusCompleted], s.Counts[models.StatusSkipped], s.Counts[models.StatusFailed])
	if n := s.Counts[models.StatusError]; n > 0 {
		fmt.Fprintf(&b, ", error: %d", n)
	}

	var other []string
	for status := range s.Counts {
		switch status {
		case models.StatusCompleted, models.StatusSkipped, models.StatusFailed, models.StatusError:
		default:
			other = append(other, status)
		}
	}
	sort.Strings(other)
	for _, status := range other {
		fmt.Fprintf(&b, ", %s: %d", status, s.Counts[status])
	}
	fmt.Fprintf(&b, "\n  images uploaded: %d", s.Uploaded)
	return b.String()
}
