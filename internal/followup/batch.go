package followup

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-followups/internal/push"
)

const (
	// NotificationTitle is the push title of the daily summary.
	NotificationTitle = "Follow-ups Tomorrow"
	// DefaultPreviewLimit bounds how many follow-ups are named in the body.
	DefaultPreviewLimit = 5

	// displayDate is the US short date, e.g. 3/5/2025.
	displayDate = "1/2/2006"
)

// BuildAttempt sorts the due follow-ups by due instant and composes the
// clinician's summary. due must be non-empty and every DueAt non-nil.
func BuildAttempt(clinician Clinician, loc *time.Location, tzName string, tomorrow DateKey, due []PendingFollowUp, previewLimit int) Attempt {
	if previewLimit <= 0 {
		previewLimit = DefaultPreviewLimit
	}
	sorted := make([]PendingFollowUp, len(due))
	copy(sorted, due)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DueAt.Before(*sorted[j].DueAt)
	})

	count := len(sorted)
	head := sorted
	if len(head) > previewLimit {
		head = head[:previewLimit]
	}

	preview := make([]PreviewEntry, 0, len(head))
	parts := make([]string, 0, len(head))
	for _, item := range head {
		name := strings.TrimSpace(item.PatientName)
		preview = append(preview, PreviewEntry{
			PatientID:    item.PatientID.String(),
			PatientName:  name,
			FollowUpDate: item.DueAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
		if name == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", name, item.DueAt.In(loc).Format(displayDate)))
	}

	keys := make([]CommitKey, 0, count)
	for _, item := range sorted {
		keys = append(keys, CommitKey{FollowUpID: item.FollowUpID, DueAt: *item.DueAt})
	}

	return Attempt{
		ClinicianID: clinician.ID,
		Timezone:    tzName,
		TomorrowKey: tomorrow,
		Count:       count,
		Preview:     preview,
		Message: push.Message{
			Title: NotificationTitle,
			Body:  summaryBody(count, strings.Join(parts, ", "), count > previewLimit),
			Data:  summaryData(count, preview),
		},
		Keys: keys,
	}
}

func summaryBody(count int, previewText string, truncated bool) string {
	if previewText == "" {
		return fmt.Sprintf("You have %d follow-ups tomorrow", count)
	}
	body := fmt.Sprintf("You have %d follow-ups tomorrow: %s", count, previewText)
	if truncated {
		body += "..."
	}
	return body
}

func summaryData(count int, preview []PreviewEntry) map[string]string {
	data := map[string]string{
		"followUpCount": strconv.Itoa(count),
	}
	if encoded, err := json.Marshal(preview); err == nil {
		data["followUps"] = string(encoded)
	}
	return data
}
