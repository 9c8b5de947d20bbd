package followup

import "time"

// DefaultTriggerHour is the local hour at which clinicians are notified.
const DefaultTriggerHour = 9

// GroupByClinician builds the due set from a flat pending list.
func GroupByClinician(items []PendingFollowUp) DueSet {
	set := make(DueSet)
	for _, item := range items {
		set[item.ClinicianID] = append(set[item.ClinicianID], item)
	}
	return set
}

// GateOpen reports whether a tick at local time f may notify.
func GateOpen(f LocalFields, triggerHour int) bool {
	return f.Hour == triggerHour
}

// FilterDue keeps the follow-ups that are unannounced, have a due instant, and whose
// due date in loc equals tomorrow. Notified is re-checked because the due set may be stale.
func FilterDue(items []PendingFollowUp, loc *time.Location, tomorrow DateKey) []PendingFollowUp {
	var due []PendingFollowUp
	for _, item := range items {
		if item.Notified || item.DueAt == nil {
			continue
		}
		if DateKeyOf(*item.DueAt, loc) != tomorrow {
			continue
		}
		due = append(due, item)
	}
	return due
}
