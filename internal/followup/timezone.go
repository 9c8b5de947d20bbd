package followup

import (
	"strings"
	"sync"
	"time"
)

// DefaultTimezone is used when a clinician's timezone cannot be loaded.
const DefaultTimezone = "UTC"

var locationCache sync.Map // name -> *time.Location

func loadLocation(name string) (*time.Location, bool) {
	name = strings.TrimSpace(name)
	// "Local" would tie the result to the server's zone.
	if name == "" || name == "Local" {
		return nil, false
	}
	if loc, ok := locationCache.Load(name); ok {
		return loc.(*time.Location), true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	locationCache.Store(name, loc)
	return loc, true
}

// ResolveTimezone returns a usable location for candidate. When candidate is empty
// or unknown to the tz database it falls back to fallback (or UTC when fallback is
// unusable too) and reports fellBack=true. It never fails.
func ResolveTimezone(candidate, fallback string) (loc *time.Location, name string, fellBack bool) {
	if loc, ok := loadLocation(candidate); ok {
		return loc, strings.TrimSpace(candidate), false
	}
	if loc, ok := loadLocation(fallback); ok {
		return loc, strings.TrimSpace(fallback), true
	}
	return time.UTC, DefaultTimezone, true
}

// ValidTimezone reports whether name is a loadable IANA identifier.
func ValidTimezone(name string) bool {
	_, ok := loadLocation(name)
	return ok
}
