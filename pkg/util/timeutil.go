package util

import "time"

// NowUTC is the wall clock used for session timestamps and message ids.
func NowUTC() time.Time {
	return time.Now().UTC()
}
