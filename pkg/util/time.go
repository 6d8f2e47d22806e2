package util

import "time"

// EpochToTime interprets v as unix seconds, milliseconds or microseconds by magnitude.
// Non-positive values yield the zero time.
func EpochToTime(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v >= 1e15:
		return time.UnixMicro(v).UTC()
	case v >= 1e11:
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}
