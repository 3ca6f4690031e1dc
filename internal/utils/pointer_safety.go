package utils

import "time"

func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

func Ptr[T any](v T) *T {
	return &v
}

// UnixMilli returns t as unix milliseconds, or nil for the zero time.
func UnixMilli(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	return Ptr(t.UnixMilli())
}

// FromUnixMilli is the inverse of UnixMilli.
func FromUnixMilli(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return time.UnixMilli(*ms)
}
