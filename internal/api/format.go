package api

import (
	"fmt"
	"math"
	"strconv"
)

var sizeUnits = []string{"B", "KB", "MB", "GB"}

// FormatFileSize renders bytes with a binary unit and at most one decimal,
// e.g. 1536 -> "1.5 KB". Sizes past GB stay in GB.
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	v, i := float64(bytes), 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	v = math.Round(v*10) / 10
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}

// FormatDuration renders milliseconds as "{s}s {ms}ms", or "{ms}ms" below
// one second.
func FormatDuration(ms int64) string {
	if ms <= 0 {
		return "0ms"
	}
	if s := ms / 1000; s > 0 {
		return fmt.Sprintf("%ds %dms", s, ms%1000)
	}
	return fmt.Sprintf("%dms", ms)
}
