package format

import (
	"fmt"
	"time"
)

// Bytes formats a byte count into a human-readable size (KB, MB, GB, ...).
func Bytes(b int64) string {
	if b == 0 {
		return "0 B"
	}

	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}

	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Preview truncates a string for logging. URLs and titles from the remote can
// be arbitrarily long.
func Preview(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length] + "..."
}

// Duration renders an elapsed time at second precision for log output.
func Duration(d time.Duration) string {
	return d.Round(time.Second).String()
}
