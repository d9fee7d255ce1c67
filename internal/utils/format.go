package utils

import (
	"fmt"
	"strconv"
	"time"
)

// Number groups digits with commas, e.g. 1234567 becomes "1,234,567".
func Number(n int64) string {
	s := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}

	out := make([]byte, 0, len(s)+len(s)/3)
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	return sign + string(out)
}

// Bytes formats a size with a binary unit: "512 B", "1.5 KiB", "2.00 GiB".
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	v := float64(n) / float64(div)
	suffix := "KMGTP"[exp : exp+1]
	if v < 10 {
		return fmt.Sprintf("%.2f %siB", v, suffix)
	}
	return fmt.Sprintf("%.1f %siB", v, suffix)
}

// Duration formats elapsed run time: "0s", "5.2s", "3m5.2s", "2h15m".
func Duration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		m := int(d.Minutes())
		return fmt.Sprintf("%dm%.1fs", m, d.Seconds()-float64(m*60))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// Rate formats a per-second throughput with a K or M suffix.
func Rate(rate float64) string {
	switch {
	case rate < 1e3:
		return fmt.Sprintf("%.2f", rate)
	case rate < 1e6:
		return fmt.Sprintf("%.2fK", rate/1e3)
	}
	return fmt.Sprintf("%.2fM", rate/1e6)
}
