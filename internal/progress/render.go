package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	progressBarWidth = 20
	speedBarWidth    = 10
)

// Render formats a snapshot as a Telegram Markdown status message.
func Render(s Snapshot) string {
	if s.Done {
		return renderDone(s)
	}

	var b strings.Builder
	b.WriteString("⏳ *" + s.Label)
	if s.Name != "" {
		b.WriteString(" " + escape(s.Name))
	}
	b.WriteString("*\n\n")

	if s.Total > 0 {
		fmt.Fprintf(&b, "📊 *Progress:* %s / %s\n", Bytes(s.Current), Bytes(s.Total))
	} else {
		fmt.Fprintf(&b, "📊 *Progress:* %s\n", Bytes(s.Current))
	}
	fmt.Fprintf(&b, "📈 *%.1f%%* %s\n\n", s.Percent, bar(s.Percent/100, progressBarWidth, "█", "░"))

	fmt.Fprintf(&b, "⚡ *Current speed:* %s\n", Rate(s.Speed))
	fmt.Fprintf(&b, "📊 *Average speed:* %s\n", Rate(s.AvgSpeed))
	fmt.Fprintf(&b, "🔝 *Peak speed:* %s\n", Rate(s.PeakSpeed))
	ratio := 0.0
	if s.PeakSpeed > 0 {
		ratio = s.Speed / s.PeakSpeed
	}
	fmt.Fprintf(&b, "📶 *Speed graph:* %s\n\n", bar(ratio, speedBarWidth, "▰", "▱"))

	fmt.Fprintf(&b, "⏱ *ETA:* %s\n", ETA(s.ETA))
	fmt.Fprintf(&b, "🕐 *Elapsed:* %s", Duration(s.Elapsed))
	return b.String()
}

func renderDone(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ *%s complete*\n\n", s.Label)
	if s.Name != "" {
		fmt.Fprintf(&b, "📁 *File:* %s\n", escape(s.Name))
	}
	fmt.Fprintf(&b, "📊 *Size:* %s\n", Bytes(s.Current))
	fmt.Fprintf(&b, "⏱ *Time:* %s\n\n", Duration(s.Elapsed))
	b.WriteString("📈 *Statistics:*\n")
	fmt.Fprintf(&b, "• Average speed: %s\n", Rate(s.AvgSpeed))
	fmt.Fprintf(&b, "• Peak speed: %s", Rate(s.PeakSpeed))
	if s.PeakSpeed > 0 {
		fmt.Fprintf(&b, "\n• Efficiency: %.1f%%", s.AvgSpeed/s.PeakSpeed*100)
	}
	return b.String()
}

// Bytes formats n with binary units.
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// Rate formats a bytes-per-second speed.
func Rate(bps float64) string {
	if bps < 0 {
		bps = 0
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

// ETA formats a remaining-time estimate.
func ETA(d time.Duration) string {
	switch {
	case d == UnknownETA:
		return "calculating…"
	case d <= 0:
		return "complete"
	}
	return Duration(d)
}

// Duration formats d as "1h 2m", "3m 4s" or "5s".
func Duration(d time.Duration) string {
	secs := int64(d.Seconds())
	switch {
	case secs >= 3600:
		return fmt.Sprintf("%dh %dm", secs/3600, secs%3600/60)
	case secs >= 60:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%ds", secs)
}

func bar(ratio float64, width int, full, empty string) string {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	n := int(ratio * float64(width))
	return strings.Repeat(full, n) + strings.Repeat(empty, width-n)
}

// escape strips the characters legacy Markdown treats as markup.
func escape(s string) string {
	return strings.NewReplacer("*", "", "_", " ", "`", "", "[", "(", "]", ")").Replace(s)
}
