package notify

import (
	"fmt"
	"strings"

	"github.com/streamgazer/detection.report/internal/vi/aggregate"
)

// SummaryMessage renders one flushed window summary into a message.
// Class lines keep the order the aggregator produced (count
// descending).
func SummaryMessage(s *aggregate.Summary) Message {
	title := fmt.Sprintf(":bar_chart: Detection summary: `%s` (`%s`)", s.Stream, s.App)

	detailLines := []string{
		fmt.Sprintf("*Window:* %s → %s (%.1fs)",
			s.WindowStart.Local().Format(timestampLayout),
			s.WindowEnd.Local().Format(timestampLayout),
			s.DurationSecs),
		fmt.Sprintf("*Detections:* %d (%.1f/s)", s.TotalDetections, s.DetectionRate),
		fmt.Sprintf("*Unique objects:* %d", s.UniqueCount),
		fmt.Sprintf("*Frames processed:* %d", s.FramesProcessed),
		fmt.Sprintf("*Occupancy:* peak %d, avg %.1f", s.PeakOccupancy, s.AvgOccupancy),
	}

	blocks := []Block{
		SectionBlock(fmt.Sprintf("*%s*", title)),
		SectionBlock(strings.Join(detailLines, "\n")),
	}

	if len(s.Classes) > 0 {
		classLines := make([]string, 0, len(s.Classes))
		for _, c := range s.Classes {
			classLines = append(classLines, fmt.Sprintf("• `%s`: %d (confidence %.2f–%.2f, avg %.2f)",
				c.Name, c.Count, c.MinConfidence, c.MaxConfidence, c.AvgConfidence))
		}
		blocks = append(blocks, SectionBlock("*Classes:*\n"+strings.Join(classLines, "\n")))
	}

	text := fmt.Sprintf("Detection summary: %s (%s) - %d detections, %d unique objects over %.1fs",
		s.Stream, s.App, s.TotalDetections, s.UniqueCount, s.DurationSecs)

	return Message{Text: text, Blocks: blocks, Severity: SeverityLow}
}
