package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/streamgazer/detection.report/internal/vi"
)

// DetectionEventName is the webhook event carrying analyser output.
// Detection events bypass translation and go to the batcher instead.
const DetectionEventName = "video.intelligence.detection"

// EventContext carries the Wowza stream coordinates of an event.
type EventContext struct {
	App         string `json:"app"`
	AppInstance string `json:"appInstance"`
	VHost       string `json:"vhost"`
	Stream      string `json:"stream"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Endpoint    string `json:"endpoint"`
}

// VIDetection is one detection as it appears on the wire, before the
// enclosing frame's ID is folded in.
type VIDetection struct {
	ClassName  string         `json:"class_name"`
	Confidence float64        `json:"confidence"`
	BBox       vi.BoundingBox `json:"bbox"`
}

// VIFrame is one analysed frame from a detection event.
type VIFrame struct {
	FrameID    int64         `json:"frame_id"`
	Detections []VIDetection `json:"detections"`
}

// EventData holds the event-specific details of a webhook payload.
type EventData struct {
	Stream       string      `json:"stream"`
	Error        string      `json:"error"`
	Message      string      `json:"message"`
	OutputFile   string      `json:"outputFile"`
	RecorderMode string      `json:"recorderMode"`
	SegmentID    interface{} `json:"segmentId"`
	Segment      interface{} `json:"segment"`
	VIData       []VIFrame   `json:"vi_data"`
}

// Event is one decoded webhook payload from the video server.
// Timestamp-like fields stay untyped because Wowza sends epoch numbers
// in some events and strings in others.
type Event struct {
	Name      string       `json:"name"`
	EventType string       `json:"eventType"`
	Timestamp interface{}  `json:"timestamp"`
	Time      interface{}  `json:"time"`
	EventTime interface{}  `json:"eventTime"`
	State     string       `json:"state"`
	Status    string       `json:"status"`
	Source    string       `json:"source"`
	Context   EventContext `json:"context"`
	Data      EventData    `json:"data"`

	// Raw is the payload as received, kept for the raw-event block and
	// the failure-token scan.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the event and retains the raw payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Event(a)
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Empty reports whether the payload carried no content at all.
func (e *Event) Empty() bool {
	raw := string(bytes.TrimSpace(e.Raw))
	return raw == "" || raw == "{}" || raw == "null"
}

// EventName returns the lowercased event name, falling back to
// eventType and then "unknown".
func (e *Event) EventName() string {
	name := e.Name
	if name == "" {
		name = e.EventType
	}
	if name == "" {
		name = "unknown"
	}
	return strings.ToLower(name)
}

// IsDetectionEvent reports whether this event carries analyser
// detections rather than a lifecycle notification.
func (e *Event) IsDetectionEvent() bool {
	return e.EventName() == DetectionEventName
}

// StreamKey returns the accumulation key for a detection event.
func (e *Event) StreamKey() vi.StreamKey {
	return vi.StreamKey{App: e.Context.App, Stream: e.stream()}
}

func (e *Event) stream() string {
	if e.Context.Stream != "" {
		return e.Context.Stream
	}
	if e.Context.Name != "" {
		return e.Context.Name
	}
	return e.Data.Stream
}

// Detections flattens the event's frames into detections, folding each
// frame's ID into its detections.
func (e *Event) Detections() []vi.Detection {
	var out []vi.Detection
	for _, frame := range e.Data.VIData {
		for _, d := range frame.Detections {
			out = append(out, vi.Detection{
				ClassName:  d.ClassName,
				Confidence: d.Confidence,
				FrameID:    frame.FrameID,
				BBox:       d.BBox,
			})
		}
	}
	return out
}

// Translate renders a lifecycle event into a message using per-event
// templates. It returns false for detection events: those accumulate
// in the batcher and are never notified one by one.
func Translate(e *Event) (*Message, bool) {
	if e.IsDetectionEvent() {
		return nil, false
	}

	eventName := e.EventName()
	stream := e.stream()
	if stream == "" {
		stream = "N/A"
	}
	app := orNA(e.Context.App)
	appInstance := e.Context.AppInstance
	if appInstance == "" {
		appInstance = "_definst_"
	}
	vhost := orNA(e.Context.VHost)
	state := e.Context.State
	if state == "" {
		state = e.State
	}
	if state == "" {
		state = e.Status
	}
	state = orNA(state)
	source := e.Source
	if source == "" {
		source = "Wowza"
	}
	tsStr := FormatTimestamp(e.rawTimestamp())

	severity := SeverityLow
	headerIcon := ":information_source:"
	title := eventName
	detailLines := []string{
		fmt.Sprintf("*Source:* %s", source),
		fmt.Sprintf("*Time:* %s", tsStr),
	}

	switch eventName {
	case "app.started":
		title = "Application started"
		headerIcon = ":white_check_mark:"
		detailLines = []string{
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*AppInstance:* `%s`", appInstance),
			fmt.Sprintf("*VHost:* `%s`", vhost),
			fmt.Sprintf("*Source:* %s", source),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	case "app.shutdown":
		title = "Application shutdown"
		headerIcon = ":warning:"
		severity = SeverityMedium
		detailLines = []string{
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*AppInstance:* `%s`", appInstance),
			fmt.Sprintf("*VHost:* `%s`", vhost),
			fmt.Sprintf("*Source:* %s", source),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	case "stream.started":
		title = "Live stream started"
		headerIcon = ":arrow_up_small:"
		detailLines = streamDetailLines(stream, app, appInstance, vhost, state, tsStr)
	case "stream.stopped":
		title = "Live stream stopped"
		headerIcon = ":arrow_down_small:"
		detailLines = streamDetailLines(stream, app, appInstance, vhost, state, tsStr)
	case "recording.started":
		title = "Recording started"
		headerIcon = ":black_circle:"
		detailLines = []string{
			fmt.Sprintf("*Stream:* `%s`", stream),
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*AppInstance:* `%s`", appInstance),
			fmt.Sprintf("*Output:* %s", orNA(e.Data.OutputFile)),
			fmt.Sprintf("*RecorderMode:* %s", orNA(e.Data.RecorderMode)),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	case "recording.stopped":
		title = "Recording stopped"
		headerIcon = ":black_square_button:"
		detailLines = []string{
			fmt.Sprintf("*Stream:* `%s`", stream),
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*AppInstance:* `%s`", appInstance),
			fmt.Sprintf("*Output:* %s", orNA(e.Data.OutputFile)),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	case "recording.failed":
		title = "Recording failed"
		headerIcon = ":rotating_light:"
		severity = SeverityHigh
		detailLines = []string{
			fmt.Sprintf("*Stream:* `%s`", stream),
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*AppInstance:* `%s`", appInstance),
			fmt.Sprintf("*Error:* %s", e.errorDetail()),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	case "recording.segment.started":
		title = "Recording segment started"
		detailLines = segmentDetailLines(e, stream, app, appInstance, tsStr)
	case "recording.segment.ended":
		title = "Recording segment ended"
		detailLines = segmentDetailLines(e, stream, app, appInstance, tsStr)
	case "connection.failure", "connect.failure", "connect.failed":
		title = "Connection failure"
		headerIcon = ":rotating_light:"
		severity = SeverityHigh
		detailLines = []string{
			fmt.Sprintf("*Stream:* `%s`", stream),
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*AppInstance:* `%s`", appInstance),
			fmt.Sprintf("*Error:* %s", e.errorDetail()),
			fmt.Sprintf("*Endpoint:* %s", orNA(e.Context.Endpoint)),
			fmt.Sprintf("*VHost:* `%s`", vhost),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	case "connection.started", "connect.started":
		title = "Connection started"
		headerIcon = ":arrow_forward:"
		detailLines = []string{
			fmt.Sprintf("*Endpoint:* %s", orNA(e.Context.Endpoint)),
			fmt.Sprintf("*Stream:* `%s`", stream),
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*AppInstance:* `%s`", appInstance),
			fmt.Sprintf("*VHost:* `%s`", vhost),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	case "connection.success", "connect.success":
		title = "Connection success"
		headerIcon = ":white_check_mark:"
		detailLines = []string{
			fmt.Sprintf("*Stream:* `%s`", stream),
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*AppInstance:* `%s`", appInstance),
			fmt.Sprintf("*Endpoint:* %s", orNA(e.Context.Endpoint)),
			fmt.Sprintf("*VHost:* `%s`", vhost),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	default:
		// Unrecognized event: escalate when the payload smells like a
		// failure, otherwise report it at low severity.
		if containsFailureToken(e.Raw) {
			severity = SeverityHigh
			headerIcon = ":rotating_light:"
		}
		title = titleCase(strings.ReplaceAll(eventName, ".", " "))
		detailLines = []string{
			fmt.Sprintf("*Stream:* `%s`", stream),
			fmt.Sprintf("*App:* `%s`", app),
			fmt.Sprintf("*VHost:* `%s`", vhost),
			fmt.Sprintf("*State:* `%s`", state),
			fmt.Sprintf("*Time:* %s", tsStr),
		}
	}

	blocks := buildBlocks(fmt.Sprintf("%s %s", headerIcon, title), detailLines, e.Raw)
	text := fmt.Sprintf("%s: %s (%s) - %s at %s", title, stream, app, state, tsStr)
	if severity == SeverityHigh && !strings.HasPrefix(text, ":") {
		text = ":rotating_light: " + text
	}

	return &Message{Text: text, Blocks: blocks, Severity: severity}, true
}

func streamDetailLines(stream, app, appInstance, vhost, state, tsStr string) []string {
	return []string{
		fmt.Sprintf("*Stream:* `%s`", stream),
		fmt.Sprintf("*App:* `%s`", app),
		fmt.Sprintf("*AppInstance:* `%s`", appInstance),
		fmt.Sprintf("*VHost:* `%s`", vhost),
		fmt.Sprintf("*State:* `%s`", state),
		fmt.Sprintf("*Time:* %s", tsStr),
	}
}

func segmentDetailLines(e *Event, stream, app, appInstance, tsStr string) []string {
	segment := e.Data.SegmentID
	if segment == nil {
		segment = e.Data.Segment
	}
	segStr := "N/A"
	if segment != nil {
		segStr = fmt.Sprintf("%v", segment)
	}
	return []string{
		fmt.Sprintf("*Stream:* `%s`", stream),
		fmt.Sprintf("*App:* `%s`", app),
		fmt.Sprintf("*AppInstance:* `%s`", appInstance),
		fmt.Sprintf("*Segment:* %s", segStr),
		fmt.Sprintf("*Time:* %s", tsStr),
	}
}

func (e *Event) errorDetail() string {
	if e.Data.Error != "" {
		return e.Data.Error
	}
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return "Unknown"
}

func (e *Event) rawTimestamp() interface{} {
	if e.Timestamp != nil {
		return e.Timestamp
	}
	if e.Time != nil {
		return e.Time
	}
	return e.EventTime
}

// buildBlocks assembles the standard block layout: bold title, detail
// section, then the raw payload truncated to keep Slack happy.
func buildBlocks(title string, detailLines []string, raw json.RawMessage) []Block {
	blocks := []Block{SectionBlock(fmt.Sprintf("*%s*", title))}
	if len(detailLines) > 0 {
		blocks = append(blocks, SectionBlock(strings.Join(detailLines, "\n")))
	}
	if len(raw) > 0 {
		var indented bytes.Buffer
		if err := json.Indent(&indented, raw, "", "  "); err == nil {
			rawStr := indented.String()
			if len(rawStr) > 1500 {
				rawStr = rawStr[:1500] + "\n... (truncated)"
			}
			blocks = append(blocks, SectionBlock(fmt.Sprintf("*Raw Event (truncated):*\n```%s```", rawStr)))
		}
	}
	return blocks
}

func containsFailureToken(raw json.RawMessage) bool {
	searchable := strings.ToLower(string(raw))
	for _, tok := range []string{"fail", "error", "failure", "exception"} {
		if strings.Contains(searchable, tok) {
			return true
		}
	}
	return false
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

const timestampLayout = "2006-01-02 15:04:05 MST"

// FormatTimestamp renders an event timestamp in the server's local
// timezone. Accepts numeric epoch seconds or milliseconds, numeric
// strings, and ISO 8601 strings; anything unparseable comes back
// verbatim.
func FormatTimestamp(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return time.Now().Format(timestampLayout)
	case float64:
		return formatEpoch(v)
	case int64:
		return formatEpoch(float64(v))
	case int:
		return formatEpoch(float64(v))
	case string:
		if v == "" {
			return time.Now().Format(timestampLayout)
		}
		if isDigits(v) {
			var epoch float64
			fmt.Sscanf(v, "%f", &epoch)
			return formatEpoch(epoch)
		}
		// Zone-less layouts parse as UTC, matching how naive upstream
		// timestamps are interpreted.
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.Local().Format(timestampLayout)
			}
		}
		return v
	default:
		return fmt.Sprintf("%v", raw)
	}
}

func formatEpoch(epoch float64) string {
	if epoch > 1e12 { // likely milliseconds
		epoch = epoch / 1000.0
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Local().Format(timestampLayout)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
