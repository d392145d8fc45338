// Package notify renders detection summaries and stream lifecycle
// events into Slack messages and delivers them over a webhook.
package notify

// Severity classifies how urgently a message should read. High
// severity messages get a stronger fallback-text prefix.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// BlockText is the text payload of a Slack Block Kit section.
type BlockText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Block is a single Slack Block Kit block.
type Block struct {
	Type string     `json:"type"`
	Text *BlockText `json:"text,omitempty"`
}

// SectionBlock builds a mrkdwn section block.
func SectionBlock(text string) Block {
	return Block{
		Type: "section",
		Text: &BlockText{Type: "mrkdwn", Text: text},
	}
}

// Message is one outbound notification. Text is the plain fallback
// rendering; Blocks is the rich rendering preferred when the webhook
// accepts it.
type Message struct {
	Text     string
	Blocks   []Block
	Severity Severity
}

// Notifier delivers one message to wherever notifications go.
type Notifier interface {
	Notify(msg Message) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(msg Message) error

// Notify calls f.
func (f NotifierFunc) Notify(msg Message) error {
	return f(msg)
}
