package transcription

import (
	"encoding/json"
	"strings"
)

// Event is a parsed transcript update from the streaming service.
type Event struct {
	Text  string
	Final bool
}

// wireMessage is the union of the inbound schemas the service may send.
// The current schema carries "transcript" directly; "words" is the fallback
// and "message_type"+"text" the legacy realtime shape.
type wireMessage struct {
	Transcript      string     `json:"transcript"`
	Words           []wireWord `json:"words"`
	MessageType     string     `json:"message_type"`
	Text            string     `json:"text"`
	EndOfTurn       bool       `json:"end_of_turn"`
	TurnIsFormatted bool       `json:"turn_is_formatted"`
}

type wireWord struct {
	Text string `json:"text"`
}

// parseEvent extracts a transcript event from one inbound message. It returns
// false for malformed JSON, unrecognized shapes, and empty candidate text; the
// session drops such messages and keeps running.
func parseEvent(data []byte) (Event, bool) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}

	text := candidateText(msg)
	if text == "" {
		return Event{}, false
	}

	return Event{
		Text:  text,
		Final: msg.EndOfTurn && msg.TurnIsFormatted,
	}, true
}

func candidateText(msg wireMessage) string {
	if msg.Transcript != "" {
		return msg.Transcript
	}
	if len(msg.Words) > 0 {
		parts := make([]string, 0, len(msg.Words))
		for _, w := range msg.Words {
			if w.Text != "" {
				parts = append(parts, w.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	if msg.MessageType == "PartialTranscript" || msg.MessageType == "FinalTranscript" {
		return msg.Text
	}
	return ""
}
