package transcription

import "testing"

func TestParseEventTranscriptField(t *testing.T) {
	ev, ok := parseEvent([]byte(`{"transcript":"hello world"}`))
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Text != "hello world" || ev.Final {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseEventFinalTurn(t *testing.T) {
	ev, ok := parseEvent([]byte(`{"transcript":"hi there","end_of_turn":true,"turn_is_formatted":true}`))
	if !ok {
		t.Fatal("expected event")
	}
	if !ev.Final || ev.Text != "hi there" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseEventEndOfTurnUnformattedIsPartial(t *testing.T) {
	ev, ok := parseEvent([]byte(`{"transcript":"hi","end_of_turn":true,"turn_is_formatted":false}`))
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Final {
		t.Fatal("unformatted turn must stay partial")
	}
}

func TestParseEventWordsFallback(t *testing.T) {
	ev, ok := parseEvent([]byte(`{"words":[{"text":"one"},{"text":"two"},{"text":""}]}`))
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Text != "one two" {
		t.Fatalf("unexpected text: %q", ev.Text)
	}
}

func TestParseEventLegacySchema(t *testing.T) {
	ev, ok := parseEvent([]byte(`{"message_type":"PartialTranscript","text":"legacy"}`))
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Text != "legacy" {
		t.Fatalf("unexpected text: %q", ev.Text)
	}
}

func TestParseEventIgnored(t *testing.T) {
	cases := []string{
		`{"type":"Begin","id":"abc"}`,
		`{"transcript":""}`,
		`{"words":[]}`,
		`{"message_type":"SessionBegins","text":"x"}`,
		`not json`,
	}
	for _, c := range cases {
		if _, ok := parseEvent([]byte(c)); ok {
			t.Fatalf("expected %q to be ignored", c)
		}
	}
}
