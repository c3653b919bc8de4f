package server

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageTimeUnmarshal(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"rfc3339 string", `"2024-05-01T12:00:00.123Z"`, false},
		{"offset string", `"2024-05-01T14:00:00.123+02:00"`, false},
		{"milliseconds", `1714564800123`, false},
		{"quoted milliseconds", `"1714564800123"`, false},
		{"garbage string", `"yesterday"`, true},
		{"boolean", `true`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mt MessageTime
			err := json.Unmarshal([]byte(tt.input), &mt)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected an error for %s", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !mt.Time.Equal(want) {
				t.Errorf("Expected %v, got %v", want, mt.Time)
			}
		})
	}
}

func TestMessageTimeEchoesRawForm(t *testing.T) {
	for _, input := range []string{`"2024-05-01T12:00:00.123Z"`, `1714564800123`} {
		var mt MessageTime
		if err := json.Unmarshal([]byte(input), &mt); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		out, err := json.Marshal(mt)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if string(out) != input {
			t.Errorf("Expected %s echoed back, got %s", input, out)
		}
	}
}

func TestEncodeFrame(t *testing.T) {
	frame, err := encodeFrame(EventError, ErrorPayload{Code: CodeNotFound, Message: "room missing"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := `{"event":"error","data":{"code":"not_found","message":"room missing"}}`
	if string(frame) != want {
		t.Errorf("Expected %s, got %s", want, frame)
	}
}

func TestChatMessageOmitsEmptyReactions(t *testing.T) {
	out, err := json.Marshal(ChatMessage{Text: "hi", Sender: "alice", Color: "#667eea"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := fields["reactions"]; ok {
		t.Errorf("Empty reactions should be omitted: %s", out)
	}
	if fields["isSystemMessage"] != false {
		t.Errorf("isSystemMessage must always be present: %s", out)
	}
}
