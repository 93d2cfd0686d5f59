package transport

import "testing"

func TestMessageCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text    string
		command bool
		name    string
	}{
		{text: "/start", command: true, name: "start"},
		{text: "/publicarbcv@rate_bot", command: true, name: "publicarbcv"},
		{text: "/Start extra words", command: true, name: "start"},
		{text: "/ hola", command: false},
		{text: "/", command: false},
		{text: "/\tstart", command: false},
		{text: "/¿qué?", command: false},
		{text: "hola /start", command: false},
		{text: "", command: false},
	}
	for _, tt := range tests {
		m := &Message{Text: tt.text}
		if got := m.IsCommand(); got != tt.command {
			t.Errorf("IsCommand(%q) = %v, want %v", tt.text, got, tt.command)
		}
		if got := m.Command(); got != tt.name {
			t.Errorf("Command(%q) = %q, want %q", tt.text, got, tt.name)
		}
	}
	var nilMsg *Message
	if nilMsg.IsCommand() {
		t.Fatal("nil message is not a command")
	}
}
