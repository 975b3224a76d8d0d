package signal

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDirectedTo(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		to       string
		identity string
		want     bool
	}{
		{"broadcast reaches everyone", "", "alice", false},
		{"addressee keeps it", "alice", "alice", false},
		{"others drop it", "bob", "alice", true},
	}
	for _, tc := range cases {
		m := Message{Type: TypeOffer, To: tc.to}
		if got := m.DirectedTo(tc.identity); got != tc.want {
			t.Fatalf("%s: DirectedTo(%q) with to=%q = %v, want %v", tc.name, tc.identity, tc.to, got, tc.want)
		}
	}
}

func TestMessageWireFormatOmitsEmptyFields(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(Message{Type: TypeLeave, From: "alice"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{"sdp", "candidate", "media", "\"to\""} {
		if strings.Contains(string(data), field) {
			t.Fatalf("empty %s serialized: %s", field, data)
		}
	}
}
