package device

import (
	"encoding/json"
	"testing"
)

func TestParseEventExtractsNameAndPayload(t *testing.T) {
	name, payload, ok := parseEvent([]byte(`42["credential:command",{"type":"AddCredential","command_id":"x"}]`))
	if !ok {
		t.Fatalf("expected ok")
	}
	if name != "credential:command" {
		t.Fatalf("name = %q", name)
	}
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if cmd.Type != "AddCredential" || cmd.CommandID != "x" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestParseEventRejectsNonEventPackets(t *testing.T) {
	cases := [][]byte{
		[]byte("2"),
		[]byte("3"),
		[]byte("40{}"),
		[]byte(""),
	}
	for _, c := range cases {
		if _, _, ok := parseEvent(c); ok {
			t.Fatalf("expected not-ok for %q", c)
		}
	}
}

func TestEmitProducesSocketIOEventFrame(t *testing.T) {
	// emit requires a *websocket.Conn so we exercise only the framing it
	// shares with parseEvent via a round trip on the marshal step.
	arr := []any{"device:heartbeat", map[string]string{"deviceId": "d1"}}
	data, err := json.Marshal(arr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame := append([]byte("42"), data...)

	name, payload, ok := parseEvent(frame)
	if !ok || name != "device:heartbeat" {
		t.Fatalf("round trip failed: name=%q ok=%v", name, ok)
	}
	var body map[string]string
	json.Unmarshal(payload, &body)
	if body["deviceId"] != "d1" {
		t.Fatalf("payload = %+v", body)
	}
}
