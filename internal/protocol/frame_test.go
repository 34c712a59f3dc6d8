package protocol

import "testing"

func TestDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Kind:   KindNodeRegister,
		NodeID: "agent-1",
		Capabilities: Capabilities{
			AgentTypes:     []string{"high", "low"},
			Tools:          []string{"search", "calc"},
			Channels:       []string{"chat", "voice"},
			MaxConcurrency: 8,
		},
		Token: "test-key",
	}

	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.NodeID != f.NodeID || got.Token != f.Token {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
	if len(got.Capabilities.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(got.Capabilities.Tools))
	}
}

func TestDecodeMalformedIsNonFatal(t *testing.T) {
	_, err := Decode([]byte("not valid json"))
	if err == nil {
		t.Fatal("expected a decode error for malformed input")
	}

	_, err = Decode([]byte(`{"foo":"bar"}`))
	if err == nil {
		t.Fatal("expected a decode error for a frame missing kind")
	}
}

func TestDecodeEmptyBytes(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected an error decoding empty input")
	}
}
