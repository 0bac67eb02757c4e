package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTopicNameRoundTrip(t *testing.T) {
	t.Parallel()

	name := TopicName("conjunctions")
	if name != "/datamarketnetwork/streams/conjunctions" {
		t.Fatalf("unexpected topic name: %s", name)
	}
	if got := StreamFromTopic(name); got != "conjunctions" {
		t.Fatalf("stream from topic: got %q", got)
	}
	if got := StreamFromTopic(TopicPrefix); got != "" {
		t.Fatalf("prefix-only topic should yield empty stream, got %q", got)
	}
}

func TestEnvelopeEncoding(t *testing.T) {
	t.Parallel()

	in := &Envelope{
		StreamID:    "telemetry",
		DID:         "did:key:z6Mkexample",
		Proof:       `{"r":"0x1","s":"0x2","message":"m"}`,
		Payload:     []byte{0x01, 0x02, 0x03},
		PublishedAt: time.Unix(1700000000, 0).UTC(),
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.StreamID != in.StreamID || out.DID != in.DID || out.Proof != in.Proof {
		t.Fatalf("envelope mismatch: %+v", out)
	}
	if len(out.Payload) != 3 || out.Payload[0] != 0x01 {
		t.Fatalf("payload mismatch: %v", out.Payload)
	}
	if !out.PublishedAt.Equal(in.PublishedAt) {
		t.Fatalf("timestamp mismatch: %v", out.PublishedAt)
	}
}

func TestValidateListenAddrs(t *testing.T) {
	t.Parallel()

	addrs, err := ValidateListenAddrs([]string{"/ip4/0.0.0.0/tcp/4100", "/ip4/0.0.0.0/tcp/4101/ws"})
	if err != nil {
		t.Fatalf("ValidateListenAddrs: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addrs, got %d", len(addrs))
	}

	if _, err := ValidateListenAddrs([]string{"tcp://bad"}); err == nil {
		t.Fatal("expected error for invalid multiaddr")
	}
}
