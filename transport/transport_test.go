package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/opd-ai/hyperborea/crypto"
	"github.com/opd-ai/hyperborea/routing"
)

func TestRequestResponseEnvelopes(t *testing.T) {
	req, err := NewRequest(KindLookup, LookupRequest{Target: "abc"})
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}

	var body LookupRequest
	if err := req.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody() error: %v", err)
	}
	if body.Target != "abc" {
		t.Errorf("DecodeBody() target = %q", body.Target)
	}

	resp := Success(LookupResponse{Found: true})
	var decoded LookupResponse
	if err := resp.DecodeBody(&decoded); err != nil {
		t.Fatalf("Response DecodeBody() error: %v", err)
	}
	if !decoded.Found {
		t.Error("Response body lost the found flag")
	}

	failure := Failure("nope: %d", 42)
	if err := failure.DecodeBody(&decoded); !errors.Is(err, ErrTransport) {
		t.Errorf("Failure DecodeBody() = %v, want ErrTransport", err)
	}
}

func TestServerInfoRoundTrip(t *testing.T) {
	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	record := routing.ServerRecord{
		Address:   keyPair.Address(),
		PublicKey: keyPair.Public,
		Endpoint:  "http://127.0.0.1:9000",
	}

	info := ServerInfoFromRecord(record)
	back, err := info.Record()
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	if back.Address != record.Address || back.PublicKey != record.PublicKey || back.Endpoint != record.Endpoint {
		t.Error("ServerInfo round trip mangled the record")
	}
}

func TestServerInfoRejectsBadFields(t *testing.T) {
	cases := []struct {
		name string
		info ServerInfo
	}{
		{"Bad address", ServerInfo{Address: "xyz", PublicKey: "aGVsbG8="}},
		{"Bad key", ServerInfo{Address: crypto.Address{}.String(), PublicKey: "aGVsbG8="}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.info.Record(); err == nil {
				t.Error("Record() accepted malformed wire info")
			}
		})
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	lb := NewLoopback()

	err := lb.Serve("node-a", func(_ context.Context, req *Request) *Response {
		return Success(InfoResponse{Server: ServerInfo{Endpoint: "node-a"}})
	})
	if err != nil {
		t.Fatalf("Serve() error: %v", err)
	}

	req, _ := NewRequest(KindInfo, nil)
	resp, err := lb.RoundTrip(context.Background(), "node-a", req)
	if err != nil {
		t.Fatalf("RoundTrip() error: %v", err)
	}

	var info InfoResponse
	if err := resp.DecodeBody(&info); err != nil {
		t.Fatalf("DecodeBody() error: %v", err)
	}
	if info.Server.Endpoint != "node-a" {
		t.Error("Loopback returned the wrong handler's response")
	}

	if _, err := lb.RoundTrip(context.Background(), "node-b", req); !errors.Is(err, ErrTransport) {
		t.Errorf("RoundTrip() to unknown endpoint = %v, want ErrTransport", err)
	}

	lb.Drop("node-a")
	if _, err := lb.RoundTrip(context.Background(), "node-a", req); !errors.Is(err, ErrTransport) {
		t.Errorf("RoundTrip() to dropped endpoint = %v, want ErrTransport", err)
	}
}

func TestLoopbackDuplicateEndpoint(t *testing.T) {
	lb := NewLoopback()
	handler := func(_ context.Context, _ *Request) *Response { return Success(nil) }

	if err := lb.Serve("node-a", handler); err != nil {
		t.Fatalf("Serve() error: %v", err)
	}
	if err := lb.Serve("node-a", handler); err == nil {
		t.Error("Serve() accepted a duplicate endpoint")
	}
}

func TestSigningInputsDiffer(t *testing.T) {
	keyPair, _ := crypto.GenerateKeyPair()
	addr := keyPair.Address()
	nonce := []byte{1, 2, 3, 4}

	poll := PollSigningInput(addr, "main", nonce)
	ack := AckSigningInput(addr, "main", 7, nonce)

	if string(poll) == string(ack) {
		t.Error("Poll and ack signing inputs must not collide")
	}

	otherChannel := PollSigningInput(addr, "other", nonce)
	if string(poll) == string(otherChannel) {
		t.Error("Signing input must bind the channel")
	}
}
