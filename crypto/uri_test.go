package crypto

import (
	"encoding/base64"
	"fmt"
	"testing"
)

func TestParseURI(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	key := base64.StdEncoding.EncodeToString(keyPair.Public[:])

	for _, protocol := range []string{"hyperborea", "hyp"} {
		uri, err := ParseURI(fmt.Sprintf("%s://%s", protocol, key))
		if err != nil {
			t.Fatalf("ParseURI(%s) error: %v", protocol, err)
		}
		if uri.Kind != URIHyperborea || uri.ClientType != ClientThin {
			t.Errorf("ParseURI(%s) = kind %d type %s, want thin hyperborea", protocol, uri.Kind, uri.ClientType)
		}
		if uri.PublicKey != keyPair.Public {
			t.Errorf("ParseURI(%s) mangled the public key", protocol)
		}
	}

	for _, protocol := range []string{"hyperborea", "hyp"} {
		for _, clientType := range []ClientType{ClientThin, ClientThick, ClientServer, ClientFile} {
			uri, err := ParseURI(fmt.Sprintf("%s://%s:%s", protocol, clientType, key))
			if err != nil {
				t.Fatalf("ParseURI(%s://%s:) error: %v", protocol, clientType, err)
			}
			if uri.ClientType != clientType {
				t.Errorf("ParseURI(%s://%s:) type = %s", protocol, clientType, uri.ClientType)
			}
		}
	}

	schemes := map[string]ClientType{
		"hyperborea-client": ClientThin,
		"hyp-client":        ClientThin,
		"hyperborea-server": ClientServer,
		"hyp-server":        ClientServer,
		"hyperborea-file":   ClientFile,
		"hyp-file":          ClientFile,
	}
	for scheme, wantType := range schemes {
		uri, err := ParseURI(fmt.Sprintf("%s://%s", scheme, key))
		if err != nil {
			t.Fatalf("ParseURI(%s) error: %v", scheme, err)
		}
		if uri.ClientType != wantType {
			t.Errorf("ParseURI(%s) type = %s, want %s", scheme, uri.ClientType, wantType)
		}
	}

	httpURI, err := ParseURI("http://example.org")
	if err != nil {
		t.Fatalf("ParseURI(http) error: %v", err)
	}
	if httpURI.Kind != URIHTTP || httpURI.Endpoint != "example.org" {
		t.Errorf("ParseURI(http) = %+v", httpURI)
	}

	httpsURI, err := ParseURI("https://example.org")
	if err != nil {
		t.Fatalf("ParseURI(https) error: %v", err)
	}
	if httpsURI.Kind != URIHTTPS || httpsURI.Endpoint != "example.org" {
		t.Errorf("ParseURI(https) = %+v", httpsURI)
	}

	rawURI, err := ParseURI("example.org")
	if err != nil {
		t.Fatalf("ParseURI(raw) error: %v", err)
	}
	if rawURI.Kind != URIRaw || rawURI.Endpoint != "example.org" {
		t.Errorf("ParseURI(raw) = %+v", rawURI)
	}
}

func TestParseURIInvalidKey(t *testing.T) {
	if _, err := ParseURI("hyperborea://not-base64!"); err == nil {
		t.Error("ParseURI() accepted invalid base64")
	}

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := ParseURI("hyperborea://" + short); err == nil {
		t.Error("ParseURI() accepted a short key")
	}
}

func TestURIString(t *testing.T) {
	keyPair, _ := GenerateKeyPair()
	key := base64.StdEncoding.EncodeToString(keyPair.Public[:])

	cases := []string{
		"hyperborea://" + key,
		fmt.Sprintf("hyperborea://server:%s", key),
		"http://example.org",
		"https://example.org",
	}

	for _, raw := range cases {
		uri, err := ParseURI(raw)
		if err != nil {
			t.Fatalf("ParseURI(%s) error: %v", raw, err)
		}
		if uri.String() != raw {
			t.Errorf("URI round trip: got %s, want %s", uri.String(), raw)
		}
	}
}
