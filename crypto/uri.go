package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ClientType describes how a node participates in the network.
type ClientType string

const (
	// ClientThin is a client reachable only through its hosting server.
	ClientThin ClientType = "thin"
	// ClientThick is a client that also accepts direct connections.
	ClientThick ClientType = "thick"
	// ClientServer is a server node hosting other clients.
	ClientServer ClientType = "server"
	// ClientFile is a file-serving client.
	ClientFile ClientType = "file"
)

// URIKind discriminates parsed URI variants.
type URIKind uint8

const (
	// URIHyperborea is a hyperborea:// public-key URI.
	URIHyperborea URIKind = iota
	// URIHTTP is a plain http:// endpoint.
	URIHTTP
	// URIHTTPS is an https:// endpoint.
	URIHTTPS
	// URIRaw stores an unsupported value verbatim.
	URIRaw
)

// URI is a parsed Hyperborea addressing URI.
//
// Supported forms:
//
//	hyperborea://<public key>           thin client
//	hyp://<public key>                  thin client
//	hyperborea://thin:<public key>      thin client
//	hyperborea://thick:<public key>     thick client
//	hyperborea://server:<public key>    server
//	hyperborea://file:<public key>      file client
//	hyperborea-client://<public key>    thin client (also hyp-client)
//	hyperborea-server://<public key>    server (also hyp-server)
//	hyperborea-file://<public key>      file client (also hyp-file)
//	http://<address>, https://<address> plain endpoints
//
// Public keys are standard base64.
type URI struct {
	Kind       URIKind
	PublicKey  [32]byte
	ClientType ClientType
	Endpoint   string
}

// ParseURI parses an addressing URI.
func ParseURI(uri string) (*URI, error) {
	protocol, rest, found := strings.Cut(uri, "://")
	if !found {
		return &URI{Kind: URIRaw, Endpoint: uri}, nil
	}

	switch protocol {
	case "hyperborea", "hyp":
		clientType := ClientThin
		for _, ct := range []ClientType{ClientThin, ClientThick, ClientServer, ClientFile} {
			if stripped, ok := strings.CutPrefix(rest, string(ct)+":"); ok {
				clientType = ct
				rest = stripped
				break
			}
		}
		return keyURI(rest, clientType)

	case "hyperborea-client", "hyp-client":
		return keyURI(rest, ClientThin)

	case "hyperborea-server", "hyp-server":
		return keyURI(rest, ClientServer)

	case "hyperborea-file", "hyp-file":
		return keyURI(rest, ClientFile)

	case "http":
		return &URI{Kind: URIHTTP, Endpoint: rest}, nil

	case "https":
		return &URI{Kind: URIHTTPS, Endpoint: rest}, nil

	default:
		return &URI{Kind: URIRaw, Endpoint: rest}, nil
	}
}

// String formats the URI back into its canonical text form.
func (u *URI) String() string {
	switch u.Kind {
	case URIHyperborea:
		key := base64.StdEncoding.EncodeToString(u.PublicKey[:])
		if u.ClientType == ClientThin {
			return "hyperborea://" + key
		}
		return fmt.Sprintf("hyperborea://%s:%s", u.ClientType, key)
	case URIHTTP:
		return "http://" + u.Endpoint
	case URIHTTPS:
		return "https://" + u.Endpoint
	default:
		return u.Endpoint
	}
}

// Address returns the node address for key-bearing URIs.
func (u *URI) Address() (Address, error) {
	if u.Kind != URIHyperborea {
		return Address{}, fmt.Errorf("uri %q does not carry a public key", u.String())
	}
	return AddressOf(u.PublicKey), nil
}

func keyURI(encoded string, clientType ClientType) (*URI, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid public key length: %d", len(raw))
	}

	uri := &URI{Kind: URIHyperborea, ClientType: clientType}
	copy(uri.PublicKey[:], raw)

	return uri, nil
}
