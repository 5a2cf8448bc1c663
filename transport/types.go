package transport

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/hyperborea/crypto"
	"github.com/opd-ai/hyperborea/routing"
)

// ServerInfo is the wire form of a routing.ServerRecord.
type ServerInfo struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
	Endpoint  string `json:"endpoint"`
}

// ClientInfo is the wire form of a routing.ClientRecord.
type ClientInfo struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
	Server    string `json:"server_address"`
}

// InfoResponse answers an info request with the serving node's identity.
type InfoResponse struct {
	Server ServerInfo `json:"server"`
}

// ServersResponse lists the peer servers a node knows about.
type ServersResponse struct {
	Servers []ServerInfo `json:"servers"`
}

// ClientsResponse lists the clients a node currently hosts.
type ClientsResponse struct {
	Clients []ClientInfo `json:"clients"`
}

// ConnectRequest announces a client to a hosting server. The certificate
// is the client's signature over the server's public key, proving the
// announcement comes from the key holder.
type ConnectRequest struct {
	PublicKey   string `json:"public_key"`
	Certificate string `json:"certificate"`
}

// DisconnectRequest withdraws a client registration, authenticated the
// same way as ConnectRequest.
type DisconnectRequest struct {
	PublicKey   string `json:"public_key"`
	Certificate string `json:"certificate"`
}

// LookupRequest asks a server whether it hosts the target client and
// which peer servers it knows.
type LookupRequest struct {
	Target string `json:"target"`
}

// LookupResponse answers a lookup. Client is set when the serving node
// hosts the target; Peers always lists its known servers.
type LookupResponse struct {
	Found  bool         `json:"found"`
	Client *ClientInfo  `json:"client,omitempty"`
	Peers  []ServerInfo `json:"peers"`
}

// SendRequest delivers a sealed envelope to the recipient's hosting
// server. The envelope is the wire JSON produced by envelope.MarshalWire.
type SendRequest struct {
	Recipient string          `json:"recipient"`
	Channel   string          `json:"channel"`
	Envelope  json.RawMessage `json:"envelope"`
}

// SendResponse acknowledges a durable enqueue.
type SendResponse struct {
	Sequence uint64 `json:"sequence"`
}

// PollRequest reads a client's inbox without consuming it. The signature
// is the recipient's signature over PollSigningInput, so only the key
// holder can read the queue.
type PollRequest struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Limit     int    `json:"limit"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// PollEntry is one inbox entry on the wire.
type PollEntry struct {
	Sequence   uint64          `json:"sequence"`
	ReceivedAt int64           `json:"received_at"`
	Envelope   json.RawMessage `json:"envelope"`
}

// PollResponse carries read entries and how many remain beyond them.
type PollResponse struct {
	Entries   []PollEntry `json:"entries"`
	Remaining int         `json:"remaining"`
}

// AckRequest confirms processing of entries up to a sequence number,
// authenticated like PollRequest over AckSigningInput.
type AckRequest struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	UpTo      uint64 `json:"up_to"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// AckResponse reports how many entries the acknowledgement removed.
type AckResponse struct {
	Removed int `json:"removed"`
}

// ServerInfoFromRecord converts a routing record to its wire form.
func ServerInfoFromRecord(record routing.ServerRecord) ServerInfo {
	return ServerInfo{
		Address:   record.Address.String(),
		PublicKey: base64.StdEncoding.EncodeToString(record.PublicKey[:]),
		Endpoint:  record.Endpoint,
	}
}

// Record converts wire server info back to a routing record.
func (s ServerInfo) Record() (routing.ServerRecord, error) {
	addr, err := crypto.AddressFromString(s.Address)
	if err != nil {
		return routing.ServerRecord{}, fmt.Errorf("invalid server address: %w", err)
	}

	record := routing.ServerRecord{
		Address:  addr,
		Endpoint: s.Endpoint,
		LastSeen: time.Now(),
	}

	if err := decodeKey(s.PublicKey, record.PublicKey[:]); err != nil {
		return routing.ServerRecord{}, fmt.Errorf("invalid server public key: %w", err)
	}

	return record, nil
}

// ClientInfoFromRecord converts a routing record to its wire form.
func ClientInfoFromRecord(record routing.ClientRecord) ClientInfo {
	return ClientInfo{
		Address:   record.ClientAddress.String(),
		PublicKey: base64.StdEncoding.EncodeToString(record.PublicKey[:]),
		Server:    record.Server.Address.String(),
	}
}

// PublicKeyBytes decodes the client's public key.
func (c ClientInfo) PublicKeyBytes() ([32]byte, error) {
	var key [32]byte
	if err := decodeKey(c.PublicKey, key[:]); err != nil {
		return key, fmt.Errorf("invalid client public key: %w", err)
	}
	return key, nil
}

// ConnectSigningInput is the byte string a client signs to prove a
// registration announcement to the server with the given public key.
func ConnectSigningInput(serverPublicKey [32]byte) []byte {
	return append([]byte("hyperborea.connect\x00"), serverPublicKey[:]...)
}

// DisconnectSigningInput is the byte string a client signs to withdraw
// its registration.
func DisconnectSigningInput(serverPublicKey [32]byte) []byte {
	return append([]byte("hyperborea.disconnect\x00"), serverPublicKey[:]...)
}

// PollSigningInput is the byte string a client signs to authorize a poll.
func PollSigningInput(recipient crypto.Address, channel string, nonce []byte) []byte {
	return signingInput("hyperborea.poll", recipient, channel, nonce, nil)
}

// AckSigningInput is the byte string a client signs to authorize an
// acknowledgement up to a sequence number.
func AckSigningInput(recipient crypto.Address, channel string, upTo uint64, nonce []byte) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], upTo)
	return signingInput("hyperborea.ack", recipient, channel, nonce, seq[:])
}

func signingInput(domain string, recipient crypto.Address, channel string, nonce, extra []byte) []byte {
	input := make([]byte, 0, len(domain)+1+crypto.AddressSize+1+len(channel)+1+len(nonce)+len(extra))
	input = append(input, domain...)
	input = append(input, 0x00)
	input = append(input, recipient[:]...)
	input = append(input, 0x00)
	input = append(input, channel...)
	input = append(input, 0x00)
	input = append(input, nonce...)
	input = append(input, extra...)
	return input
}

func decodeKey(encoded string, dst []byte) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("length %d, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
