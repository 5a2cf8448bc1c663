package hyperborea

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperborea/crypto"
	"github.com/opd-ai/hyperborea/envelope"
	"github.com/opd-ai/hyperborea/transport"
)

// handleRequest dispatches one inbound protocol request.
func (n *Node) handleRequest(ctx context.Context, req *transport.Request) *transport.Response {
	switch req.Kind {
	case transport.KindInfo:
		return transport.Success(transport.InfoResponse{
			Server: transport.ServerInfoFromRecord(n.selfRecord()),
		})

	case transport.KindServers:
		return n.handleServers()

	case transport.KindClients:
		return n.handleClients()

	case transport.KindConnect:
		return n.handleConnect(req)

	case transport.KindDisconnect:
		return n.handleDisconnect(req)

	case transport.KindLookup:
		return n.handleLookup(req)

	case transport.KindSend:
		return n.handleSend(req)

	case transport.KindPoll:
		return n.handlePoll(req)

	case transport.KindAck:
		return n.handleAck(req)

	default:
		return transport.Failure("unknown request kind %q", req.Kind)
	}
}

func (n *Node) handleServers() *transport.Response {
	peers := n.peerServers()
	infos := make([]transport.ServerInfo, 0, len(peers))
	for _, peer := range peers {
		infos = append(infos, transport.ServerInfoFromRecord(peer))
	}
	return transport.Success(transport.ServersResponse{Servers: infos})
}

func (n *Node) handleClients() *transport.Response {
	infos := make([]transport.ClientInfo, 0)
	for _, client := range n.table.Clients() {
		if client.Server.Address == n.Address() {
			infos = append(infos, transport.ClientInfoFromRecord(client))
		}
	}
	return transport.Success(transport.ClientsResponse{Clients: infos})
}

func (n *Node) handleConnect(req *transport.Request) *transport.Response {
	var body transport.ConnectRequest
	if err := req.DecodeBody(&body); err != nil {
		return transport.Failure("malformed connect request: %v", err)
	}

	key, signature, err := decodeAnnouncement(body.PublicKey, body.Certificate)
	if err != nil {
		return transport.Failure("malformed connect request: %v", err)
	}

	if !crypto.Verify(transport.ConnectSigningInput(n.keyPair.Public), signature, key) {
		return transport.Failure("connect certificate verification failed")
	}

	if err := n.table.UpsertClient(crypto.AddressOf(key), key, n.Address()); err != nil {
		return transport.Failure("register client: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"client": crypto.AddressOf(key).String()[:16],
	}).Info("Client registered")

	return transport.Success(nil)
}

func (n *Node) handleDisconnect(req *transport.Request) *transport.Response {
	var body transport.DisconnectRequest
	if err := req.DecodeBody(&body); err != nil {
		return transport.Failure("malformed disconnect request: %v", err)
	}

	key, signature, err := decodeAnnouncement(body.PublicKey, body.Certificate)
	if err != nil {
		return transport.Failure("malformed disconnect request: %v", err)
	}

	if !crypto.Verify(transport.DisconnectSigningInput(n.keyPair.Public), signature, key) {
		return transport.Failure("disconnect certificate verification failed")
	}

	n.table.RemoveClient(crypto.AddressOf(key))
	return transport.Success(nil)
}

func (n *Node) handleLookup(req *transport.Request) *transport.Response {
	var body transport.LookupRequest
	if err := req.DecodeBody(&body); err != nil {
		return transport.Failure("malformed lookup request: %v", err)
	}

	target, err := crypto.AddressFromString(body.Target)
	if err != nil {
		return transport.Failure("malformed lookup target: %v", err)
	}

	peers := n.peerServers()
	result := transport.LookupResponse{Peers: make([]transport.ServerInfo, 0, len(peers))}
	for _, peer := range peers {
		result.Peers = append(result.Peers, transport.ServerInfoFromRecord(peer))
	}

	// "Directly knows" means hosts: cached knowledge about other servers'
	// clients is not advertised, the querier will reach those servers
	// through the peer list.
	record, err := n.table.LookupClient(target)
	if err == nil && record.Server.Address == n.Address() {
		info := transport.ClientInfoFromRecord(*record)
		result.Found = true
		result.Client = &info
	}

	return transport.Success(result)
}

func (n *Node) handleSend(req *transport.Request) *transport.Response {
	var body transport.SendRequest
	if err := req.DecodeBody(&body); err != nil {
		return transport.Failure("malformed send request: %v", err)
	}

	recipient, err := crypto.AddressFromString(body.Recipient)
	if err != nil {
		return transport.Failure("malformed recipient: %v", err)
	}

	channel := body.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	env, err := envelope.UnmarshalWire(body.Envelope)
	if err != nil {
		return transport.Failure("malformed envelope: %v", err)
	}

	// Authenticate before accepting: a forged envelope is discarded here,
	// it never reaches the inbox.
	if err := env.Verify(); err != nil {
		logrus.WithFields(logrus.Fields{
			"sender": env.Sender.String()[:16],
		}).Warn("Discarding inbound envelope with bad signature")
		return transport.Failure("envelope verification failed")
	}

	record, err := n.table.LookupClient(recipient)
	if err != nil || record.Server.Address != n.Address() {
		return transport.Failure("recipient %s is not hosted here", body.Recipient)
	}

	seq, err := n.store.Enqueue(recipient, channel, env)
	if err != nil {
		return transport.Failure("enqueue: %v", err)
	}

	return transport.Success(transport.SendResponse{Sequence: seq})
}

func (n *Node) handlePoll(req *transport.Request) *transport.Response {
	var body transport.PollRequest
	if err := req.DecodeBody(&body); err != nil {
		return transport.Failure("malformed poll request: %v", err)
	}

	recipient, channel, err := n.authenticateQueueOp(body.Recipient, body.Channel, body.Nonce, body.Signature,
		func(recipient crypto.Address, channel string, nonce []byte) []byte {
			return transport.PollSigningInput(recipient, channel, nonce)
		})
	if err != nil {
		return transport.Failure("%v", err)
	}

	entries, remaining, err := n.store.Peek(recipient, channel, body.Limit)
	if err != nil {
		return transport.Failure("peek: %v", err)
	}

	result := transport.PollResponse{
		Entries:   make([]transport.PollEntry, 0, len(entries)),
		Remaining: remaining,
	}
	for _, entry := range entries {
		wire, err := entry.Envelope.MarshalWire()
		if err != nil {
			continue
		}
		result.Entries = append(result.Entries, transport.PollEntry{
			Sequence:   entry.Sequence,
			ReceivedAt: entry.ReceivedAt.UnixNano(),
			Envelope:   wire,
		})
	}

	return transport.Success(result)
}

func (n *Node) handleAck(req *transport.Request) *transport.Response {
	var body transport.AckRequest
	if err := req.DecodeBody(&body); err != nil {
		return transport.Failure("malformed ack request: %v", err)
	}

	recipient, channel, err := n.authenticateQueueOp(body.Recipient, body.Channel, body.Nonce, body.Signature,
		func(recipient crypto.Address, channel string, nonce []byte) []byte {
			return transport.AckSigningInput(recipient, channel, body.UpTo, nonce)
		})
	if err != nil {
		return transport.Failure("%v", err)
	}

	removed, err := n.store.Pop(recipient, channel, body.UpTo)
	if err != nil {
		return transport.Failure("pop: %v", err)
	}

	return transport.Success(transport.AckResponse{Removed: removed})
}

// authenticateQueueOp validates a signed poll/ack request against the
// hosted client's registered public key.
func (n *Node) authenticateQueueOp(recipientStr, channel, nonceStr, signatureStr string,
	input func(crypto.Address, string, []byte) []byte) (crypto.Address, string, error) {

	recipient, err := crypto.AddressFromString(recipientStr)
	if err != nil {
		return crypto.Address{}, "", fmt.Errorf("malformed recipient: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}

	nonce, err := base64.StdEncoding.DecodeString(nonceStr)
	if err != nil || len(nonce) == 0 {
		return crypto.Address{}, "", fmt.Errorf("malformed nonce")
	}

	var signature crypto.Signature
	raw, err := base64.StdEncoding.DecodeString(signatureStr)
	if err != nil || len(raw) != crypto.SignatureSize {
		return crypto.Address{}, "", fmt.Errorf("malformed signature")
	}
	copy(signature[:], raw)

	record, err := n.table.LookupClient(recipient)
	if err != nil || record.Server.Address != n.Address() {
		return crypto.Address{}, "", fmt.Errorf("client %s is not hosted here", recipientStr)
	}

	if !crypto.Verify(input(recipient, channel, nonce), signature, record.PublicKey) {
		return crypto.Address{}, "", fmt.Errorf("request signature verification failed")
	}

	return recipient, channel, nil
}

// decodeAnnouncement decodes the key and certificate of a connect or
// disconnect request.
func decodeAnnouncement(keyStr, certStr string) ([32]byte, crypto.Signature, error) {
	var key [32]byte
	var signature crypto.Signature

	if err := decodeKey(keyStr, key[:]); err != nil {
		return key, signature, err
	}

	raw, err := base64.StdEncoding.DecodeString(certStr)
	if err != nil {
		return key, signature, err
	}
	if len(raw) != crypto.SignatureSize {
		return key, signature, fmt.Errorf("certificate length %d, want %d", len(raw), crypto.SignatureSize)
	}
	copy(signature[:], raw)

	return key, signature, nil
}

func decodeKey(encoded string, dst []byte) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("key length %d, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}

func encodeKey(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func encodeSignature(signature crypto.Signature) string {
	return base64.StdEncoding.EncodeToString(signature[:])
}
