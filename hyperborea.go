// Package hyperborea implements the core of the Hyperborea protocol.
//
// Hyperborea is a peer-to-peer messaging protocol in which independently
// operated servers host clients, discover each other by breadth-first
// traversal of the server graph, exchange signed and encrypted envelopes,
// and persist undelivered messages in per-recipient inboxes until the
// recipient collects them.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node, err := hyperborea.New(hyperborea.Options{
//	    KeyPair:   keys,
//	    Config:    config.Default("http://127.0.0.1:28100", "/var/lib/hyperborea"),
//	    Transport: transport.NewHTTPTransport(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	err = node.SendMessage(ctx, keys, recipient, "", []byte("hello"))
package hyperborea

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperborea/config"
	"github.com/opd-ai/hyperborea/crypto"
	"github.com/opd-ai/hyperborea/envelope"
	"github.com/opd-ai/hyperborea/inbox"
	"github.com/opd-ai/hyperborea/routing"
	"github.com/opd-ai/hyperborea/transport"
	"github.com/opd-ai/hyperborea/traversal"
)

// DefaultChannel is the message channel used when the caller names none.
const DefaultChannel = inbox.DefaultChannel

// Options configure a Node. KeyPair, Config and Transport are required.
type Options struct {
	KeyPair   *crypto.KeyPair
	Config    *config.Config
	Transport transport.Transport
}

// Delivery is one opened message handed to the application.
type Delivery struct {
	Payload    []byte
	Sender     crypto.Address
	Sequence   uint64
	ReceivedAt time.Time
}

// Node is a running Hyperborea protocol participant. It owns the routing
// table, the durable inbox, and the traversal engine of one network
// identity, and dispatches inbound protocol requests.
//
// Nodes are explicitly constructed and hold no ambient global state, so
// several can coexist in one process.
type Node struct {
	keyPair *crypto.KeyPair
	cfg     *config.Config
	trans   transport.Transport
	table   *routing.Table
	store   *inbox.Inbox
	engine  *traversal.Engine

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New constructs and starts a node: it opens the durable inbox, seeds the
// routing table, registers the protocol handler on the transport, and
// launches the maintenance loop.
func New(opts Options) (*Node, error) {
	if opts.KeyPair == nil {
		return nil, errors.New("hyperborea: Options.KeyPair is required")
	}
	if opts.Config == nil {
		return nil, errors.New("hyperborea: Options.Config is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("hyperborea: Options.Transport is required")
	}
	if err := opts.Config.FixupAndValidate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.Config.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("hyperborea: create data dir: %w", err)
	}

	store, err := inbox.Open(filepath.Join(opts.Config.DataDir, "inbox.db"), inbox.Options{
		Capacity:  opts.Config.Inbox.Capacity,
		Retention: opts.Config.Inbox.Retention.Duration,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		keyPair: opts.KeyPair,
		cfg:     opts.Config,
		trans:   opts.Transport,
		table:   routing.NewTable(),
		store:   store,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	n.table.UpsertServer(n.selfRecord())
	if err := n.seedTable(); err != nil {
		store.Close()
		return nil, err
	}

	n.engine = traversal.NewEngine(n.table, n.queryServer, traversal.Params{
		MaxDepth:      opts.Config.Traversal.MaxDepth,
		Parallelism:   opts.Config.Traversal.Parallelism,
		PerHopTimeout: opts.Config.Traversal.PerHopTimeout.Duration,
	})

	if err := opts.Transport.Serve(opts.Config.Endpoint, n.handleRequest); err != nil {
		store.Close()
		return nil, err
	}

	go n.maintenanceLoop()

	logrus.WithFields(logrus.Fields{
		"address":  n.Address().String()[:16],
		"endpoint": opts.Config.Endpoint,
	}).Info("Hyperborea node started")

	return n, nil
}

// Address returns the node's own network address.
func (n *Node) Address() crypto.Address {
	return n.keyPair.Address()
}

// RoutingTable exposes the node's routing table.
func (n *Node) RoutingTable() *routing.Table {
	return n.table
}

// Close stops the maintenance loop, the transport, and the inbox.
func (n *Node) Close() error {
	n.stopOnce.Do(func() {
		close(n.stop)
		<-n.done
	})

	err := n.trans.Close()
	if cerr := n.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// RegisterClient announces a client's presence. When server is this
// node's own address the client is hosted locally; otherwise a signed
// connect announcement is sent to the hosting server, which must already
// be present in the routing table.
func (n *Node) RegisterClient(ctx context.Context, client *crypto.KeyPair, server crypto.Address) error {
	if server == n.Address() {
		return n.table.UpsertClient(client.Address(), client.Public, server)
	}

	record, err := n.serverRecord(server)
	if err != nil {
		return err
	}

	certificate, err := crypto.Sign(transport.ConnectSigningInput(record.PublicKey), client.Private)
	if err != nil {
		return fmt.Errorf("%w: %v", envelope.ErrCrypto, err)
	}

	req, err := transport.NewRequest(transport.KindConnect, transport.ConnectRequest{
		PublicKey:   encodeKey(client.Public),
		Certificate: encodeSignature(certificate),
	})
	if err != nil {
		return err
	}

	resp, err := n.trans.RoundTrip(ctx, record.Endpoint, req)
	if err != nil {
		return err
	}
	if err := resp.DecodeBody(nil); err != nil {
		return err
	}

	// Remember where the client lives so local sends resolve without a
	// traversal.
	return n.table.UpsertClient(client.Address(), client.Public, server)
}

// UnregisterClient withdraws a client registration made with
// RegisterClient.
func (n *Node) UnregisterClient(ctx context.Context, client *crypto.KeyPair, server crypto.Address) error {
	if server == n.Address() {
		n.table.RemoveClient(client.Address())
		return nil
	}

	record, err := n.serverRecord(server)
	if err != nil {
		return err
	}

	certificate, err := crypto.Sign(transport.DisconnectSigningInput(record.PublicKey), client.Private)
	if err != nil {
		return fmt.Errorf("%w: %v", envelope.ErrCrypto, err)
	}

	req, err := transport.NewRequest(transport.KindDisconnect, transport.DisconnectRequest{
		PublicKey:   encodeKey(client.Public),
		Certificate: encodeSignature(certificate),
	})
	if err != nil {
		return err
	}

	resp, err := n.trans.RoundTrip(ctx, record.Endpoint, req)
	if err != nil {
		return err
	}
	if err := resp.DecodeBody(nil); err != nil {
		return err
	}

	n.table.RemoveClient(client.Address())
	return nil
}

// SendMessage seals the payload for the recipient and delivers it to the
// recipient's hosting server. The recipient is resolved through the
// routing table, falling back to a network traversal on a miss.
//
// Errors surface the protocol taxonomy unchanged: traversal.ErrClientNotFound
// when resolution fails, envelope.ErrCrypto when sealing fails, and
// transport.ErrTransport when the hand-off fails. The node never retries;
// retry policy belongs to the application.
func (n *Node) SendMessage(ctx context.Context, sender *crypto.KeyPair, recipient crypto.Address, channel string, payload []byte) error {
	if channel == "" {
		channel = DefaultChannel
	}

	record, err := n.resolve(ctx, recipient)
	if err != nil {
		return err
	}

	env, err := envelope.Seal(sender, record.PublicKey, payload)
	if err != nil {
		return err
	}

	// Local recipients skip the wire entirely.
	if record.Server.Address == n.Address() {
		_, err := n.store.Enqueue(recipient, channel, env)
		return err
	}

	wire, err := env.MarshalWire()
	if err != nil {
		return fmt.Errorf("%w: %v", envelope.ErrCrypto, err)
	}

	req, err := transport.NewRequest(transport.KindSend, transport.SendRequest{
		Recipient: recipient.String(),
		Channel:   channel,
		Envelope:  wire,
	})
	if err != nil {
		return err
	}

	resp, err := n.trans.RoundTrip(ctx, record.Server.Endpoint, req)
	if err != nil {
		return err
	}

	var acked transport.SendResponse
	if err := resp.DecodeBody(&acked); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"recipient": recipient.String()[:16],
		"server":    record.Server.Address.String()[:16],
		"sequence":  acked.Sequence,
	}).Debug("Message handed to hosting server")

	return nil
}

// PollInbox opens up to max locally stored messages for a hosted client,
// in sequence order, without consuming them. It returns the deliveries
// and how many entries remain beyond them. Envelopes that fail to open
// are skipped and reported, not returned.
func (n *Node) PollInbox(recipient *crypto.KeyPair, channel string, max int) ([]Delivery, int, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	entries, remaining, err := n.store.Peek(recipient.Address(), channel, max)
	if err != nil {
		return nil, 0, err
	}

	deliveries := make([]Delivery, 0, len(entries))
	for _, entry := range entries {
		payload, err := envelope.Open(recipient, entry.Envelope)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"recipient": recipient.Address().String()[:16],
				"sequence":  entry.Sequence,
				"error":     err.Error(),
			}).Warn("Discarding inbox envelope that failed to open")
			continue
		}

		deliveries = append(deliveries, Delivery{
			Payload:    payload,
			Sender:     entry.Envelope.Sender,
			Sequence:   entry.Sequence,
			ReceivedAt: entry.ReceivedAt,
		})
	}

	return deliveries, remaining, nil
}

// Acknowledge removes all inbox entries for the recipient with sequence
// numbers at or below upTo. A crash between PollInbox and Acknowledge
// causes redelivery: delivery is at-least-once.
func (n *Node) Acknowledge(recipient crypto.Address, channel string, upTo uint64) (int, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	return n.store.Pop(recipient, channel, upTo)
}

// resolve finds the client's hosting server, first in the table, then by
// traversal.
func (n *Node) resolve(ctx context.Context, client crypto.Address) (*routing.ClientRecord, error) {
	record, err := n.table.LookupClient(client)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, routing.ErrNotFound) {
		return nil, err
	}

	return n.engine.Find(ctx, client)
}

// queryServer is the traversal engine's per-hop query: one lookup round
// trip against a remote server.
func (n *Node) queryServer(ctx context.Context, server routing.ServerRecord, target crypto.Address) (*traversal.QueryResult, error) {
	if server.Address == n.Address() {
		// The local table was already consulted before the traversal began.
		return &traversal.QueryResult{Peers: n.peerServers()}, nil
	}

	req, err := transport.NewRequest(transport.KindLookup, transport.LookupRequest{
		Target: target.String(),
	})
	if err != nil {
		return nil, err
	}

	resp, err := n.trans.RoundTrip(ctx, server.Endpoint, req)
	if err != nil {
		return nil, err
	}

	var lookup transport.LookupResponse
	if err := resp.DecodeBody(&lookup); err != nil {
		return nil, err
	}

	result := &traversal.QueryResult{Found: lookup.Found}
	if lookup.Found {
		if lookup.Client == nil {
			return nil, fmt.Errorf("%w: lookup hit without client info", transport.ErrTransport)
		}
		key, err := lookup.Client.PublicKeyBytes()
		if err != nil {
			return nil, err
		}
		if crypto.AddressOf(key) != target {
			return nil, fmt.Errorf("%w: lookup returned mismatching client key", transport.ErrTransport)
		}
		result.ClientPublicKey = key
	}

	for _, peer := range lookup.Peers {
		record, err := peer.Record()
		if err != nil {
			// A malformed peer entry is dropped, not fatal to the hop.
			continue
		}
		result.Peers = append(result.Peers, record)
	}

	return result, nil
}

func (n *Node) selfRecord() routing.ServerRecord {
	return routing.ServerRecord{
		Address:   n.Address(),
		PublicKey: n.keyPair.Public,
		Endpoint:  n.cfg.Endpoint,
	}
}

// peerServers lists known servers excluding this node.
func (n *Node) peerServers() []routing.ServerRecord {
	servers := n.table.Servers()
	peers := servers[:0]
	for _, server := range servers {
		if server.Address != n.Address() {
			peers = append(peers, server)
		}
	}
	return peers
}

func (n *Node) serverRecord(address crypto.Address) (routing.ServerRecord, error) {
	for _, server := range n.table.Servers() {
		if server.Address == address {
			return server, nil
		}
	}
	return routing.ServerRecord{}, routing.ErrUnknownServer
}

func (n *Node) seedTable() error {
	for _, seed := range n.cfg.Seeds {
		var key [32]byte
		if err := decodeKey(seed.PublicKey, key[:]); err != nil {
			return fmt.Errorf("hyperborea: seed %s: %w", seed.Endpoint, err)
		}
		n.table.UpsertServer(routing.ServerRecord{
			Address:   crypto.AddressOf(key),
			PublicKey: key,
			Endpoint:  seed.Endpoint,
		})
	}
	return nil
}

// maintenanceLoop periodically refreshes the self record, evicts stale
// routing entries, and expires old inbox entries.
func (n *Node) maintenanceLoop() {
	defer close(n.done)

	ticker := time.NewTicker(n.cfg.Routing.EvictEvery.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.table.UpsertServer(n.selfRecord())
			n.table.EvictStale(n.cfg.Routing.StaleAfter.Duration)

			if _, err := n.store.ExpireOlderThan(0); err != nil {
				logrus.WithField("error", err.Error()).Warn("Inbox expiry sweep failed")
			}
		}
	}
}
