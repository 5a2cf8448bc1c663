package hyperborea

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hyperborea/config"
	"github.com/opd-ai/hyperborea/crypto"
	"github.com/opd-ai/hyperborea/envelope"
	"github.com/opd-ai/hyperborea/transport"
	"github.com/opd-ai/hyperborea/traversal"
)

func seedFor(n *Node, endpoint string) config.Seed {
	return config.Seed{
		PublicKey: base64.StdEncoding.EncodeToString(n.keyPair.Public[:]),
		Endpoint:  endpoint,
	}
}

func newTestNode(t *testing.T, loop *transport.Loopback, endpoint string, seeds ...config.Seed) *Node {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	cfg := config.Default(endpoint, t.TempDir())
	cfg.Seeds = seeds

	node, err := New(Options{KeyPair: keys, Config: cfg, Transport: loop})
	require.NoError(t, err)
	t.Cleanup(func() {
		loop.Drop(endpoint)
		node.Close()
	})
	return node
}

// Three servers in a chain: the sender's node only knows s2, s2 knows s1,
// and s1 hosts the recipient. Delivery requires a depth-two traversal.
func TestEndToEndDelivery(t *testing.T) {
	loop := transport.NewLoopback()
	ctx := context.Background()

	s1 := newTestNode(t, loop, "loop://s1")
	s2 := newTestNode(t, loop, "loop://s2", seedFor(s1, "loop://s1"))
	sender := newTestNode(t, loop, "loop://sender", seedFor(s2, "loop://s2"))

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, s1.RegisterClient(ctx, alice, s1.Address()))

	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, sender.SendMessage(ctx, bob, alice.Address(), "", []byte("hello alice")))

	deliveries, remaining, err := s1.PollInbox(alice, "", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, []byte("hello alice"), deliveries[0].Payload)
	assert.Equal(t, bob.Address(), deliveries[0].Sender)
	assert.Equal(t, uint64(1), deliveries[0].Sequence)

	// The traversal result is cached, so a second send resolves locally.
	record, err := sender.RoutingTable().LookupClient(alice.Address())
	require.NoError(t, err)
	assert.Equal(t, s1.Address(), record.Server.Address)

	require.NoError(t, sender.SendMessage(ctx, bob, alice.Address(), "", []byte("again")))

	deliveries, _, err = s1.PollInbox(alice, "", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	removed, err := s1.Acknowledge(alice.Address(), "", deliveries[1].Sequence)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	deliveries, _, err = s1.PollInbox(alice, "", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestSendToUnknownClient(t *testing.T) {
	loop := transport.NewLoopback()
	node := newTestNode(t, loop, "loop://lonely")

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	stranger, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	err = node.SendMessage(context.Background(), sender, stranger.Address(), "", []byte("anyone?"))
	assert.ErrorIs(t, err, traversal.ErrClientNotFound)
}

func TestRegisterClientOnRemoteServer(t *testing.T) {
	loop := transport.NewLoopback()
	ctx := context.Background()

	host := newTestNode(t, loop, "loop://host")
	other := newTestNode(t, loop, "loop://other", seedFor(host, "loop://host"))

	client, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, other.RegisterClient(ctx, client, host.Address()))

	record, err := host.RoutingTable().LookupClient(client.Address())
	require.NoError(t, err)
	assert.Equal(t, host.Address(), record.Server.Address)

	require.NoError(t, other.UnregisterClient(ctx, client, host.Address()))
	_, err = host.RoutingTable().LookupClient(client.Address())
	assert.Error(t, err)
}

func TestRemoteClientLifecycle(t *testing.T) {
	loop := transport.NewLoopback()
	ctx := context.Background()

	server := newTestNode(t, loop, "loop://server")

	carolKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	carol, err := NewRemoteClient(carolKeys, loop, "loop://server")
	require.NoError(t, err)

	// Operations before Connect fail.
	_, _, err = carol.Poll(ctx, "", 10)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, carol.Connect(ctx))

	record, err := server.RoutingTable().LookupClient(carol.Address())
	require.NoError(t, err)
	assert.Equal(t, server.Address(), record.Server.Address)

	// Another hosted client messages carol through the server.
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, server.RegisterClient(ctx, alice, server.Address()))
	require.NoError(t, server.SendMessage(ctx, alice, carol.Address(), "", []byte("hi carol")))

	deliveries, remaining, err := carol.Poll(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, []byte("hi carol"), deliveries[0].Payload)
	assert.Equal(t, alice.Address(), deliveries[0].Sender)

	// Unacknowledged entries are redelivered.
	again, _, err := carol.Poll(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, deliveries[0].Sequence, again[0].Sequence)

	removed, err := carol.Acknowledge(ctx, "", deliveries[0].Sequence)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	empty, _, err := carol.Poll(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	// Carol replies to alice through her server.
	seq, err := carol.Send(ctx, alice.Public, "", []byte("hi alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	back, _, err := server.PollInbox(alice, "", 10)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, []byte("hi alice"), back[0].Payload)
	assert.Equal(t, carol.Address(), back[0].Sender)

	require.NoError(t, carol.Disconnect(ctx))
	_, err = server.RoutingTable().LookupClient(carol.Address())
	assert.Error(t, err)
}

func TestPollRequiresRecipientSignature(t *testing.T) {
	loop := transport.NewLoopback()
	ctx := context.Background()

	server := newTestNode(t, loop, "loop://poll-auth")

	victim, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, server.RegisterClient(ctx, victim, server.Address()))

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, server.SendMessage(ctx, sender, victim.Address(), "", []byte("secret")))

	// An attacker with their own key signs a poll for the victim's queue.
	attacker, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	nonce := []byte("0123456789abcdef")
	signature, err := crypto.Sign(transport.PollSigningInput(victim.Address(), DefaultChannel, nonce), attacker.Private)
	require.NoError(t, err)

	req, err := transport.NewRequest(transport.KindPoll, transport.PollRequest{
		Recipient: victim.Address().String(),
		Channel:   DefaultChannel,
		Limit:     10,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Signature: encodeSignature(signature),
	})
	require.NoError(t, err)

	resp, err := loop.RoundTrip(ctx, "loop://poll-auth", req)
	require.NoError(t, err)
	assert.Error(t, resp.DecodeBody(nil))
}

func TestSendRejectsForgedEnvelope(t *testing.T) {
	loop := transport.NewLoopback()
	ctx := context.Background()

	server := newTestNode(t, loop, "loop://forge")

	victim, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, server.RegisterClient(ctx, victim, server.Address()))

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	env, err := envelope.Seal(sender, victim.Public, []byte("payload"))
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0x01

	wire, err := env.MarshalWire()
	require.NoError(t, err)

	req, err := transport.NewRequest(transport.KindSend, transport.SendRequest{
		Recipient: victim.Address().String(),
		Channel:   DefaultChannel,
		Envelope:  wire,
	})
	require.NoError(t, err)

	resp, err := loop.RoundTrip(ctx, "loop://forge", req)
	require.NoError(t, err)
	assert.Error(t, resp.DecodeBody(nil))

	deliveries, _, err := server.PollInbox(victim, "", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestLookupAdvertisesOnlyHostedClients(t *testing.T) {
	loop := transport.NewLoopback()
	ctx := context.Background()

	host := newTestNode(t, loop, "loop://direct")
	cacher := newTestNode(t, loop, "loop://cacher", seedFor(host, "loop://direct"))

	client, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, host.RegisterClient(ctx, client, host.Address()))

	// Populate cacher's table with the remote registration.
	require.NoError(t, cacher.RegisterClient(ctx, client, host.Address()))

	req, err := transport.NewRequest(transport.KindLookup, transport.LookupRequest{
		Target: client.Address().String(),
	})
	require.NoError(t, err)

	resp, err := loop.RoundTrip(ctx, "loop://cacher", req)
	require.NoError(t, err)
	var cached transport.LookupResponse
	require.NoError(t, resp.DecodeBody(&cached))
	assert.False(t, cached.Found, "cached knowledge must not be advertised as hosting")

	resp, err = loop.RoundTrip(ctx, "loop://direct", req)
	require.NoError(t, err)
	var direct transport.LookupResponse
	require.NoError(t, resp.DecodeBody(&direct))
	require.True(t, direct.Found)
	assert.Equal(t, client.Address().String(), direct.Client.Address)
}

func TestChannelsAreIndependent(t *testing.T) {
	loop := transport.NewLoopback()
	ctx := context.Background()

	server := newTestNode(t, loop, "loop://channels")

	user, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, server.RegisterClient(ctx, user, server.Address()))

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, server.SendMessage(ctx, sender, user.Address(), "chat", []byte("on chat")))
	require.NoError(t, server.SendMessage(ctx, sender, user.Address(), "", []byte("on default")))

	chat, _, err := server.PollInbox(user, "chat", 10)
	require.NoError(t, err)
	require.Len(t, chat, 1)
	assert.Equal(t, []byte("on chat"), chat[0].Payload)

	def, _, err := server.PollInbox(user, "", 10)
	require.NoError(t, err)
	require.Len(t, def, 1)
	assert.Equal(t, []byte("on default"), def[0].Payload)
}

func TestNewValidatesOptions(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cfg := config.Default("loop://x", t.TempDir())

	_, err = New(Options{Config: cfg, Transport: transport.NewLoopback()})
	assert.Error(t, err)

	_, err = New(Options{KeyPair: keys, Transport: transport.NewLoopback()})
	assert.Error(t, err)

	_, err = New(Options{KeyPair: keys, Config: cfg})
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	loop := transport.NewLoopback()
	node := newTestNode(t, loop, "loop://close")

	done := make(chan struct{})
	go func() {
		node.Close()
		node.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
