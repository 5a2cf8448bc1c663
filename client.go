package hyperborea

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperborea/crypto"
	"github.com/opd-ai/hyperborea/envelope"
	"github.com/opd-ai/hyperborea/transport"
)

// ErrNotConnected is returned by remote client operations that require a
// prior successful Connect.
var ErrNotConnected = errors.New("hyperborea: remote client is not connected")

// RemoteClient is a thin client: it holds its own key pair but no routing
// table or inbox, and talks to one hosting server over the transport.
// Messages addressed to it accumulate in the server's inbox until polled.
type RemoteClient struct {
	keyPair  *crypto.KeyPair
	trans    transport.Transport
	endpoint string

	serverKey [32]byte
	connected bool
}

// NewRemoteClient creates a remote client for the server at endpoint. The
// client is unusable until Connect succeeds.
func NewRemoteClient(keyPair *crypto.KeyPair, trans transport.Transport, endpoint string) (*RemoteClient, error) {
	if keyPair == nil {
		return nil, errors.New("hyperborea: remote client requires a key pair")
	}
	if trans == nil {
		return nil, errors.New("hyperborea: remote client requires a transport")
	}
	if endpoint == "" {
		return nil, errors.New("hyperborea: remote client requires a server endpoint")
	}
	return &RemoteClient{keyPair: keyPair, trans: trans, endpoint: endpoint}, nil
}

// Address returns the client's own address.
func (c *RemoteClient) Address() crypto.Address {
	return c.keyPair.Address()
}

// Connect learns the server's identity and registers the client with it.
// The registration certificate binds the client key to this specific
// server, so a relayed certificate is useless elsewhere.
func (c *RemoteClient) Connect(ctx context.Context) error {
	req, err := transport.NewRequest(transport.KindInfo, nil)
	if err != nil {
		return err
	}
	resp, err := c.trans.RoundTrip(ctx, c.endpoint, req)
	if err != nil {
		return fmt.Errorf("hyperborea: server info: %w", err)
	}

	var info transport.InfoResponse
	if err := resp.DecodeBody(&info); err != nil {
		return fmt.Errorf("hyperborea: server info: %w", err)
	}
	record, err := info.Server.Record()
	if err != nil {
		return fmt.Errorf("hyperborea: server info: %w", err)
	}

	certificate, err := crypto.Sign(transport.ConnectSigningInput(record.PublicKey), c.keyPair.Private)
	if err != nil {
		return err
	}

	req, err = transport.NewRequest(transport.KindConnect, transport.ConnectRequest{
		PublicKey:   encodeKey(c.keyPair.Public),
		Certificate: encodeSignature(certificate),
	})
	if err != nil {
		return err
	}
	resp, err = c.trans.RoundTrip(ctx, c.endpoint, req)
	if err != nil {
		return fmt.Errorf("hyperborea: connect: %w", err)
	}
	if err := resp.DecodeBody(nil); err != nil {
		return fmt.Errorf("hyperborea: connect: %w", err)
	}

	c.serverKey = record.PublicKey
	c.connected = true

	logrus.WithFields(logrus.Fields{
		"client": c.Address().String()[:16],
		"server": record.Address.String()[:16],
	}).Info("Remote client connected")

	return nil
}

// Disconnect deregisters the client from its server.
func (c *RemoteClient) Disconnect(ctx context.Context) error {
	if !c.connected {
		return ErrNotConnected
	}

	certificate, err := crypto.Sign(transport.DisconnectSigningInput(c.serverKey), c.keyPair.Private)
	if err != nil {
		return err
	}

	req, err := transport.NewRequest(transport.KindDisconnect, transport.DisconnectRequest{
		PublicKey:   encodeKey(c.keyPair.Public),
		Certificate: encodeSignature(certificate),
	})
	if err != nil {
		return err
	}
	resp, err := c.trans.RoundTrip(ctx, c.endpoint, req)
	if err != nil {
		return fmt.Errorf("hyperborea: disconnect: %w", err)
	}
	if err := resp.DecodeBody(nil); err != nil {
		return fmt.Errorf("hyperborea: disconnect: %w", err)
	}

	c.connected = false
	return nil
}

// Send seals payload for the recipient and hands it to the client's
// server, which forwards it to the recipient's inbox if the recipient is
// hosted there. The recipient's public key must be known to the caller,
// typically from a previously opened message or an out-of-band exchange.
func (c *RemoteClient) Send(ctx context.Context, recipientKey [32]byte, channel string, payload []byte) (uint64, error) {
	if !c.connected {
		return 0, ErrNotConnected
	}
	if channel == "" {
		channel = DefaultChannel
	}

	env, err := envelope.Seal(c.keyPair, recipientKey, payload)
	if err != nil {
		return 0, err
	}
	wire, err := env.MarshalWire()
	if err != nil {
		return 0, err
	}

	req, err := transport.NewRequest(transport.KindSend, transport.SendRequest{
		Recipient: crypto.AddressOf(recipientKey).String(),
		Channel:   channel,
		Envelope:  wire,
	})
	if err != nil {
		return 0, err
	}
	resp, err := c.trans.RoundTrip(ctx, c.endpoint, req)
	if err != nil {
		return 0, fmt.Errorf("hyperborea: send: %w", err)
	}

	var acked transport.SendResponse
	if err := resp.DecodeBody(&acked); err != nil {
		return 0, fmt.Errorf("hyperborea: send: %w", err)
	}
	return acked.Sequence, nil
}

// Poll fetches up to max pending messages from the server, opens them,
// and returns the deliveries plus the count of entries remaining beyond
// them. Entries stay queued until acknowledged. Envelopes that fail to
// open are skipped and reported, not returned.
func (c *RemoteClient) Poll(ctx context.Context, channel string, max int) ([]Delivery, int, error) {
	if !c.connected {
		return nil, 0, ErrNotConnected
	}
	if channel == "" {
		channel = DefaultChannel
	}

	nonce, err := requestNonce()
	if err != nil {
		return nil, 0, err
	}
	signature, err := crypto.Sign(transport.PollSigningInput(c.Address(), channel, nonce), c.keyPair.Private)
	if err != nil {
		return nil, 0, err
	}

	req, err := transport.NewRequest(transport.KindPoll, transport.PollRequest{
		Recipient: c.Address().String(),
		Channel:   channel,
		Limit:     max,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Signature: encodeSignature(signature),
	})
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.trans.RoundTrip(ctx, c.endpoint, req)
	if err != nil {
		return nil, 0, fmt.Errorf("hyperborea: poll: %w", err)
	}

	var result transport.PollResponse
	if err := resp.DecodeBody(&result); err != nil {
		return nil, 0, fmt.Errorf("hyperborea: poll: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Entries))
	for _, entry := range result.Entries {
		env, err := envelope.UnmarshalWire(entry.Envelope)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"sequence": entry.Sequence,
				"error":    err.Error(),
			}).Warn("Discarding malformed polled envelope")
			continue
		}
		payload, err := envelope.Open(c.keyPair, env)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"sequence": entry.Sequence,
				"error":    err.Error(),
			}).Warn("Discarding polled envelope that failed to open")
			continue
		}

		deliveries = append(deliveries, Delivery{
			Payload:    payload,
			Sender:     env.Sender,
			Sequence:   entry.Sequence,
			ReceivedAt: unixNano(entry.ReceivedAt),
		})
	}

	return deliveries, result.Remaining, nil
}

// Acknowledge removes the client's queued entries with sequence numbers
// at or below upTo from the server's inbox.
func (c *RemoteClient) Acknowledge(ctx context.Context, channel string, upTo uint64) (int, error) {
	if !c.connected {
		return 0, ErrNotConnected
	}
	if channel == "" {
		channel = DefaultChannel
	}

	nonce, err := requestNonce()
	if err != nil {
		return 0, err
	}
	signature, err := crypto.Sign(transport.AckSigningInput(c.Address(), channel, upTo, nonce), c.keyPair.Private)
	if err != nil {
		return 0, err
	}

	req, err := transport.NewRequest(transport.KindAck, transport.AckRequest{
		Recipient: c.Address().String(),
		Channel:   channel,
		UpTo:      upTo,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Signature: encodeSignature(signature),
	})
	if err != nil {
		return 0, err
	}
	resp, err := c.trans.RoundTrip(ctx, c.endpoint, req)
	if err != nil {
		return 0, fmt.Errorf("hyperborea: ack: %w", err)
	}

	var result transport.AckResponse
	if err := resp.DecodeBody(&result); err != nil {
		return 0, fmt.Errorf("hyperborea: ack: %w", err)
	}
	return result.Removed, nil
}

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns)
}

func requestNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("hyperborea: nonce generation failed: %w", err)
	}
	return nonce, nil
}
