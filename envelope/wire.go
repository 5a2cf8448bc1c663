package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/opd-ai/hyperborea/crypto"
)

// wireEnvelope is the JSON form of a SealedEnvelope. Binary fields are
// standard base64 so the envelope survives text transports unchanged.
type wireEnvelope struct {
	SenderAddress   string `json:"sender_address"`
	SenderPublicKey string `json:"sender_public_key"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	CompressionTag  string `json:"compression_tag"`
	Signature       string `json:"signature"`
}

// MarshalWire encodes the envelope into its wire JSON form.
func (env *SealedEnvelope) MarshalWire() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		SenderAddress:   env.Sender.String(),
		SenderPublicKey: base64.StdEncoding.EncodeToString(env.SenderPublicKey[:]),
		Nonce:           base64.StdEncoding.EncodeToString(env.Nonce[:]),
		Ciphertext:      base64.StdEncoding.EncodeToString(env.Ciphertext),
		CompressionTag:  env.CompressionTag,
		Signature:       base64.StdEncoding.EncodeToString(env.Signature[:]),
	})
}

// UnmarshalWire decodes an envelope from its wire JSON form, validating
// field lengths. It does not verify the signature; see Verify.
func UnmarshalWire(data []byte) (*SealedEnvelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	sender, err := crypto.AddressFromString(wire.SenderAddress)
	if err != nil {
		return nil, fmt.Errorf("malformed sender address: %w", err)
	}

	env := &SealedEnvelope{
		Sender:         sender,
		CompressionTag: wire.CompressionTag,
	}

	if err := decodeFixed(wire.SenderPublicKey, env.SenderPublicKey[:], "sender public key"); err != nil {
		return nil, err
	}
	if err := decodeFixed(wire.Nonce, env.Nonce[:], "nonce"); err != nil {
		return nil, err
	}
	if err := decodeFixed(wire.Signature, env.Signature[:], "signature"); err != nil {
		return nil, err
	}

	env.Ciphertext, err = base64.StdEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(env.Ciphertext) == 0 {
		return nil, fmt.Errorf("malformed envelope: empty ciphertext")
	}

	return env, nil
}

func decodeFixed(encoded string, dst []byte, field string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("malformed %s: %w", field, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("malformed %s: length %d, want %d", field, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
