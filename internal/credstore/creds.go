package credstore

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 key pair. []byte fields marshal as base64, which
// keeps the JSON document binary-safe.
type KeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// SignedKeyPair is a pre-key with its identity signature.
type SignedKeyPair struct {
	KeyPair   KeyPair `json:"keyPair"`
	Signature []byte  `json:"signature,omitempty"`
	KeyID     uint32  `json:"keyId"`
}

// Identity is the account the credentials are paired with.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	LID  string `json:"lid,omitempty"`
}

// Creds is the credential document of one tenant. Fields the protocol
// engine sends that this type does not model are kept in Extra and written
// back untouched.
type Creds struct {
	NoiseKey                *KeyPair       `json:"noiseKey,omitempty"`
	PairingEphemeralKeyPair *KeyPair       `json:"pairingEphemeralKeyPair,omitempty"`
	SignedIdentityKey       *KeyPair       `json:"signedIdentityKey,omitempty"`
	SignedPreKey            *SignedKeyPair `json:"signedPreKey,omitempty"`
	RegistrationID          uint16         `json:"registrationId"`
	AdvSecretKey            []byte         `json:"advSecretKey,omitempty"`
	NextPreKeyID            uint32         `json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID uint32         `json:"firstUnuploadedPreKeyId"`
	AccountSyncCounter      int            `json:"accountSyncCounter"`
	Me                      *Identity      `json:"me,omitempty"`
	Platform                string         `json:"platform,omitempty"`
	Registered              bool           `json:"registered"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownCredFields = []string{
	"noiseKey", "pairingEphemeralKeyPair", "signedIdentityKey", "signedPreKey",
	"registrationId", "advSecretKey", "nextPreKeyId", "firstUnuploadedPreKeyId",
	"accountSyncCounter", "me", "platform", "registered",
}

func (c *Creds) UnmarshalJSON(data []byte) error {
	type plain Creds
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownCredFields {
		delete(all, k)
	}
	c.Extra = nil
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

func (c Creds) MarshalJSON() ([]byte, error) {
	type plain Creds
	base, err := json.Marshal(plain(c))
	if err != nil || len(c.Extra) == 0 {
		return base, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Missing lists the private key fields that must be present for the
// credentials to be usable. An empty result means the document is sound.
func (c *Creds) Missing() []string {
	var missing []string
	if c.NoiseKey == nil || len(c.NoiseKey.Private) == 0 {
		missing = append(missing, "noiseKey.private")
	}
	if c.SignedIdentityKey == nil || len(c.SignedIdentityKey.Private) == 0 {
		missing = append(missing, "signedIdentityKey.private")
	}
	if c.SignedPreKey == nil || len(c.SignedPreKey.KeyPair.Private) == 0 {
		missing = append(missing, "signedPreKey.keyPair.private")
	}
	return missing
}

// Corrupt reports whether required key material is missing.
func (c *Creds) Corrupt() bool { return len(c.Missing()) > 0 }

// NewCreds generates an unpaired credential document. The protocol engine
// signs the pre-key and fills in Me during pairing.
func NewCreds() (*Creds, error) {
	noise, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	ephemeral, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	preKey, err := newKeyPair()
	if err != nil {
		return nil, err
	}

	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("credstore: registration id: %w", err)
	}
	adv := make([]byte, 32)
	if _, err := rand.Read(adv); err != nil {
		return nil, fmt.Errorf("credstore: adv secret: %w", err)
	}

	return &Creds{
		NoiseKey:                &noise,
		PairingEphemeralKeyPair: &ephemeral,
		SignedIdentityKey:       &identity,
		SignedPreKey:            &SignedKeyPair{KeyPair: preKey, KeyID: 1},
		RegistrationID:          binary.BigEndian.Uint16(buf[:]) & 0x3FFF,
		AdvSecretKey:            adv,
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}, nil
}

func newKeyPair() (KeyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return KeyPair{}, fmt.Errorf("credstore: key pair: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("credstore: key pair: %w", err)
	}
	return KeyPair{Public: public, Private: private}, nil
}
