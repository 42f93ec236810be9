// Package parser turns an ASCII-armored OpenPGP certificate into a
// model.KeyRecord draft plus its model.UserIdBinding drafts.
//
// It does not verify self-signatures cryptographically as a hard
// requirement: a binding whose self-signature the underlying library could
// not validate is still accepted as "unverified", since control of the
// email address is proven out-of-band by the challenge/confirm protocol,
// not by the signature.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/hockeypuck/keyserver/internal/model"
)

// MinRSABits is the policy minimum primary-key size for RSA certificates.
// ECC keys are accepted regardless of curve size.
const MinRSABits = 2048

// Result is the parser's output: a KeyRecord draft (Armored set, everything
// else populated) plus the UserIdBinding drafts, in the order extractUserIds
// yields them.
// Bindings carry no Nonce and are never Verified at this stage.
type Result struct {
	Key      model.KeyRecord
	Bindings []model.UserIdBinding
}

// Parse parses a single armored OpenPGP public certificate. It rejects
// input with zero or multiple primary keys, no user IDs, non-armored input,
// or a primary key below the policy minimum size.
func Parse(armored string) (*Result, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return nil, model.Wrap(model.InvalidArmor, err, "not an armored OpenPGP block")
	}
	if block.Type != openpgp.PublicKeyType {
		return nil, model.New(model.InvalidArmor, "armored block is not a public key")
	}

	entities, err := openpgp.ReadKeyRing(packet.NewReader(block.Body))
	if err != nil {
		return nil, model.Wrap(model.InvalidCertificate, err, "could not parse certificate")
	}
	if len(entities) == 0 {
		return nil, model.New(model.InvalidCertificate, "no primary key found")
	}
	if len(entities) > 1 {
		return nil, model.New(model.InvalidCertificate, "armored block contains multiple primary keys")
	}
	entity := entities[0]
	if entity.PrimaryKey == nil {
		return nil, model.New(model.InvalidCertificate, "entity has no primary key packet")
	}

	if err := checkKeySize(entity.PrimaryKey); err != nil {
		return nil, err
	}

	bindings, err := extractUserIds(entity)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, model.New(model.NoUserIds, "certificate has no usable user ids")
	}

	fingerprint := strings.ToUpper(fmt.Sprintf("%x", entity.PrimaryKey.Fingerprint))
	keyID := fingerprint[len(fingerprint)-16:]

	rec := model.KeyRecord{
		Fingerprint: fingerprint,
		KeyID:       keyID,
		Algorithm:   algorithmOf(entity.PrimaryKey),
		KeySize:     keySizeOf(entity.PrimaryKey),
		Created:     entity.PrimaryKey.CreationTime.UTC(),
		Armored:     armored,
	}
	for i := range bindings {
		bindings[i].KeyID = keyID
	}

	return &Result{Key: rec, Bindings: bindings}, nil
}

func checkKeySize(pk *packet.PublicKey) error {
	switch pk.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly, packet.PubKeyAlgoRSAEncryptOnly:
		bits := keySizeOf(pk)
		if bits < MinRSABits {
			return model.New(model.KeyTooShort, "RSA key size %d below policy minimum %d", bits, MinRSABits)
		}
	}
	return nil
}

func algorithmOf(pk *packet.PublicKey) model.Algorithm {
	switch pk.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly, packet.PubKeyAlgoRSAEncryptOnly:
		return model.AlgorithmRSA
	case packet.PubKeyAlgoECDSA:
		return model.AlgorithmECDSA
	case packet.PubKeyAlgoEdDSA:
		return model.AlgorithmEdDSA
	default:
		return model.AlgorithmOther
	}
}

func keySizeOf(pk *packet.PublicKey) int {
	bl, err := pk.BitLength()
	if err != nil {
		return 0
	}
	return int(bl)
}

// extractUserIds splits each user-ID packet's free-text field into a
// display name and an addr-spec email. A user ID with no `<...>` email is
// rejected (not fatal to the whole certificate, just to that binding).
// Emails are lowercased and deduplicated. Identities are visited in the
// iteration order of entity.Identities, a map, so the order of the returned
// bindings, and which of two user IDs sharing an email is kept, is not
// defined.
func extractUserIds(entity *openpgp.Entity) ([]model.UserIdBinding, error) {
	seen := make(map[string]bool)
	var out []model.UserIdBinding
	for _, uid := range entity.Identities {
		name, email, ok := splitUserId(uid.UserId.Id)
		if !ok {
			continue
		}
		email = strings.ToLower(email)
		if seen[email] {
			continue
		}
		seen[email] = true

		out = append(out, model.UserIdBinding{
			Email:    email,
			Name:     name,
			Verified: false,
		})
	}
	return out, nil
}

// splitUserId splits a raw OpenPGP user-ID string ("Alice <a@x.test>") into
// display name and addr-spec. Returns ok=false when no bracketed email is
// present.
func splitUserId(raw string) (name, email string, ok bool) {
	start := strings.LastIndex(raw, "<")
	end := strings.LastIndex(raw, ">")
	if start < 0 || end <= start {
		return "", "", false
	}
	email = strings.TrimSpace(raw[start+1 : end])
	if !strings.Contains(email, "@") {
		return "", "", false
	}
	name = strings.TrimSpace(raw[:start])
	return name, email, true
}

// Armor re-encodes an entity list to ASCII armor. Exposed for tests that
// need to synthesize fixtures; production code paths never re-serialize a
// submitted certificate.
func Armor(entities openpgp.EntityList) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	for _, e := range entities {
		if err := e.Serialize(w); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
