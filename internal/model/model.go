// Package model holds the types shared by every collaborator in the
// key-lifecycle engine: KeyRecord, UserIdBinding and the ServiceError
// taxonomy. Nothing in here talks to a store, a parser or the network.
package model

import "time"

// Algorithm is the symbolic primary-key algorithm recorded on a KeyRecord.
type Algorithm string

const (
	AlgorithmRSA   Algorithm = "rsa"
	AlgorithmECDSA Algorithm = "ecdsa"
	AlgorithmEdDSA Algorithm = "eddsa"
	AlgorithmOther Algorithm = "other"
)

// KeyRecord is the "key" collection document.
type KeyRecord struct {
	Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
	KeyID       string    `bson:"keyId" json:"keyId"`
	Algorithm   Algorithm `bson:"algorithm" json:"algorithm"`
	KeySize     int       `bson:"keySize" json:"keySize"`
	// Created is the certificate's own primary-key creation time, taken
	// from the OpenPGP packet itself — it says nothing about when this
	// server first saw the key.
	Created time.Time `bson:"created" json:"created"`
	// Submitted is when this server accepted the submission. Purge aging
	// is computed from this field, never from Created: a key whose
	// cryptographic creation time is years old but was submitted a moment
	// ago must not be immediately purge-eligible.
	Submitted time.Time `bson:"submitted" json:"submitted"`
	Armored   string    `bson:"armored" json:"publicKeyArmored"`
}

// UserIdBinding is the "userid" collection document.
type UserIdBinding struct {
	KeyID    string `bson:"keyId" json:"-"`
	Email    string `bson:"email" json:"email"`
	Name     string `bson:"name" json:"name"`
	Nonce    string `bson:"nonce,omitempty" json:"-"`
	Verified bool   `bson:"verified" json:"verified"`
}

// KeyView is the shape returned by KeyService.Get and serialized over the
// REST surface.
type KeyView struct {
	KeyID       string          `json:"keyId"`
	Fingerprint string          `json:"fingerprint"`
	UserIds     []UserIdBinding `json:"userIds"`
	Created     time.Time       `json:"created"`
	Algorithm   Algorithm       `json:"algorithm"`
	KeySize     int             `json:"keySize"`
	Armored     string          `json:"publicKeyArmored"`
}
