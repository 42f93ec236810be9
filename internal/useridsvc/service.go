// Package useridsvc implements the "userid" collection operations: nonce
// issuance, nonce verification, and the single-verified-binding-per-email
// invariant.
package useridsvc

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
	basen "gopkg.in/basen.v1"

	"github.com/hockeypuck/keyserver/internal/model"
	"github.com/hockeypuck/keyserver/internal/store"
)

// nonceEncoding renders a nonce's random bytes as a short, URL-safe token
// (no '/', '+' or padding) instead of a UUID's hyphenated hex form, so the
// challenge links mailer.Send embeds stay compact.
var nonceEncoding = basen.NewEncoding("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// Service manages model.UserIdBinding documents in the store. It holds no
// in-process state beyond its collaborators.
type Service struct {
	Store store.Store
	Log   *logrus.Logger
}

func New(s store.Store, log *logrus.Logger) *Service {
	return &Service{Store: s, Log: log}
}

// BatchInput is the input to Batch: a key id and the parser's draft
// bindings (no nonce, unverified).
type BatchInput struct {
	KeyID    string
	Bindings []model.UserIdBinding
}

// Batch assigns keyId and a fresh nonce to each draft binding and persists
// them in one all-or-nothing call. Returns the enriched bindings (now
// carrying Nonce) in the same order.
func (s *Service) Batch(ctx context.Context, in BatchInput) ([]model.UserIdBinding, error) {
	enriched := make([]model.UserIdBinding, len(in.Bindings))
	docs := make([]interface{}, len(in.Bindings))
	for i, b := range in.Bindings {
		b.KeyID = in.KeyID
		b.Verified = false
		nonce, err := newNonce()
		if err != nil {
			return nil, model.InternalError(err, "generating nonce")
		}
		b.Nonce = nonce
		enriched[i] = b
		docs[i] = b
	}
	if err := s.Store.BatchInsert(ctx, store.KindUserID, docs); err != nil {
		return nil, err
	}
	return enriched, nil
}

// VerifyInput identifies the binding a challenge response targets.
type VerifyInput struct {
	KeyID string
	Nonce string
}

// Verify locates the binding by (keyId, nonce) and, if found, atomically
// marks it verified and clears its nonce. Before committing, it enforces
// the single-verified-binding-per-email invariant: any other binding
// already verified for the same email is cleared first ("newest
// verification wins").
//
// The clear-then-set pair is not a read-then-write race: clearOtherVerified
// issues a single conditional Store.Update scoped to the previous winner's
// (keyId, email, verified=true) tuple, and the final Update that marks this
// binding verified is itself conditioned on (keyId, nonce) still matching —
// so a concurrent Verify of the same nonce can win at most once.
func (s *Service) Verify(ctx context.Context, in VerifyInput) (*model.UserIdBinding, error) {
	var binding model.UserIdBinding
	if err := s.Store.Get(ctx, store.KindUserID, store.Query{"keyId": in.KeyID, "nonce": in.Nonce}, &binding); err != nil {
		return nil, err
	}

	if err := s.clearOtherVerified(ctx, binding.Email, binding.KeyID); err != nil {
		return nil, err
	}

	if err := s.Store.Update(ctx, store.KindUserID,
		store.Query{"keyId": in.KeyID, "nonce": in.Nonce},
		store.Patch{"verified": true, "nonce": nil},
	); err != nil {
		// The nonce was consumed by a concurrent Verify between our Get and
		// this Update; exactly the second caller must see NotFound.
		return nil, err
	}
	binding.Verified = true
	binding.Nonce = ""
	return &binding, nil
}

// clearOtherVerified flips verified=false on every other binding for email
// that is currently verified (at most one should exist, but a race between
// two concurrent Verify calls on different keys can transiently produce
// more than one candidate; each is cleared independently below).
//
// Each clear is a compare-and-set: Update's selector requires verified=true
// at the moment of the call, so a binding already cleared by a racing
// Verify is simply skipped — NotFound here means someone else already
// enforced the invariant, not an error.
func (s *Service) clearOtherVerified(ctx context.Context, email, keyID string) error {
	var candidates []model.UserIdBinding
	if err := s.Store.List(ctx, store.KindUserID, store.Query{"email": email, "verified": true}, &candidates); err != nil {
		return err
	}
	for _, c := range candidates {
		if c.KeyID == keyID {
			continue
		}
		err := s.Store.Update(ctx, store.KindUserID,
			store.Query{"keyId": c.KeyID, "email": email, "verified": true},
			store.Patch{"verified": false},
		)
		if err != nil && !model.Is(err, model.NotFound) {
			return err
		}
		if err != nil && s.Log != nil {
			s.Log.WithFields(logrus.Fields{"email": email, "key_id": c.KeyID}).
				Debug("previously verified binding already cleared by a racing verify")
		}
	}
	return nil
}

// GetVerifiedInput selects the first verified binding by key id (if given)
// or by the first matching email in Emails (in order).
type GetVerifiedInput struct {
	KeyID  string
	Emails []string
}

func (s *Service) GetVerified(ctx context.Context, in GetVerifiedInput) (*model.UserIdBinding, error) {
	if in.KeyID != "" {
		var b model.UserIdBinding
		err := s.Store.Get(ctx, store.KindUserID, store.Query{"keyId": in.KeyID, "verified": true}, &b)
		if err == nil {
			return &b, nil
		}
		if !model.Is(err, model.NotFound) {
			return nil, err
		}
		return nil, err
	}
	for _, email := range in.Emails {
		var b model.UserIdBinding
		err := s.Store.Get(ctx, store.KindUserID, store.Query{"email": email, "verified": true}, &b)
		if err == nil {
			return &b, nil
		}
		if !model.Is(err, model.NotFound) {
			return nil, err
		}
	}
	return nil, model.NotFoundError("no verified binding found")
}

// ListByKey returns every binding for keyID, verified or not.
func (s *Service) ListByKey(ctx context.Context, keyID string) ([]model.UserIdBinding, error) {
	var out []model.UserIdBinding
	if err := s.Store.List(ctx, store.KindUserID, store.Query{"keyId": keyID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListByEmail returns every binding across all keys for a lowercased email.
func (s *Service) ListByEmail(ctx context.Context, email string) ([]model.UserIdBinding, error) {
	var out []model.UserIdBinding
	if err := s.Store.List(ctx, store.KindUserID, store.Query{"email": email}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reissue assigns a fresh nonce to every binding for keyID and clears
// verified, used by KeyService.requestRemove.
func (s *Service) Reissue(ctx context.Context, keyID string) ([]model.UserIdBinding, error) {
	bindings, err := s.ListByKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	for i := range bindings {
		nonce, err := newNonce()
		if err != nil {
			return nil, model.InternalError(err, "generating nonce")
		}
		bindings[i].Nonce = nonce
		bindings[i].Verified = false
		if err := s.Store.Update(ctx, store.KindUserID,
			store.Query{"keyId": keyID, "email": bindings[i].Email},
			store.Patch{"nonce": nonce, "verified": false},
		); err != nil {
			return nil, err
		}
	}
	return bindings, nil
}

// Remove deletes every binding for keyID.
func (s *Service) Remove(ctx context.Context, keyID string) error {
	return s.Store.Remove(ctx, store.KindUserID, store.Query{"keyId": keyID})
}

func newNonce() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return nonceEncoding.EncodeToString(id[:]), nil
}
