// Package keysvc implements KeyService, the orchestrator for a key's full
// lifecycle: submit, verify, get, requestRemove, verifyRemove. It holds no
// state of its own — every fact lives in the store — and coordinates
// Parser, Store, UserIdService and Mailer.
package keysvc

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	airbrake "github.com/tobi/airbrake-go"

	"github.com/hockeypuck/keyserver/internal/mailer"
	"github.com/hockeypuck/keyserver/internal/model"
	"github.com/hockeypuck/keyserver/internal/parser"
	"github.com/hockeypuck/keyserver/internal/store"
	"github.com/hockeypuck/keyserver/internal/useridsvc"
)

// ConfigureAirbrake enables a third, independent error-reporting channel
// dedicated to compensation failures: the rare case where an orchestration
// step's own rollback fails, leaving the two collections transiently
// inconsistent. HTTP-path errors already go to Bugsnag (internal/httpapi)
// and the purge worker's own failures go to Sentry (internal/worker); these
// are KeyService's internal repair failures, reported regardless of which
// surface triggered the orchestration. An empty apiKey leaves this a no-op.
func ConfigureAirbrake(apiKey, environment string) {
	airbrake.ApiKey = apiKey
	airbrake.Environment = environment
}

func reportCompensationFailure(err error) {
	if airbrake.ApiKey == "" {
		return
	}
	airbrake.Notify(err)
}

// UserIDs is the subset of useridsvc.Service KeyService depends on,
// narrowed to an interface so tests can substitute a fake without standing
// up a real store.
type UserIDs interface {
	Batch(ctx context.Context, in useridsvc.BatchInput) ([]model.UserIdBinding, error)
	Verify(ctx context.Context, in useridsvc.VerifyInput) (*model.UserIdBinding, error)
	GetVerified(ctx context.Context, in useridsvc.GetVerifiedInput) (*model.UserIdBinding, error)
	ListByKey(ctx context.Context, keyID string) ([]model.UserIdBinding, error)
	ListByEmail(ctx context.Context, email string) ([]model.UserIdBinding, error)
	Reissue(ctx context.Context, keyID string) ([]model.UserIdBinding, error)
	Remove(ctx context.Context, keyID string) error
}

// Mailer is the subset of mailer.Mailer KeyService depends on.
type Mailer interface {
	Send(msg mailer.Message) error
}

// Service is the KeyService orchestrator.
type Service struct {
	Store   store.Store
	UserIDs UserIDs
	Mailer  Mailer
	Log     *logrus.Logger
}

func New(s store.Store, u UserIDs, m Mailer, log *logrus.Logger) *Service {
	return &Service{Store: s, UserIDs: u, Mailer: m, Log: log}
}

// SubmitInput is the input to Submit.
type SubmitInput struct {
	Armored string
	Origin  string
	Locale  string
}

// SubmitResult reports how many verification emails were actually sent, so
// adapters can distinguish "accepted" from "accepted but degraded".
type SubmitResult struct {
	KeyID       string
	Sent        int
	Attempted   int
	Resubmitted bool
}

// Submit parses armored, replaces or rejects any existing record for the
// same key id, persists the new record and its bindings, and emails one
// challenge per user id.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	draft, err := parser.Parse(in.Armored)
	if err != nil {
		return nil, err
	}
	return s.submitDraft(ctx, draft, in.Origin, in.Locale)
}

// submitDraft is Submit's logic below the parse step, split out so it can
// be exercised directly with a synthetic parser.Result in tests that don't
// need a real armored certificate.
func (s *Service) submitDraft(ctx context.Context, draft *parser.Result, origin, locale string) (*SubmitResult, error) {
	resubmitted, err := s.replaceIfPending(ctx, draft.Key.KeyID)
	if err != nil {
		return nil, err
	}

	draft.Key.Submitted = time.Now().UTC()
	if err := s.Store.Insert(ctx, store.KindKey, draft.Key); err != nil {
		return nil, err
	}

	bindings, err := s.UserIDs.Batch(ctx, useridsvc.BatchInput{KeyID: draft.Key.KeyID, Bindings: draft.Bindings})
	if err != nil {
		// compensate: the key record must not outlive its bindings
		s.compensate(ctx, draft.Key.KeyID)
		return nil, err
	}

	sent := s.dispatchChallenges(ctx, mailer.TemplateVerifyKey, draft.Key.KeyID, origin, locale, bindings)
	if sent == 0 {
		s.compensate(ctx, draft.Key.KeyID)
		if err := s.UserIDs.Remove(ctx, draft.Key.KeyID); err != nil {
			if s.Log != nil {
				s.Log.WithError(err).WithField("key_id", draft.Key.KeyID).Error("compensating userid removal failed")
			}
			reportCompensationFailure(err)
		}
		return nil, model.MailerFailureError(nil, "no verification email could be sent for key %s", draft.Key.KeyID)
	}

	return &SubmitResult{KeyID: draft.Key.KeyID, Sent: sent, Attempted: len(bindings), Resubmitted: resubmitted}, nil
}

// replaceIfPending: if a record with the same key id already exists and
// has a verified binding, reject with AlreadyExists; otherwise delete it
// (and its bindings) and let Submit proceed to insert the new one.
func (s *Service) replaceIfPending(ctx context.Context, keyID string) (replaced bool, err error) {
	var existing model.KeyRecord
	err = s.Store.Get(ctx, store.KindKey, store.Query{"keyId": keyID}, &existing)
	if model.Is(err, model.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, verr := s.UserIDs.GetVerified(ctx, useridsvc.GetVerifiedInput{KeyID: keyID})
	if verr == nil {
		return false, model.AlreadyExistsError("key %s is already published; resubmission is not a verification trigger", keyID)
	}
	if !model.Is(verr, model.NotFound) {
		return false, verr
	}

	s.compensate(ctx, keyID)
	if err := s.UserIDs.Remove(ctx, keyID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) compensate(ctx context.Context, keyID string) {
	if err := s.Store.Remove(ctx, store.KindKey, store.Query{"keyId": keyID}); err != nil {
		if s.Log != nil {
			s.Log.WithError(err).WithField("key_id", keyID).Error("compensating key removal failed")
		}
		reportCompensationFailure(err)
	}
}

// dispatchChallenges sends one email per binding and returns the count of
// successful sends. Per-recipient failures are logged, not fatal.
func (s *Service) dispatchChallenges(ctx context.Context, tmpl, keyID, origin, locale string, bindings []model.UserIdBinding) int {
	sent := 0
	for _, b := range bindings {
		err := s.Mailer.Send(mailer.Message{
			Template:  tmpl,
			Locale:    locale,
			Email:     b.Email,
			KeyID:     keyID,
			Nonce:     b.Nonce,
			OriginURL: origin,
		})
		if err != nil {
			if s.Log != nil {
				s.Log.WithError(err).WithFields(logrus.Fields{"key_id": keyID, "email": b.Email}).
					Warn("challenge email failed to send")
			}
			continue
		}
		sent++
	}
	return sent
}

// VerifyInput identifies a submission challenge response.
type VerifyInput struct {
	KeyID string
	Nonce string
}

// Verify confirms a pending binding. The key becomes publicly visible
// (I4) the moment its first binding is verified — there is nothing further
// for KeyService to do here since visibility is computed at read time from
// the bindings' own verified flags.
func (s *Service) Verify(ctx context.Context, in VerifyInput) (*model.UserIdBinding, error) {
	return s.UserIDs.Verify(ctx, useridsvc.VerifyInput{KeyID: in.KeyID, Nonce: in.Nonce})
}

// RequestRemoveInput selects the target(s) of a removal request by key id
// or by email.
type RequestRemoveInput struct {
	KeyID  string
	Email  string
	Origin string
	Locale string
}

// RequestRemove reissues a fresh nonce for every targeted binding, flips it
// to unverified (so it stops being publicly visible immediately, per I4),
// and emails a removal challenge for each.
func (s *Service) RequestRemove(ctx context.Context, in RequestRemoveInput) error {
	var keyIDs []string
	switch {
	case in.KeyID != "":
		keyIDs = []string{in.KeyID}
	case in.Email != "":
		bindings, err := s.UserIDs.ListByEmail(ctx, in.Email)
		if err != nil {
			return err
		}
		if len(bindings) == 0 {
			return model.NotFoundError("no binding for email %s", in.Email)
		}
		seen := make(map[string]bool)
		for _, b := range bindings {
			if !seen[b.KeyID] {
				seen[b.KeyID] = true
				keyIDs = append(keyIDs, b.KeyID)
			}
		}
	default:
		return model.New(model.MalformedQuery, "requestRemove requires keyId or email")
	}

	found := false
	for _, keyID := range keyIDs {
		reissued, err := s.UserIDs.Reissue(ctx, keyID)
		if err != nil {
			if model.Is(err, model.NotFound) {
				continue
			}
			return err
		}
		if len(reissued) == 0 {
			continue
		}
		found = true
		s.dispatchChallenges(ctx, mailer.TemplateVerifyRemove, keyID, in.Origin, in.Locale, reissued)
	}
	if !found {
		return model.NotFoundError("no binding found for removal request")
	}
	return nil
}

// VerifyRemoveInput identifies a removal challenge response.
type VerifyRemoveInput struct {
	KeyID string
	Nonce string
}

// VerifyRemove confirms a removal challenge and deletes the entire
// KeyRecord plus all of its bindings.
func (s *Service) VerifyRemove(ctx context.Context, in VerifyRemoveInput) error {
	var binding model.UserIdBinding
	if err := s.Store.Get(ctx, store.KindUserID, store.Query{"keyId": in.KeyID, "nonce": in.Nonce}, &binding); err != nil {
		return err
	}
	if err := s.UserIDs.Remove(ctx, in.KeyID); err != nil {
		return err
	}
	return s.Store.Remove(ctx, store.KindKey, store.Query{"keyId": in.KeyID})
}

// GetInput selects a KeyRecord to look up, subject to I4 (only returned if
// at least one binding is verified).
type GetInput struct {
	KeyID       string
	Fingerprint string
	Email       string
}

// Get resolves a lookup by fingerprint, key id or email (in that priority
// order) and returns the armored certificate verbatim. NotFound covers
// both "no such key" and "key exists but has no verified binding" —
// pending keys are not queryable.
func (s *Service) Get(ctx context.Context, in GetInput) (*model.KeyView, error) {
	var rec model.KeyRecord
	var keyID string

	switch {
	case in.Fingerprint != "":
		if err := s.Store.Get(ctx, store.KindKey, store.Query{"fingerprint": in.Fingerprint}, &rec); err != nil {
			return nil, err
		}
		keyID = rec.KeyID
	case in.KeyID != "":
		keyID = in.KeyID
		if err := s.Store.Get(ctx, store.KindKey, store.Query{"keyId": keyID}, &rec); err != nil {
			return nil, err
		}
	case in.Email != "":
		binding, err := s.UserIDs.GetVerified(ctx, useridsvc.GetVerifiedInput{Emails: []string{in.Email}})
		if err != nil {
			return nil, err
		}
		keyID = binding.KeyID
		if err := s.Store.Get(ctx, store.KindKey, store.Query{"keyId": keyID}, &rec); err != nil {
			return nil, err
		}
	default:
		return nil, model.New(model.MalformedQuery, "get requires keyId, fingerprint or email")
	}

	bindings, err := s.UserIDs.ListByKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	// Only verified user ids are ever shown to the public: a key with zero
	// verified bindings is NotFound below, and a key with some verified and
	// some still-pending bindings only exposes the former.
	var visible []model.UserIdBinding
	for _, b := range bindings {
		if b.Verified {
			visible = append(visible, b)
		}
	}
	if len(visible) == 0 {
		return nil, model.NotFoundError("key %s has no verified user id", keyID)
	}

	return &model.KeyView{
		KeyID:       rec.KeyID,
		Fingerprint: rec.Fingerprint,
		UserIds:     visible,
		Created:     rec.Created,
		Algorithm:   rec.Algorithm,
		KeySize:     rec.KeySize,
		Armored:     rec.Armored,
	}, nil
}

// PurgeUnverified deletes every KeyRecord with zero verified bindings whose
// submission predates olderThan. It deletes the bindings and then the key
// record through the same helpers Submit's compensation uses
// (UserIDs.Remove, compensate); a failed key removal is logged and
// reported, not returned. This backs the optional
// worker.PurgeWorker; it is operational housekeeping, not a core
// lifecycle operation.
func (s *Service) PurgeUnverified(ctx context.Context, olderThan time.Time) (int, error) {
	var candidates []model.KeyRecord
	if err := s.Store.List(ctx, store.KindKey, store.Query{}, &candidates); err != nil {
		return 0, err
	}
	purged := 0
	for _, rec := range candidates {
		// Age off Submitted (when this server ingested the record), never
		// Created (the certificate's own PGP creation time): a key that is
		// cryptographically old but was submitted moments ago must not be
		// immediately purge-eligible.
		if !rec.Submitted.Before(olderThan) {
			continue
		}
		_, err := s.UserIDs.GetVerified(ctx, useridsvc.GetVerifiedInput{KeyID: rec.KeyID})
		if err == nil {
			continue // has a verified binding, not eligible
		}
		if !model.Is(err, model.NotFound) {
			return purged, err
		}
		if err := s.UserIDs.Remove(ctx, rec.KeyID); err != nil {
			return purged, err
		}
		s.compensate(ctx, rec.KeyID)
		purged++
	}
	return purged, nil
}
