package parser

import (
	"fmt"
	"strings"
	"testing"

	gc "gopkg.in/check.v1"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/hockeypuck/keyserver/internal/model"
)

func Test(t *testing.T) { gc.TestingT(t) }

type ParseSuite struct{}

var _ = gc.Suite(&ParseSuite{})

func (s *ParseSuite) TestRejectsGarbage(c *gc.C) {
	_, err := Parse("this is not an armored key")
	c.Assert(err, gc.NotNil)
}

// TestParsesRealCertificate generates an actual OpenPGP entity, armors it
// through the same Armor helper tests use to synthesize fixtures, and
// parses it back end to end, so fingerprint/keyId slicing and the
// algorithm/keysize mapping run against real key material rather than
// garbage armor.
func (s *ParseSuite) TestParsesRealCertificate(c *gc.C) {
	entity, err := openpgp.NewEntity("Alice Example", "", "Alice@Example.test", &packet.Config{RSABits: MinRSABits})
	c.Assert(err, gc.IsNil)

	armored, err := Armor(openpgp.EntityList{entity})
	c.Assert(err, gc.IsNil)

	result, err := Parse(armored)
	c.Assert(err, gc.IsNil)

	wantFingerprint := strings.ToUpper(fmt.Sprintf("%x", entity.PrimaryKey.Fingerprint))
	c.Assert(result.Key.Fingerprint, gc.Equals, wantFingerprint)
	c.Assert(result.Key.KeyID, gc.Equals, wantFingerprint[len(wantFingerprint)-16:])
	c.Assert(result.Key.Algorithm, gc.Equals, model.AlgorithmRSA)
	c.Assert(result.Key.KeySize >= MinRSABits, gc.Equals, true)
	c.Assert(result.Key.Armored, gc.Equals, armored)

	c.Assert(result.Bindings, gc.HasLen, 1)
	c.Assert(result.Bindings[0].KeyID, gc.Equals, result.Key.KeyID)
	c.Assert(result.Bindings[0].Email, gc.Equals, "alice@example.test")
	c.Assert(result.Bindings[0].Name, gc.Equals, "Alice Example")
	c.Assert(result.Bindings[0].Verified, gc.Equals, false)
}

// TestRejectsRSAKeyBelowPolicyMinimum generates a real, validly-signed
// certificate whose only defect is an under-sized RSA primary key, so the
// size check runs against the actual key-size computation rather than a
// hand-picked number.
func (s *ParseSuite) TestRejectsRSAKeyBelowPolicyMinimum(c *gc.C) {
	entity, err := openpgp.NewEntity("Bob Example", "", "bob@example.test", &packet.Config{RSABits: 1024})
	c.Assert(err, gc.IsNil)

	armored, err := Armor(openpgp.EntityList{entity})
	c.Assert(err, gc.IsNil)

	_, err = Parse(armored)
	c.Assert(err, gc.NotNil)
	c.Assert(model.Is(err, model.KeyTooShort), gc.Equals, true)
}

// TestExtractUserIdsDedupsByLowercasedEmail exercises extractUserIds
// directly against two identities differing only in email case: building
// a second real self-signed identity on one entity just to exercise this
// string-level dedup adds signature-construction complexity for no extra
// coverage, so this stays a direct call against the function the real
// entity-level test above already proves Parse reaches.
func (s *ParseSuite) TestExtractUserIdsDedupsByLowercasedEmail(c *gc.C) {
	entity := &openpgp.Entity{
		Identities: map[string]*openpgp.Identity{
			"Alice <alice@example.test>":     {UserId: &packet.UserId{Id: "Alice <alice@example.test>"}},
			"Alice Dup <ALICE@Example.test>": {UserId: &packet.UserId{Id: "Alice Dup <ALICE@Example.test>"}},
		},
	}
	bindings, err := extractUserIds(entity)
	c.Assert(err, gc.IsNil)
	c.Assert(bindings, gc.HasLen, 1)
	c.Assert(bindings[0].Email, gc.Equals, "alice@example.test")
}

func (s *ParseSuite) TestRejectsNonPublicKeyBlock(c *gc.C) {
	const signatureBlock = `-----BEGIN PGP SIGNATURE-----

iQEzBAABCAAdFiEE
=abcd
-----END PGP SIGNATURE-----
`
	_, err := Parse(signatureBlock)
	c.Assert(err, gc.NotNil)
}

func (s *ParseSuite) TestSplitUserId(c *gc.C) {
	cases := []struct {
		raw, name, email string
		ok               bool
	}{
		{"Alice <a@x.test>", "Alice", "a@x.test", true},
		{"Alice Alt <A.Alt@X.test>", "Alice Alt", "A.Alt@X.test", true},
		{"no email here", "", "", false},
		{"<broken", "", "", false},
	}
	for _, tc := range cases {
		name, email, ok := splitUserId(tc.raw)
		c.Check(ok, gc.Equals, tc.ok, gc.Commentf("raw=%q", tc.raw))
		if tc.ok {
			c.Check(name, gc.Equals, tc.name)
			c.Check(email, gc.Equals, tc.email)
		}
	}
}
