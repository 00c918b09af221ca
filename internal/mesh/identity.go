package mesh

import (
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// NewIdentity generates a fresh, locally-unique 128-bit participant
// identity and returns it in its string form (spec §3: "any 128-bit
// value serialised as a string suffices").
func NewIdentity() string {
	return uuid.NewString()
}

// DeriveIdentity derives a stable identity deterministically from seed,
// so a participant can keep the same identity across restarts without
// persisting state (spec §6 "Persisted state: None"). The seed is hashed
// with blake2b-256, truncated to 128 bits, and formatted as a UUID string
// like a randomly generated identity.
func DeriveIdentity(seed []byte) string {
	sum := blake2b.Sum256(seed)
	var id [16]byte
	copy(id[:], sum[:16])
	// Per RFC 9562 §5.8: derived identities are tagged version 8
	// (custom), so they never collide in meaning with uuid.NewString's
	// version 4 output even though both are 128 bits.
	id[6] = (id[6] & 0x0f) | 0x80
	id[8] = (id[8] & 0x3f) | 0x80
	u, err := uuid.FromBytes(id[:])
	if err != nil {
		// uuid.FromBytes only fails on wrong-length input; id is always 16.
		panic(err)
	}
	return u.String()
}
