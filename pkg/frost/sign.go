package frost

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// NonceCommitment is a participant's round-1 contribution: the public images
// of its hiding and binding nonces.
type NonceCommitment struct {
	Index   uint32
	Hiding  *btcec.PublicKey
	Binding *btcec.PublicKey
}

// SigningPackage is the aggregator's round-2 broadcast: the message and the
// full commitment set. Every participant derives the challenge from it
// independently.
type SigningPackage struct {
	Message     [32]byte
	Commitments map[uint32]*NonceCommitment
}

// PartialSignature is a participant's round-2 response.
type PartialSignature struct {
	Index uint32
	Z     *secp256k1.ModNScalar
}

// SignerSession holds one participant's state across the two signing rounds
// for a single message. Nonces are sampled in Commit and destroyed in Sign;
// a session can never produce two partial signatures.
type SignerSession struct {
	share  *KeyShare
	msg    [32]byte
	tweaks []*secp256k1.ModNScalar

	hidingNonce  *secp256k1.ModNScalar
	bindingNonce *secp256k1.ModNScalar
	commitment   *NonceCommitment
}

// NewSignerSession prepares a signing session over msg with the given share.
// Tweaks are applied to the group key in order, each with x-only (even-Y)
// normalisation of the intermediate key, so a [intent, taproot] chain yields
// the BIP-341 output key of the intent-tweaked address.
func NewSignerSession(share *KeyShare, msg [32]byte, tweaks ...*secp256k1.ModNScalar) *SignerSession {
	return &SignerSession{share: share, msg: msg, tweaks: tweaks}
}

// Commit samples the nonce pair from the OS CSPRNG and returns the public
// commitment. It can be called once per session.
func (s *SignerSession) Commit() (*NonceCommitment, error) {
	if s.commitment != nil {
		return nil, ErrSessionNotReady
	}

	d, err := randomScalar()
	if err != nil {
		return nil, err
	}
	e, err := randomScalar()
	if err != nil {
		return nil, err
	}

	var hidingPoint, bindingPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(d, &hidingPoint)
	secp256k1.ScalarBaseMultNonConst(e, &bindingPoint)

	hiding, err := pointToPubKey(&hidingPoint)
	if err != nil {
		return nil, err
	}
	binding, err := pointToPubKey(&bindingPoint)
	if err != nil {
		return nil, err
	}

	s.hidingNonce, s.bindingNonce = d, e
	s.commitment = &NonceCommitment{Index: s.share.Index, Hiding: hiding, Binding: binding}
	return s.commitment, nil
}

// PublicNonces returns the commitment produced by Commit.
func (s *SignerSession) PublicNonces() *NonceCommitment {
	return s.commitment
}

// Sign produces the participant's partial signature for the signing package.
// The package must carry the exact commitment published by this session;
// anything else indicates a replayed or substituted round and is refused.
// The nonces are wiped before returning.
func (s *SignerSession) Sign(pkg *SigningPackage) (*PartialSignature, error) {
	if s.hidingNonce == nil || s.bindingNonce == nil {
		return nil, ErrSessionNotReady
	}
	if pkg.Message != s.msg {
		return nil, fmt.Errorf("signing package message does not match session message")
	}
	own, ok := pkg.Commitments[s.share.Index]
	if !ok || !equalCommitments(own, s.commitment) {
		return nil, fmt.Errorf("signing package does not carry this session's nonce commitment")
	}

	participants, err := participantSet(pkg.Commitments, s.share.Public.Total)
	if err != nil {
		return nil, err
	}

	nonce, err := computeGroupNonce(s.msg, pkg.Commitments)
	if err != nil {
		return nil, err
	}
	finalKey, keySign, accTweak, err := tweakedKey(s.share.Public.GroupKey, s.tweaks)
	if err != nil {
		return nil, err
	}

	c := challengeScalar(nonce.key, finalKey, s.msg)

	lambda, err := LagrangeCoefficient(participants, s.share.Index)
	if err != nil {
		return nil, err
	}

	// z = ±(d + rho*e) + c*lambda*(±s) + [lowest index] c*t
	z := new(secp256k1.ModNScalar).Mul2(nonce.bindings[s.share.Index], s.bindingNonce)
	z.Add(s.hidingNonce)
	if nonce.negated {
		z.Negate()
	}

	keyTerm := new(secp256k1.ModNScalar).Set(s.share.Secret)
	if keySign < 0 {
		keyTerm.Negate()
	}
	keyTerm.Mul(lambda).Mul(c)
	z.Add(keyTerm)

	if s.share.Index == participants[0] && !accTweak.IsZero() {
		tweakTerm := new(secp256k1.ModNScalar).Mul2(c, accTweak)
		z.Add(tweakTerm)
	}

	s.hidingNonce.Zero()
	s.bindingNonce.Zero()
	s.hidingNonce, s.bindingNonce = nil, nil

	return &PartialSignature{Index: s.share.Index, Z: z}, nil
}

// AggregatorSession collects nonce commitments and partial signatures for one
// message and aggregates them into a BIP-340 signature. The aggregator never
// holds secret material: partials are verified against public shares
// recomputed from the DKG commitments.
type AggregatorSession struct {
	public *PublicShares
	msg    [32]byte
	tweaks []*secp256k1.ModNScalar

	participants []uint32
	commitments  map[uint32]*NonceCommitment
	partials     map[uint32]*PartialSignature
}

func NewAggregatorSession(
	public *PublicShares, msg [32]byte,
	participants []uint32, tweaks ...*secp256k1.ModNScalar,
) (*AggregatorSession, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("empty participant set")
	}
	sorted := append([]uint32{}, participants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, index := range sorted {
		if index == 0 || index > public.Total {
			return nil, fmt.Errorf("participant index %d out of range", index)
		}
		if i > 0 && sorted[i-1] == index {
			return nil, fmt.Errorf("duplicate participant index %d", index)
		}
	}

	return &AggregatorSession{
		public:       public,
		msg:          msg,
		tweaks:       tweaks,
		participants: sorted,
		commitments:  make(map[uint32]*NonceCommitment),
		partials:     make(map[uint32]*PartialSignature),
	}, nil
}

// AddCommitment records a participant's round-1 commitment. Duplicate or
// out-of-set commitments are refused.
func (a *AggregatorSession) AddCommitment(commitment *NonceCommitment) error {
	if !a.inParticipantSet(commitment.Index) {
		return fmt.Errorf("participant %d is not part of this session", commitment.Index)
	}
	if _, ok := a.commitments[commitment.Index]; ok {
		return fmt.Errorf("participant %d already committed", commitment.Index)
	}
	a.commitments[commitment.Index] = commitment
	return nil
}

// Ready reports whether every participant has committed.
func (a *AggregatorSession) Ready() bool {
	return len(a.commitments) == len(a.participants)
}

// SigningPackage builds the round-2 broadcast once all commitments arrived.
func (a *AggregatorSession) SigningPackage() (*SigningPackage, error) {
	if !a.Ready() {
		return nil, ErrMissingCommitments
	}
	commitments := make(map[uint32]*NonceCommitment, len(a.commitments))
	for index, c := range a.commitments {
		commitments[index] = c
	}
	return &SigningPackage{Message: a.msg, Commitments: commitments}, nil
}

// AddPartial verifies a participant's partial signature against its public
// share and records it. A failing partial is rejected with
// ErrInvalidPartialSignature and leaves the session usable for the others.
func (a *AggregatorSession) AddPartial(partial *PartialSignature) error {
	if !a.Ready() {
		return ErrMissingCommitments
	}
	if !a.inParticipantSet(partial.Index) {
		return fmt.Errorf("participant %d is not part of this session", partial.Index)
	}
	if _, ok := a.partials[partial.Index]; ok {
		return fmt.Errorf("participant %d already responded", partial.Index)
	}

	nonce, err := computeGroupNonce(a.msg, a.commitments)
	if err != nil {
		return err
	}
	finalKey, keySign, accTweak, err := tweakedKey(a.public.GroupKey, a.tweaks)
	if err != nil {
		return err
	}
	c := challengeScalar(nonce.key, finalKey, a.msg)

	lambda, err := LagrangeCoefficient(a.participants, partial.Index)
	if err != nil {
		return err
	}
	shareKey, err := a.public.ParticipantKey(partial.Index)
	if err != nil {
		return err
	}

	// Expected z*G.
	commitment := a.commitments[partial.Index]
	var expected, scaled secp256k1.JacobianPoint
	pubKeyToPoint(commitment.Binding, &scaled)
	secp256k1.ScalarMultNonConst(nonce.bindings[partial.Index], &scaled, &scaled)
	pubKeyToPoint(commitment.Hiding, &expected)
	secp256k1.AddNonConst(&expected, &scaled, &expected)
	if nonce.negated {
		negatePoint(&expected)
	}

	coeff := new(secp256k1.ModNScalar).Mul2(c, lambda)
	if keySign < 0 {
		coeff.Negate()
	}
	var shareTerm secp256k1.JacobianPoint
	pubKeyToPoint(shareKey, &shareTerm)
	secp256k1.ScalarMultNonConst(coeff, &shareTerm, &shareTerm)
	secp256k1.AddNonConst(&expected, &shareTerm, &expected)

	if partial.Index == a.participants[0] && !accTweak.IsZero() {
		tweakCoeff := new(secp256k1.ModNScalar).Mul2(c, accTweak)
		var tweakTerm secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(tweakCoeff, &tweakTerm)
		secp256k1.AddNonConst(&expected, &tweakTerm, &expected)
	}

	var actual secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(partial.Z, &actual)

	expected.ToAffine()
	actual.ToAffine()
	if !expected.X.Equals(&actual.X) || !expected.Y.Equals(&actual.Y) {
		return fmt.Errorf("participant %d: %w", partial.Index, ErrInvalidPartialSignature)
	}

	a.partials[partial.Index] = partial
	return nil
}

// Complete reports whether every participant has delivered a valid partial.
func (a *AggregatorSession) Complete() bool {
	return len(a.partials) == len(a.participants)
}

// Aggregate sums the partials into a BIP-340 signature and verifies it
// against the tweaked group key. An invalid aggregate fails the session.
func (a *AggregatorSession) Aggregate() (*schnorr.Signature, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("collected %d of %d partial signatures", len(a.partials), len(a.participants))
	}

	nonce, err := computeGroupNonce(a.msg, a.commitments)
	if err != nil {
		return nil, err
	}

	z := new(secp256k1.ModNScalar)
	for _, partial := range a.partials {
		z.Add(partial.Z)
	}

	var noncePoint secp256k1.JacobianPoint
	pubKeyToPoint(nonce.key, &noncePoint)
	noncePoint.ToAffine()

	sig := schnorr.NewSignature(&noncePoint.X, z)

	finalKey, err := a.TweakedGroupKey()
	if err != nil {
		return nil, err
	}
	if !sig.Verify(a.msg[:], finalKey) {
		return nil, fmt.Errorf("aggregate signature does not verify under the group key")
	}
	return sig, nil
}

// TweakedGroupKey returns the even-Y key the aggregate signature verifies
// against: the group key with all session tweaks applied.
func (a *AggregatorSession) TweakedGroupKey() (*btcec.PublicKey, error) {
	finalKey, _, _, err := tweakedKey(a.public.GroupKey, a.tweaks)
	if err != nil {
		return nil, err
	}
	return finalKey, nil
}

func (a *AggregatorSession) inParticipantSet(index uint32) bool {
	for _, p := range a.participants {
		if p == index {
			return true
		}
	}
	return false
}

// groupNonce carries the even-Y group nonce, whether commitments had to be
// negated to get there, and the per-participant binding values.
type groupNonce struct {
	key      *btcec.PublicKey
	negated  bool
	bindings map[uint32]*secp256k1.ModNScalar
}

func computeGroupNonce(msg [32]byte, commitments map[uint32]*NonceCommitment) (*groupNonce, error) {
	indices := make([]uint32, 0, len(commitments))
	for index := range commitments {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	// The binding transcript covers the message and the ordered commitment
	// list, so a commitment set from another session can never produce the
	// same binding values.
	transcript := make([]byte, 0, len(indices)*(4+33+33))
	for _, index := range indices {
		commitment := commitments[index]
		var indexBytes [4]byte
		binary.BigEndian.PutUint32(indexBytes[:], index)
		transcript = append(transcript, indexBytes[:]...)
		transcript = append(transcript, commitment.Hiding.SerializeCompressed()...)
		transcript = append(transcript, commitment.Binding.SerializeCompressed()...)
	}

	bindings := make(map[uint32]*secp256k1.ModNScalar, len(indices))
	sum := new(secp256k1.JacobianPoint)
	for _, index := range indices {
		var indexBytes [4]byte
		binary.BigEndian.PutUint32(indexBytes[:], index)
		hash := chainhash.TaggedHash(tagNonceBinding, indexBytes[:], msg[:], transcript)

		rho := new(secp256k1.ModNScalar)
		rho.SetByteSlice(hash[:])
		bindings[index] = rho

		commitment := commitments[index]
		var term, binding secp256k1.JacobianPoint
		pubKeyToPoint(commitment.Binding, &binding)
		secp256k1.ScalarMultNonConst(rho, &binding, &binding)
		pubKeyToPoint(commitment.Hiding, &term)
		secp256k1.AddNonConst(&term, &binding, &term)
		secp256k1.AddNonConst(sum, &term, sum)
	}

	key, err := pointToPubKey(sum)
	if err != nil {
		return nil, fmt.Errorf("group nonce: %w", err)
	}
	even, negated, err := normalizeEven(key)
	if err != nil {
		return nil, err
	}
	return &groupNonce{key: even, negated: negated, bindings: bindings}, nil
}

// tweakedKey applies the tweak chain to the group key. Every step normalises
// the current key to even Y before adding t*G, mirroring how x-only key
// tweaking composes. It returns the final even-Y key, the sign the secret
// key picks up along the chain (including the final normalisation), and the
// accumulated tweak scalar.
func tweakedKey(
	groupKey *btcec.PublicKey, tweaks []*secp256k1.ModNScalar,
) (*btcec.PublicKey, int, *secp256k1.ModNScalar, error) {
	current := groupKey
	keySign := 1
	acc := new(secp256k1.ModNScalar)

	for _, tweak := range tweaks {
		even, negated, err := normalizeEven(current)
		if err != nil {
			return nil, 0, nil, err
		}
		if negated {
			keySign = -keySign
			acc.Negate()
		}

		var point, term secp256k1.JacobianPoint
		pubKeyToPoint(even, &point)
		secp256k1.ScalarBaseMultNonConst(tweak, &term)
		secp256k1.AddNonConst(&point, &term, &point)

		next, err := pointToPubKey(&point)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("tweaked key: %w", err)
		}
		current = next
		acc.Add(tweak)
	}

	even, negated, err := normalizeEven(current)
	if err != nil {
		return nil, 0, nil, err
	}
	if negated {
		keySign = -keySign
		acc.Negate()
	}
	return even, keySign, acc, nil
}

func challengeScalar(nonceKey, groupKey *btcec.PublicKey, msg [32]byte) *secp256k1.ModNScalar {
	hash := chainhash.TaggedHash(
		chainhash.TagBIP0340Challenge,
		schnorr.SerializePubKey(nonceKey), schnorr.SerializePubKey(groupKey), msg[:],
	)
	c := new(secp256k1.ModNScalar)
	c.SetByteSlice(hash[:])
	return c
}

func participantSet(commitments map[uint32]*NonceCommitment, total uint32) ([]uint32, error) {
	participants := make([]uint32, 0, len(commitments))
	for index := range commitments {
		if index == 0 || index > total {
			return nil, fmt.Errorf("participant index %d out of range", index)
		}
		participants = append(participants, index)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })
	return participants, nil
}

func equalCommitments(a, b *NonceCommitment) bool {
	return a.Index == b.Index &&
		bytes.Equal(a.Hiding.SerializeCompressed(), b.Hiding.SerializeCompressed()) &&
		bytes.Equal(a.Binding.SerializeCompressed(), b.Binding.SerializeCompressed())
}

func negatePoint(point *secp256k1.JacobianPoint) {
	point.ToAffine()
	point.Y.Negate(1)
	point.Y.Normalize()
}
