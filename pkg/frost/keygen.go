package frost

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeygenRound1 is the broadcast package of the first DKG round: the committed
// polynomial of the sender plus a Schnorr proof of knowledge of its constant
// term.
type KeygenRound1 struct {
	Index       uint32
	Commitments []*btcec.PublicKey
	ProofR      *btcec.PublicKey
	ProofS      *secp256k1.ModNScalar
}

// SecretShare is the round-2 evaluation f_sender(recipient), delivered over
// an authenticated channel to exactly one recipient.
type SecretShare struct {
	From  uint32
	To    uint32
	Value *secp256k1.ModNScalar
}

// PublicShares is the public outcome of a DKG: the group key and every
// party's committed polynomial. It is enough to recompute any participant's
// public share, so the aggregator can verify partial signatures without ever
// holding secret material.
type PublicShares struct {
	Total       uint32
	GroupKey    *btcec.PublicKey
	Commitments map[uint32][]*btcec.PublicKey
}

// ParticipantKey recomputes the public image s_i*G of the participant's
// secret share from the committed polynomials.
func (p *PublicShares) ParticipantKey(index uint32) (*btcec.PublicKey, error) {
	if index == 0 || index > p.Total {
		return nil, fmt.Errorf("participant index %d out of range", index)
	}

	x := scalarFromIndex(index)
	sum := new(secp256k1.JacobianPoint)
	for party := uint32(1); party <= p.Total; party++ {
		commitments, ok := p.Commitments[party]
		if !ok {
			return nil, fmt.Errorf("missing commitments for party %d", party)
		}
		coeffs := make([]*secp256k1.JacobianPoint, len(commitments))
		for i, c := range commitments {
			coeffs[i] = new(secp256k1.JacobianPoint)
			pubKeyToPoint(c, coeffs[i])
		}
		secp256k1.AddNonConst(sum, evalPointPolynomial(coeffs, x), sum)
	}
	return pointToPubKey(sum)
}

// KeyShare is one party's secret outcome of a DKG.
type KeyShare struct {
	Index  uint32
	Secret *secp256k1.ModNScalar
	Public *PublicShares
}

// KeygenParticipant runs one party's side of the M-of-M Pedersen DKG. The
// zero value is not usable; construct with NewKeygenParticipant. Methods must
// be called in order Round1, Round2, Finalize; each may be called once.
type KeygenParticipant struct {
	index uint32
	total uint32

	poly     *scalarPolynomial
	received map[uint32]*KeygenRound1
}

func NewKeygenParticipant(index, total uint32) (*KeygenParticipant, error) {
	if total < 2 {
		return nil, fmt.Errorf("at least two parties are required, got %d", total)
	}
	if index == 0 || index > total {
		return nil, fmt.Errorf("party index %d out of range 1..%d", index, total)
	}
	return &KeygenParticipant{index: index, total: total}, nil
}

// Round1 samples the party's polynomial of degree total-1 and returns the
// commitment package to broadcast.
func (p *KeygenParticipant) Round1() (*KeygenRound1, error) {
	if p.poly != nil {
		return nil, ErrSessionNotReady
	}

	poly, err := newRandomPolynomial(int(p.total) - 1)
	if err != nil {
		return nil, err
	}
	p.poly = poly

	commitments := make([]*btcec.PublicKey, 0, len(poly.coeffs))
	for _, point := range poly.commit() {
		pub, err := pointToPubKey(point)
		if err != nil {
			return nil, err
		}
		commitments = append(commitments, pub)
	}

	// Schnorr proof of knowledge of the constant term.
	k, err := randomScalar()
	if err != nil {
		return nil, err
	}
	var proofPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &proofPoint)
	proofR, err := pointToPubKey(&proofPoint)
	if err != nil {
		return nil, err
	}

	c := proofChallenge(p.index, commitments[0], proofR)
	proofS := new(secp256k1.ModNScalar).Mul2(c, poly.constantTerm()).Add(k)

	return &KeygenRound1{
		Index:       p.index,
		Commitments: commitments,
		ProofR:      proofR,
		ProofS:      proofS,
	}, nil
}

// Round2 verifies every other party's proof of knowledge and returns the
// per-recipient secret evaluations f_i(j). Any invalid proof aborts the DKG.
func (p *KeygenParticipant) Round2(packages map[uint32]*KeygenRound1) (map[uint32]*SecretShare, error) {
	if p.poly == nil || p.received != nil {
		return nil, ErrSessionNotReady
	}
	if err := p.checkPackageSet(packages); err != nil {
		return nil, err
	}

	for index, pkg := range packages {
		if index == p.index {
			continue
		}
		if err := verifyProof(pkg); err != nil {
			return nil, fmt.Errorf("party %d: %w", index, err)
		}
	}
	p.received = packages

	shares := make(map[uint32]*SecretShare, p.total-1)
	for recipient := uint32(1); recipient <= p.total; recipient++ {
		if recipient == p.index {
			continue
		}
		shares[recipient] = &SecretShare{
			From:  p.index,
			To:    recipient,
			Value: p.poly.evalAt(recipient),
		}
	}
	return shares, nil
}

// Finalize verifies the received evaluations against the senders' committed
// polynomials and computes the party's long-lived share s_i = sum_j f_j(i)
// together with the group key Y = sum_j C_j0.
func (p *KeygenParticipant) Finalize(shares map[uint32]*SecretShare) (*KeyShare, error) {
	if p.received == nil {
		return nil, ErrSessionNotReady
	}
	if len(shares) != int(p.total)-1 {
		return nil, fmt.Errorf("expected %d shares, got %d", p.total-1, len(shares))
	}

	secret := new(secp256k1.ModNScalar).Set(p.poly.evalAt(p.index))
	for sender := uint32(1); sender <= p.total; sender++ {
		if sender == p.index {
			continue
		}
		share, ok := shares[sender]
		if !ok {
			return nil, fmt.Errorf("missing share from party %d", sender)
		}
		if share.To != p.index {
			return nil, fmt.Errorf("share from party %d addressed to %d", sender, share.To)
		}
		if err := verifyShare(share, p.received[sender], p.index); err != nil {
			return nil, fmt.Errorf("party %d: %w", sender, err)
		}
		secret.Add(share.Value)
	}

	groupPoint := new(secp256k1.JacobianPoint)
	commitments := make(map[uint32][]*btcec.PublicKey, p.total)
	for party := uint32(1); party <= p.total; party++ {
		pkg := p.received[party]
		var constant secp256k1.JacobianPoint
		pubKeyToPoint(pkg.Commitments[0], &constant)
		secp256k1.AddNonConst(groupPoint, &constant, groupPoint)
		commitments[party] = pkg.Commitments
	}
	groupKey, err := pointToPubKey(groupPoint)
	if err != nil {
		return nil, fmt.Errorf("group key: %s", err)
	}

	return &KeyShare{
		Index:  p.index,
		Secret: secret,
		Public: &PublicShares{
			Total:       p.total,
			GroupKey:    groupKey,
			Commitments: commitments,
		},
	}, nil
}

func (p *KeygenParticipant) checkPackageSet(packages map[uint32]*KeygenRound1) error {
	if len(packages) != int(p.total) {
		return fmt.Errorf("expected %d round-1 packages, got %d", p.total, len(packages))
	}
	for index := uint32(1); index <= p.total; index++ {
		pkg, ok := packages[index]
		if !ok {
			return fmt.Errorf("missing round-1 package for party %d", index)
		}
		if pkg.Index != index {
			return fmt.Errorf("round-1 package index mismatch for party %d", index)
		}
		if len(pkg.Commitments) != int(p.total) {
			return fmt.Errorf(
				"party %d committed to %d coefficients, want %d",
				index, len(pkg.Commitments), p.total,
			)
		}
	}
	return nil
}

func proofChallenge(index uint32, constant, proofR *btcec.PublicKey) *secp256k1.ModNScalar {
	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)
	hash := chainhash.TaggedHash(
		tagKeygenProof,
		indexBytes[:], constant.SerializeCompressed(), proofR.SerializeCompressed(),
	)
	c := new(secp256k1.ModNScalar)
	c.SetByteSlice(hash[:])
	return c
}

func verifyProof(pkg *KeygenRound1) error {
	c := proofChallenge(pkg.Index, pkg.Commitments[0], pkg.ProofR)

	// s*G == R + c*C_0
	var left, right, scaled secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(pkg.ProofS, &left)

	pubKeyToPoint(pkg.Commitments[0], &scaled)
	secp256k1.ScalarMultNonConst(c, &scaled, &scaled)
	pubKeyToPoint(pkg.ProofR, &right)
	secp256k1.AddNonConst(&right, &scaled, &right)

	left.ToAffine()
	right.ToAffine()
	if !left.X.Equals(&right.X) || !left.Y.Equals(&right.Y) {
		return ErrInvalidProofOfKnowledge
	}
	return nil
}

func verifyShare(share *SecretShare, sender *KeygenRound1, recipient uint32) error {
	coeffs := make([]*secp256k1.JacobianPoint, len(sender.Commitments))
	for i, c := range sender.Commitments {
		coeffs[i] = new(secp256k1.JacobianPoint)
		pubKeyToPoint(c, coeffs[i])
	}

	expected := evalPointPolynomial(coeffs, scalarFromIndex(recipient))

	var actual secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(share.Value, &actual)

	expected.ToAffine()
	actual.ToAffine()
	if !expected.X.Equals(&actual.X) || !expected.Y.Equals(&actual.Y) {
		return ErrInvalidSecretShare
	}
	return nil
}
