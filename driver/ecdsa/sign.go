package ecdsa

import (
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// contribution is one quorum member's nonce and signing-key material, as
// the coordinator receives it.
type contribution struct {
	nonce secp256k1.ModNScalar
	key   secp256k1.ModNScalar
}

// Signer runs a one-round threshold signature over a 32-byte prehash
// using a quorum of t DKG participants and their shares. It implements
// bridge.ProtocolDriver. See the package doc comment for the
// coordinator-trust simplification this makes.
type Signer struct {
	self        int
	quorum      []int // sorted, len == threshold
	coordinator int

	prehash        secp256k1.ModNScalar
	share          secp256k1.ModNScalar
	groupPublicKey *secp256k1.PublicKey

	ownNonce   secp256k1.ModNScalar
	ownNoncePt []byte // compressed

	contribs map[int]contribution // coordinator only

	round         int // 1 = collecting/sending, 2 = broadcasting/awaiting signature, 3+ = settled
	selfFinalized bool
	gotSignature  bool
	signature     []byte
}

// NewSigner builds a Signer for party self among quorum (the 1-based
// party indices that will jointly sign), over prehash (typically
// SHA-256 of the message), using this party's DKG output.
func NewSigner(self int, quorum []int, prehash [32]byte, share secp256k1.ModNScalar, groupPublicKey *secp256k1.PublicKey) (*Signer, error) {
	found := false
	for _, p := range quorum {
		if p == self {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("ecdsa: party %d is not a member of the signing quorum", self)
	}

	sorted := append([]int(nil), quorum...)
	sort.Ints(sorted)

	nonce, err := randScalar()
	if err != nil {
		return nil, err
	}
	var noncePt secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&nonce, &noncePt)
	noncePt.ToAffine()
	noncePub := secp256k1.NewPublicKey(&noncePt.X, &noncePt.Y)

	var z secp256k1.ModNScalar
	z.SetBytes(&prehash)

	s := &Signer{
		self:           self,
		quorum:         sorted,
		coordinator:    sorted[0],
		prehash:        z,
		share:          share,
		groupPublicKey: groupPublicKey,
		ownNonce:       nonce,
		ownNoncePt:     noncePub.SerializeCompressed(),
		contribs:       make(map[int]contribution),
		round:          1,
	}
	if s.isCoordinator() {
		s.contribs[self] = contribution{nonce: nonce, key: share}
	}
	return s, nil
}

func (s *Signer) isCoordinator() bool { return s.self == s.coordinator }

func (s *Signer) RoundInfo() RoundInfo {
	switch s.round {
	case 1:
		if s.isCoordinator() {
			return RoundInfo{RoundNumber: 1, CanFinalize: len(s.contribs) == len(s.quorum)}
		}
		return RoundInfo{RoundNumber: 1, CanFinalize: false}
	case 2:
		if s.isCoordinator() {
			return RoundInfo{RoundNumber: 2, CanFinalize: s.selfFinalized}
		}
		return RoundInfo{RoundNumber: 2, CanFinalize: s.gotSignature}
	default:
		return RoundInfo{RoundNumber: s.round, CanFinalize: true}
	}
}

func (s *Signer) Proceed() ([]RoundMessage, error) {
	switch s.round {
	case 1:
		if s.isCoordinator() {
			return nil, nil
		}
		nonceBytes := s.ownNonce.Bytes()
		keyBytes := s.share.Bytes()
		return []RoundMessage{{
			Round: 1, Sender: s.self, Receiver: s.coordinator,
			Body: encodeWire(wireMessage{
				Kind: kindSignPartial, From: s.self,
				NoncePoint: s.ownNoncePt, NonceScalar: nonceBytes[:], KeyScalar: keyBytes[:],
			}),
		}}, nil
	case 2:
		if !s.isCoordinator() {
			return nil, nil
		}
		out := make([]RoundMessage, 0, len(s.quorum)-1)
		for _, p := range s.quorum {
			if p == s.self {
				continue
			}
			out = append(out, RoundMessage{
				Round: 2, Sender: s.self, Receiver: p,
				Body: encodeWire(wireMessage{Kind: kindSignFinal, From: s.self, Signature: s.signature}),
			})
		}
		s.selfFinalized = true
		return out, nil
	default:
		return nil, nil
	}
}

func (s *Signer) HandleIncoming(body []byte) error {
	msg, err := decodeWire(body)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case kindSignPartial:
		if !s.isCoordinator() {
			return fmt.Errorf("ecdsa: party %d received a signing contribution but is not the coordinator", s.self)
		}
		return s.handleContribution(msg)
	case kindSignFinal:
		if s.isCoordinator() {
			return fmt.Errorf("ecdsa: coordinator %d received a final signature echo unexpectedly", s.self)
		}
		s.signature = msg.Signature
		s.gotSignature = true
		s.round = 2
		return nil
	default:
		return fmt.Errorf("ecdsa: unexpected message kind %q in signing round %d", msg.Kind, s.round)
	}
}

func (s *Signer) handleContribution(msg wireMessage) error {
	if len(msg.NonceScalar) != 32 || len(msg.KeyScalar) != 32 {
		return fmt.Errorf("ecdsa: malformed signing contribution from party %d", msg.From)
	}
	var nonceBuf, keyBuf [32]byte
	copy(nonceBuf[:], msg.NonceScalar)
	copy(keyBuf[:], msg.KeyScalar)

	var nonce, key secp256k1.ModNScalar
	if overflow := nonce.SetBytes(&nonceBuf); overflow != 0 {
		return fmt.Errorf("ecdsa: nonce from party %d does not reduce mod N", msg.From)
	}
	if overflow := key.SetBytes(&keyBuf); overflow != 0 {
		return fmt.Errorf("ecdsa: key share from party %d does not reduce mod N", msg.From)
	}

	claimedPt, err := secp256k1.ParsePubKey(msg.NoncePoint)
	if err != nil {
		return fmt.Errorf("ecdsa: party %d sent an invalid nonce point: %w", msg.From, err)
	}
	var checkPt secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&nonce, &checkPt)
	checkPt.ToAffine()
	checkPub := secp256k1.NewPublicKey(&checkPt.X, &checkPt.Y)
	if !checkPub.IsEqual(claimedPt) {
		return fmt.Errorf("ecdsa: party %d's nonce point does not match its revealed nonce", msg.From)
	}

	s.contribs[msg.From] = contribution{nonce: nonce, key: key}
	return nil
}

func (s *Signer) TryFinalizeRound() ([]byte, bool, error) {
	switch s.round {
	case 1:
		if !s.isCoordinator() {
			return nil, false, nil
		}
		if len(s.contribs) < len(s.quorum) {
			return nil, false, nil
		}
		sig, err := s.combine()
		if err != nil {
			return nil, false, err
		}
		s.signature = sig
		s.round = 2
		return nil, false, nil
	case 2:
		if s.isCoordinator() {
			if !s.selfFinalized {
				return nil, false, nil
			}
			return s.signature, true, nil
		}
		if !s.gotSignature {
			return nil, false, nil
		}
		return s.signature, true, nil
	default:
		return s.signature, true, nil
	}
}

// combine reconstructs the group nonce and signing key via Lagrange
// interpolation at x=0 over the quorum's contributions and produces a
// 65-byte compact recoverable ECDSA signature, verified against the
// group's public key before being returned.
func (s *Signer) combine() ([]byte, error) {
	var kCombined, xCombined secp256k1.ModNScalar
	for _, p := range s.quorum {
		c, ok := s.contribs[p]
		if !ok {
			return nil, fmt.Errorf("ecdsa: missing contribution from quorum member %d", p)
		}
		lambda := lagrangeCoefficient(p, s.quorum)

		tk := c.nonce
		tk.Mul(&lambda)
		kCombined.Add(&tk)

		tx := c.key
		tx.Mul(&lambda)
		xCombined.Add(&tx)
	}
	if kCombined.IsZero() {
		return nil, fmt.Errorf("ecdsa: combined nonce is zero, aborting signature")
	}

	var rPt secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&kCombined, &rPt)
	rPt.ToAffine()

	rBytes := rPt.X.Bytes()
	var r secp256k1.ModNScalar
	r.SetBytes(&rBytes)
	if r.IsZero() {
		return nil, fmt.Errorf("ecdsa: combined nonce produced r=0, aborting signature")
	}

	var kInv secp256k1.ModNScalar
	kInv.Set(&kCombined)
	kInv.InverseNonConst()

	var rx secp256k1.ModNScalar
	rx.Set(&r)
	rx.Mul(&xCombined)

	var zPlusRx secp256k1.ModNScalar
	zPlusRx.Set(&s.prehash)
	zPlusRx.Add(&rx)

	var sig secp256k1.ModNScalar
	sig.Set(&kInv)
	sig.Mul(&zPlusRx)
	if sig.IsZero() {
		return nil, fmt.Errorf("ecdsa: combined signature scalar is zero, aborting signature")
	}

	recoveryID := byte(0)
	if rPt.Y.IsOdd() {
		recoveryID = 1
	}
	if sig.IsOverHalfOrder() {
		sig.Negate()
		recoveryID ^= 1
	}

	verifySig := ecdsa.NewSignature(&r, &sig)
	prehashBytes := s.prehash.Bytes()
	if !verifySig.Verify(prehashBytes[:], s.groupPublicKey) {
		return nil, fmt.Errorf("ecdsa: combined signature failed verification against the group public key")
	}

	rOut := r.Bytes()
	sOut := sig.Bytes()
	out := make([]byte, 65)
	out[0] = 27 + 4 + recoveryID // compact header: compressed-pubkey recovery format
	copy(out[1:33], rOut[:])
	copy(out[33:65], sOut[:])
	return out, nil
}
