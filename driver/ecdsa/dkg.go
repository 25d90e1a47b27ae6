package ecdsa

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrEquivocation is returned when a party's echoed commitment digest
// disagrees with the digest this driver computed over the commitments it
// received directly from every dealer, indicating a dealer sent
// inconsistent commitments to different recipients.
var ErrEquivocation = errors.New("ecdsa: dealer equivocated on its commitments")

// DKGOutput is the JSON-encoded payload TryFinalizeRound returns: this
// party's final signing-key share and the group's verifying key, both
// needed to drive a later Signer.
type DKGOutput struct {
	Share          []byte `json:"share"`
	GroupPublicKey []byte `json:"group_public_key"`
}

// DKG runs a Feldman-VSS distributed key generation among n parties
// with threshold t (t parties are required to later sign). It implements
// bridge.ProtocolDriver.
type DKG struct {
	self, n, threshold int

	poly           polynomial
	ownCommitments [][]byte

	receivedCommitments map[int][][]byte
	receivedShares      map[int]secp256k1.ModNScalar
	receivedEchoes      map[int][]byte
	ownEchoDigest       []byte

	round int // 1 = share exchange, 2 = echo, 3 = finished

	finalShare     secp256k1.ModNScalar
	groupPublicKey *secp256k1.PublicKey
}

// NewDKG builds a DKG for party self (1-based) among n parties with
// threshold t.
func NewDKG(self, n, threshold int) (*DKG, error) {
	if self < 1 || self > n {
		return nil, fmt.Errorf("ecdsa: party index %d out of range for n=%d", self, n)
	}
	if threshold < 1 || threshold > n {
		return nil, fmt.Errorf("ecdsa: threshold %d invalid for n=%d", threshold, n)
	}
	secret, err := randScalar()
	if err != nil {
		return nil, err
	}
	poly, err := newRandomPolynomial(secret, threshold-1)
	if err != nil {
		return nil, err
	}

	d := &DKG{
		self:                self,
		n:                   n,
		threshold:           threshold,
		poly:                poly,
		ownCommitments:      poly.commitments(),
		receivedCommitments: make(map[int][][]byte),
		receivedShares:      make(map[int]secp256k1.ModNScalar),
		receivedEchoes:      make(map[int][]byte),
		round:               1,
	}
	// A dealer evaluates its own share directly; it never sends itself
	// a wire message for it.
	d.receivedCommitments[self] = d.ownCommitments
	d.receivedShares[self] = poly.evalAt(self)
	return d, nil
}

func (d *DKG) RoundInfo() RoundInfo {
	switch d.round {
	case 1:
		return RoundInfo{RoundNumber: 1, CanFinalize: len(d.receivedShares) == d.n}
	case 2:
		return RoundInfo{RoundNumber: 2, CanFinalize: len(d.receivedEchoes) == d.n, IsEcho: true}
	default:
		return RoundInfo{RoundNumber: d.round, CanFinalize: true}
	}
}

func (d *DKG) Proceed() ([]RoundMessage, error) {
	switch d.round {
	case 1:
		out := make([]RoundMessage, 0, d.n-1)
		for j := 1; j <= d.n; j++ {
			if j == d.self {
				continue
			}
			share := d.poly.evalAt(j)
			shareBytes := share.Bytes()
			out = append(out, RoundMessage{
				Round: 1, Sender: d.self, Receiver: j,
				Body: encodeWire(wireMessage{
					Kind: kindDKGShare, From: d.self,
					Commitments: d.ownCommitments, Share: shareBytes[:],
				}),
			})
		}
		return out, nil
	case 2:
		digest, err := digestCommitmentSet(d.receivedCommitments, d.n)
		if err != nil {
			return nil, err
		}
		d.ownEchoDigest = digest
		d.receivedEchoes[d.self] = digest

		out := make([]RoundMessage, 0, d.n-1)
		for j := 1; j <= d.n; j++ {
			if j == d.self {
				continue
			}
			out = append(out, RoundMessage{
				Round: 2, Sender: d.self, Receiver: j,
				Body: encodeWire(wireMessage{Kind: kindDKGEcho, From: d.self, EchoDigest: digest}),
			})
		}
		return out, nil
	default:
		return nil, nil
	}
}

func (d *DKG) HandleIncoming(body []byte) error {
	msg, err := decodeWire(body)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case kindDKGShare:
		return d.handleShare(msg)
	case kindDKGEcho:
		d.receivedEchoes[msg.From] = msg.EchoDigest
		return nil
	default:
		return fmt.Errorf("ecdsa: unexpected message kind %q in DKG round %d", msg.Kind, d.round)
	}
}

func (d *DKG) handleShare(msg wireMessage) error {
	var share secp256k1.ModNScalar
	var buf [32]byte
	if len(msg.Share) != 32 {
		return fmt.Errorf("ecdsa: share from party %d has wrong length %d", msg.From, len(msg.Share))
	}
	copy(buf[:], msg.Share)
	if overflow := share.SetBytes(&buf); overflow != 0 {
		return fmt.Errorf("ecdsa: share from party %d does not reduce mod N", msg.From)
	}

	ok, err := verifyShare(msg.Commitments, d.self, share)
	if err != nil {
		return fmt.Errorf("ecdsa: verifying share from party %d: %w", msg.From, err)
	}
	if !ok {
		return fmt.Errorf("ecdsa: share from party %d fails commitment check", msg.From)
	}

	d.receivedCommitments[msg.From] = msg.Commitments
	d.receivedShares[msg.From] = share
	return nil
}

func (d *DKG) TryFinalizeRound() ([]byte, bool, error) {
	switch d.round {
	case 1:
		if len(d.receivedShares) < d.n {
			return nil, false, nil
		}
		d.round = 2
		return nil, false, nil
	case 2:
		if len(d.receivedEchoes) < d.n {
			return nil, false, nil
		}
		for party, digest := range d.receivedEchoes {
			if party == d.self {
				continue
			}
			if !bytesEqual(digest, d.ownEchoDigest) {
				return nil, false, ErrEquivocation
			}
		}
		return d.finalize()
	default:
		return nil, true, nil
	}
}

func (d *DKG) finalize() ([]byte, bool, error) {
	shares := make([]secp256k1.ModNScalar, 0, d.n)
	for _, s := range d.receivedShares {
		shares = append(shares, s)
	}
	d.finalShare = sumScalars(shares)

	var groupPoint secp256k1.JacobianPoint
	groupPoint.Z.SetInt(0)
	for _, commitments := range d.receivedCommitments {
		constTerm, err := secp256k1.ParsePubKey(commitments[0])
		if err != nil {
			return nil, false, err
		}
		var termJ secp256k1.JacobianPoint
		constTerm.AsJacobian(&termJ)
		secp256k1.AddNonConst(&groupPoint, &termJ, &groupPoint)
	}
	groupPoint.ToAffine()
	d.groupPublicKey = secp256k1.NewPublicKey(&groupPoint.X, &groupPoint.Y)

	d.round = 3
	shareBytes := d.finalShare.Bytes()
	out, err := json.Marshal(DKGOutput{
		Share:          shareBytes[:],
		GroupPublicKey: d.groupPublicKey.SerializeCompressed(),
	})
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func digestCommitmentSet(received map[int][][]byte, n int) ([]byte, error) {
	w := newDigestWriter()
	for dealer := 1; dealer <= n; dealer++ {
		commitments, ok := received[dealer]
		if !ok {
			return nil, fmt.Errorf("ecdsa: missing commitments from dealer %d before echo round", dealer)
		}
		for _, c := range commitments {
			w.write(c)
		}
	}
	return w.sum(), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
