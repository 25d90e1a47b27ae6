// Package ecdsa is a reference ProtocolDriver implementation: threshold
// ECDSA over secp256k1, built from a Feldman-VSS distributed key
// generation and a Lagrange-combined signing round. It exists to make
// scenario S4 (a real DKG-then-sign run) a runnable integration test for
// the bridge package, not as a production threshold-signature scheme.
//
// The signing round is a teaching simplification: the coordinator (the
// quorum's lowest party index) reconstructs the session's nonce and
// signing-key scalars from values the other quorum members send it
// directly, rather than running a full multiplicative-to-additive share
// conversion (as CGGMP/GG20 do). That is only safe because every
// point-to-point message here already travels over the bridge's
// Noise-encrypted peer channels; a coordinator that is actively
// malicious can still learn the group secret. Do not use this driver to
// protect real funds or credentials.
package ecdsa

import "encoding/json"

// msgKind tags the JSON envelope every wire message carries so a
// receiving driver knows which phase produced it.
type msgKind string

const (
	kindDKGShare    msgKind = "dkg_share"
	kindDKGEcho     msgKind = "dkg_echo"
	kindSignPartial msgKind = "sign_partial"
	kindSignFinal   msgKind = "sign_final"
)

// wireMessage is the single envelope shape every round of this driver
// sends; fields unused by a given kind are left zero.
type wireMessage struct {
	Kind msgKind `json:"kind"`
	From int     `json:"from"` // 1-based sender party index; the bridge does not pass sender identity separately

	// kindDKGShare
	Commitments [][]byte `json:"commitments,omitempty"` // compressed points, dealer's degree-(t-1) polynomial
	Share       []byte   `json:"share,omitempty"`       // 32-byte scalar, this recipient's evaluation

	// kindDKGEcho
	EchoDigest []byte `json:"echo_digest,omitempty"`

	// kindSignPartial
	NoncePoint  []byte `json:"nonce_point,omitempty"`  // compressed R_i = k_i*G
	NonceScalar []byte `json:"nonce_scalar,omitempty"` // k_i, sent only to the coordinator
	KeyScalar   []byte `json:"key_scalar,omitempty"`   // x_i, sent only to the coordinator

	// kindSignFinal
	Signature []byte `json:"signature,omitempty"` // 65-byte compact recoverable signature, coordinator -> everyone else
}

func encodeWire(m wireMessage) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		panic("ecdsa: wireMessage always marshals: " + err.Error())
	}
	return b
}

func decodeWire(body []byte) (wireMessage, error) {
	var m wireMessage
	err := json.Unmarshal(body, &m)
	return m, err
}
