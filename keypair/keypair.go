// Package keypair generates and PEM-encodes the long-term Noise static
// keypairs used to identify relay servers and clients.
package keypair

import (
	"crypto/rand"
	"encoding/pem"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"

	relayerrors "github.com/polysig/relay/errors"
)

// Pattern is the default Noise pattern name recorded in the pattern PEM
// block. A keypair encoded under a different pattern will fail to decode
// against a configuration expecting this one.
const Pattern = "Noise_KK_25519_ChaChaPoly_SHA256"

const (
	pemPattern = "NOISE PATTERN"
	pemPublic  = "NOISE PUBLIC KEY"
	pemPrivate = "NOISE PRIVATE KEY"
)

// Keypair is a Noise static (public, private) pair.
type Keypair struct {
	Public  []byte
	Private []byte
}

// Generate creates a fresh Curve25519 keypair.
func Generate() (Keypair, error) {
	logger := logrus.WithFields(logrus.Fields{"function": "Generate", "package": "keypair"})

	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logger.WithError(err).Error("failed to generate keypair")
		return Keypair{}, err
	}
	logger.Debug("generated keypair")
	return Keypair{Public: public[:], Private: private[:]}, nil
}

// Encode serializes kp as three PEM blocks in order: pattern, public key,
// private key.
func Encode(kp Keypair) string {
	blocks := []*pem.Block{
		{Type: pemPattern, Bytes: []byte(Pattern)},
		{Type: pemPublic, Bytes: kp.Public},
		{Type: pemPrivate, Bytes: kp.Private},
	}
	var out []byte
	for _, b := range blocks {
		out = append(out, pem.EncodeToMemory(b)...)
	}
	return string(out)
}

// Decode parses three ordered PEM blocks written by Encode. BadKeypairPem
// is returned for the wrong number of blocks or the wrong tag order;
// PatternMismatch is returned when the pattern block doesn't match Pattern.
func Decode(data []byte) (Keypair, error) {
	var blocks []*pem.Block
	rest := data
	for {
		var blk *pem.Block
		blk, rest = pem.Decode(rest)
		if blk == nil {
			break
		}
		blocks = append(blocks, blk)
	}
	if len(blocks) != 3 {
		return Keypair{}, relayerrors.ErrBadKeypairPem
	}
	if blocks[0].Type != pemPattern || blocks[1].Type != pemPublic || blocks[2].Type != pemPrivate {
		return Keypair{}, relayerrors.ErrBadKeypairPem
	}
	if string(blocks[0].Bytes) != Pattern {
		return Keypair{}, relayerrors.ErrPatternMismatch
	}
	return Keypair{Public: blocks[1].Bytes, Private: blocks[2].Bytes}, nil
}
