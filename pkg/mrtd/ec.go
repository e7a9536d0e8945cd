package mrtd

import (
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
)

// ecGroup is an EC domain parameter set usable for PACE or Chip
// Authentication. PACE's Generic Mapping needs point addition
// (G' = s*G + H), not just scalar multiplication, so this package works
// directly against crypto/elliptic's Curve interface rather than a
// fixed-function ECDH wrapper (see DESIGN.md).
type ecGroup struct {
	curve elliptic.Curve
}

// curveByParamID maps ICAO 9303-11 / BSI TR-03110 standardized domain
// parameter identifiers to the curves the Go standard library
// implements. The Brainpool identifiers (9, 11, 13, 14, 16, 17) are not
// registered; selecting one yields UnsupportedError rather than a
// silently substituted curve.
var curveByParamID = map[int]elliptic.Curve{
	12: elliptic.P256(),
	15: elliptic.P384(),
	18: elliptic.P521(),
}

func ecGroupForParamID(id int) (*ecGroup, error) {
	curve, ok := curveByParamID[id]
	if !ok {
		return nil, &UnsupportedError{Feature: fmt.Sprintf("EC domain parameter set %d", id)}
	}
	return &ecGroup{curve: curve}, nil
}

func (g *ecGroup) fieldByteLen() int {
	return (g.curve.Params().BitSize + 7) / 8
}

// ecPoint is an affine point on the group's curve.
type ecPoint struct {
	X, Y *big.Int
}

func (g *ecGroup) generator() ecPoint {
	p := g.curve.Params()
	return ecPoint{X: p.Gx, Y: p.Gy}
}

// generateKeyPair draws a random private scalar and returns it with its
// public point.
func (g *ecGroup) generateKeyPair() (priv *big.Int, pub ecPoint, err error) {
	d, x, y, err := elliptic.GenerateKey(g.curve, rand.Reader)
	if err != nil {
		return nil, ecPoint{}, &CryptoError{Op: "ec-keygen", Cause: err}
	}
	return new(big.Int).SetBytes(d), ecPoint{X: x, Y: y}, nil
}

// scalarMult computes d*P.
func (g *ecGroup) scalarMult(p ecPoint, d *big.Int) ecPoint {
	x, y := g.curve.ScalarMult(p.X, p.Y, d.Bytes())
	return ecPoint{X: x, Y: y}
}

// add computes P+Q.
func (g *ecGroup) add(p, q ecPoint) ecPoint {
	x, y := g.curve.Add(p.X, p.Y, q.X, q.Y)
	return ecPoint{X: x, Y: y}
}

// isOnCurve validates a decoded point lies on the group's curve, guarding
// against invalid-curve attacks on peer-supplied public values.
func (g *ecGroup) isOnCurve(p ecPoint) bool {
	return g.curve.IsOnCurve(p.X, p.Y)
}

// encodePoint emits the SEC1 uncompressed point encoding (0x04 || X || Y,
// each field-size bytes), the form the mapping and ephemeral-key data
// objects carry for EC domain parameters.
func (g *ecGroup) encodePoint(p ecPoint) []byte {
	n := g.fieldByteLen()
	out := make([]byte, 1+2*n)
	out[0] = 0x04
	p.X.FillBytes(out[1 : 1+n])
	p.Y.FillBytes(out[1+n : 1+2*n])
	return out
}

// decodePoint parses a SEC1 uncompressed point and verifies it lies on
// the curve.
func (g *ecGroup) decodePoint(data []byte) (ecPoint, error) {
	n := g.fieldByteLen()
	if len(data) != 1+2*n || data[0] != 0x04 {
		return ecPoint{}, &MalformedResponseError{Reason: "expected uncompressed EC point (0x04 || X || Y)"}
	}
	p := ecPoint{
		X: new(big.Int).SetBytes(data[1 : 1+n]),
		Y: new(big.Int).SetBytes(data[1+n : 1+2*n]),
	}
	if !g.isOnCurve(p) {
		return ecPoint{}, &CryptoError{Op: "ec-decode-point", Cause: fmt.Errorf("point not on curve")}
	}
	return p, nil
}

// sharedSecretX computes the ECDH shared secret as the X coordinate of
// d*Q, field-size padded big-endian.
func (g *ecGroup) sharedSecretX(d *big.Int, q ecPoint) []byte {
	s := g.scalarMult(q, d)
	n := g.fieldByteLen()
	out := make([]byte, n)
	s.X.FillBytes(out)
	return out
}

// randomScalar draws a uniform private scalar in [1, N-1], N the curve's
// base point order.
func (g *ecGroup) randomScalar() (*big.Int, error) {
	n := g.curve.Params().N
	for {
		d, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, &CryptoError{Op: "ec-random-scalar", Cause: err}
		}
		if d.Sign() != 0 {
			return d, nil
		}
	}
}

// mapNonceIM implements PACE Integrated Mapping for the ECDH case: the
// nonce alone (already shared by both sides after step 1) determines the
// mapped generator, so no mapping key-pair exchange is needed. This uses
// a PRF-based scalar derivation rather than the ICAO Annex's SWU-style
// hash-to-curve map, which this package does not implement bit-exactly.
func (g *ecGroup) mapNonceIM(nonce []byte) ecPoint {
	n := g.curve.Params().N
	t := new(big.Int).Mod(new(big.Int).SetBytes(prfExpand(nonce, g.fieldByteLen()+8)), n)
	return g.scalarMult(g.generator(), t)
}

// mapNonceGM implements PACE Generic Mapping for the ECDH case:
// G' = s*G + H, where s = os2i(nonce) and H is the Diffie-Hellman
// shared point derived from the PCD/PICC mapping key pairs.
func (g *ecGroup) mapNonceGM(nonce []byte, h ecPoint) ecPoint {
	s := new(big.Int).SetBytes(nonce)
	sG := g.scalarMult(g.generator(), s)
	return g.add(sG, h)
}
