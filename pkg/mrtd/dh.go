package mrtd

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// dhGroup is a finite-field Diffie-Hellman domain parameter set (prime
// modulus p, generator g, private-exponent bound q). The corpus has no
// modular DH library, so this works directly against math/big (see
// DESIGN.md).
type dhGroup struct {
	p, g, q *big.Int
}

// dhParamsByID holds the MODP groups registered for the GFP standardized
// domain parameter identifiers. ICAO 9303-11 assigns identifiers 0-2 to
// the RFC 5114 MODP groups; those constants are not embedded here, and
// identifiers 0 and 2 instead resolve to the RFC 3526 1536-bit and
// 2048-bit groups. Cards that insist on the 5114 groups will fail the
// mapping step; see DESIGN.md for the interop caveat. Identifier 1
// yields UnsupportedError.
var dhParamsByID = map[int]*dhGroup{
	0: mustDHGroup(rfc3526Group5Hex, "02"),
	2: mustDHGroup(rfc3526Group14Hex, "02"),
}

// RFC 3526 §2, 1536-bit MODP group.
const rfc3526Group5Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA237327FFFFFFFFFFFFFFFF"

// RFC 3526 §3, 2048-bit MODP group.
const rfc3526Group14Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

func dhGroupForParamID(id int) (*dhGroup, error) {
	params, ok := dhParamsByID[id]
	if !ok {
		return nil, &UnsupportedError{Feature: fmt.Sprintf("DH domain parameter set %d", id)}
	}
	return params, nil
}

func mustDHGroup(pHex, gHex string) *dhGroup {
	p, ok := new(big.Int).SetString(pHex, 16)
	if !ok {
		panic("invalid DH prime literal")
	}
	g, ok := new(big.Int).SetString(gHex, 16)
	if !ok {
		panic("invalid DH generator literal")
	}
	// (p-1)/2 for a safe prime; used only as an upper bound on private
	// exponents.
	q := new(big.Int).Rsh(p, 1)
	return &dhGroup{p: p, g: g, q: q}
}

func (g *dhGroup) fieldByteLen() int {
	return (g.p.BitLen() + 7) / 8
}

// randomScalar draws a random private exponent in [1, q-1].
func (g *dhGroup) randomScalar() (*big.Int, error) {
	for {
		x, err := rand.Int(rand.Reader, g.q)
		if err != nil {
			return nil, &CryptoError{Op: "dh-random-scalar", Cause: err}
		}
		if x.Sign() != 0 {
			return x, nil
		}
	}
}

// expWithBase computes base^exp mod p, used once the mapped generator
// replaces the group's standard generator for the ephemeral exchange.
func (g *dhGroup) expWithBase(base, exp *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, g.p)
}

// sharedSecretRaw computes peerPub^priv mod p as an integer, for use as
// an intermediate value (e.g. the Generic Mapping's h) rather than a
// final padded byte string.
func (g *dhGroup) sharedSecretRaw(priv, peerPub *big.Int) *big.Int {
	return new(big.Int).Exp(peerPub, priv, g.p)
}

// generateKeyPair draws a random private exponent and its public value
// g^x mod p.
func (g *dhGroup) generateKeyPair() (priv, pub *big.Int, err error) {
	x, err := g.randomScalar()
	if err != nil {
		return nil, nil, err
	}
	pub = new(big.Int).Exp(g.g, x, g.p)
	return x, pub, nil
}

// sharedSecret computes peerPub^priv mod p, field-size padded big-endian.
func (g *dhGroup) sharedSecret(priv, peerPub *big.Int) []byte {
	s := new(big.Int).Exp(peerPub, priv, g.p)
	out := make([]byte, g.fieldByteLen())
	s.FillBytes(out)
	return out
}

func (g *dhGroup) encodeValue(v *big.Int) []byte {
	out := make([]byte, g.fieldByteLen())
	v.FillBytes(out)
	return out
}

func (g *dhGroup) decodeValue(data []byte) *big.Int {
	return new(big.Int).SetBytes(data)
}

// mapNonceIM implements PACE Integrated Mapping for the classic-DH case,
// using the same PRF-based simplification as ecGroup.mapNonceIM.
func (g *dhGroup) mapNonceIM(nonce []byte) *big.Int {
	t := new(big.Int).Mod(new(big.Int).SetBytes(prfExpand(nonce, g.fieldByteLen()+8)), g.q)
	return new(big.Int).Exp(g.g, t, g.p)
}

// mapNonceGM implements PACE Generic Mapping for the classic-DH case:
// g' = g^s * h mod p, where s = os2i(nonce) and h is the DH shared
// secret from the PCD/PICC mapping key pairs.
func (g *dhGroup) mapNonceGM(nonce []byte, h *big.Int) *big.Int {
	s := new(big.Int).SetBytes(nonce)
	gs := new(big.Int).Exp(g.g, s, g.p)
	return new(big.Int).Mod(new(big.Int).Mul(gs, h), g.p)
}
