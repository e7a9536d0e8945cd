package mrtd

import (
	"bytes"
	"crypto/aes"
	"math/big"
	"testing"
)

// TestChipAuthenticationECDH runs CA against a scripted card whose
// DG14 key is a known scalar, and checks the replacement channel's SSC
// carryover rules.
func TestChipAuthenticationECDH(t *testing.T) {
	group, _ := ecGroupForParamID(12)
	chipPub := group.encodePoint(group.scalarMult(group.generator(), big.NewInt(123456789)))

	tr := newScriptTransport(swBytes(0x9000)) // MSE:Set KAT
	svc := NewApduService(tr, nil)

	prev, err := NewSecureChannel(make([]byte, 16), make([]byte, 16), CipherAES, mustHex(t, "00000000000000000000000000000042"))
	if err != nil {
		t.Fatalf("NewSecureChannel: %v", err)
	}

	result, err := NewEacProtocol(svc).ChipAuthentication("0.4.0.127.0.7.2.2.3.2.1", 12, chipPub, CipherAES, 128, prev)
	if err != nil {
		t.Fatalf("ChipAuthentication: %v", err)
	}
	if result.Channel.cipherAlg != CipherAES {
		t.Fatalf("cipher = %v", result.Channel.cipherAlg)
	}
	// AES replacement carries the previous channel's counter.
	if !bytes.Equal(result.Channel.SSC(), prev.SSC()) {
		t.Fatalf("SSC = %X, want carryover %X", result.Channel.SSC(), prev.SSC())
	}
	if len(result.EphemeralPubKey) != 1+2*group.fieldByteLen() {
		t.Fatalf("ephemeral key length = %d", len(result.EphemeralPubKey))
	}
	if len(result.EphemeralKeyHash) != 32 {
		t.Fatalf("ephemeral key hash length = %d, want SHA-256", len(result.EphemeralKeyHash))
	}

	// The MSE:Set KAT command carried the OID and the ephemeral key.
	cmd := tr.sent[0]
	if !bytes.Equal(cmd[:4], mustHex(t, "002241A6")) {
		t.Fatalf("MSE:Set KAT header = %X", cmd[:4])
	}
	if !bytes.Contains(cmd, result.EphemeralPubKey) {
		t.Fatalf("MSE:Set KAT does not carry the ephemeral public key")
	}
}

func TestChipAuthenticationTDESResetsSSC(t *testing.T) {
	group, _ := ecGroupForParamID(12)
	chipPub := group.encodePoint(group.scalarMult(group.generator(), big.NewInt(97)))

	prev, _ := NewSecureChannel(make([]byte, 16), make([]byte, 16), CipherTDES, mustHex(t, "887022120C06C226"))
	svc := NewApduService(newScriptTransport(swBytes(0x9000)), nil)

	result, err := NewEacProtocol(svc).ChipAuthentication("0.4.0.127.0.7.2.2.3.1.1", 12, chipPub, CipherTDES, 112, prev)
	if err != nil {
		t.Fatalf("ChipAuthentication: %v", err)
	}
	if !bytes.Equal(result.Channel.SSC(), make([]byte, 8)) {
		t.Fatalf("3DES replacement SSC = %X, want zero", result.Channel.SSC())
	}
}

// TestTerminalAuthenticationSequence checks the command order and the
// composition of the signed blob: for each certificate MSE:Set DST then
// PSO, then MSE:Set AT, GET CHALLENGE, and EXTERNAL AUTHENTICATE over
// idPICC || rndICC || ephemeral key hash.
func TestTerminalAuthenticationSequence(t *testing.T) {
	rndICC := mustHex(t, "0102030405060708")
	tr := newScriptTransport(
		swBytes(0x9000),        // MSE:Set DST
		swBytes(0x9000),        // PSO
		swBytes(0x9000),        // MSE:Set AT
		withSW(rndICC, 0x9000), // GET CHALLENGE
		swBytes(0x9000),        // EXTERNAL AUTHENTICATE
	)
	svc := NewApduService(tr, nil)

	idPICC := []byte("D23145890")
	ephHash := bytes.Repeat([]byte{0xAB}, 32)
	var signed []byte
	err := NewEacProtocol(svc).TerminalAuthentication(
		[]CVCertificate{{Raw: make([]byte, 100), KeyRef: []byte("DETESTCVCA00001")}},
		mustHex(t, "04007F000702020202"),
		idPICC, ephHash,
		func(data []byte) ([]byte, error) {
			signed = append([]byte{}, data...)
			return make([]byte, 64), nil
		},
	)
	if err != nil {
		t.Fatalf("TerminalAuthentication: %v", err)
	}

	want := append(append(append([]byte{}, idPICC...), rndICC...), ephHash...)
	if !bytes.Equal(signed, want) {
		t.Fatalf("signed = %X, want %X", signed, want)
	}

	headers := [][]byte{
		mustHex(t, "002281B6"), // MSE:Set DST
		mustHex(t, "002A00BE"), // PSO:Verify Certificate
		mustHex(t, "002281A4"), // MSE:Set AT
		mustHex(t, "00840000"), // GET CHALLENGE
		mustHex(t, "00820000"), // EXTERNAL AUTHENTICATE
	}
	for i, h := range headers {
		if !bytes.Equal(tr.sent[i][:4], h) {
			t.Fatalf("command %d header = %X, want %X", i, tr.sent[i][:4], h)
		}
	}
}

func TestTerminalAuthenticationRequiresChain(t *testing.T) {
	svc := NewApduService(newScriptTransport(), nil)
	err := NewEacProtocol(svc).TerminalAuthentication(nil, nil, nil, nil, nil)
	if err == nil {
		t.Fatalf("expected error for empty chain")
	}
}

// TestDecryptCAMChipAuthKey round-trips the CAM post-step: data
// encrypted under the session key with the all-0xFF IV decrypts and
// unpads to the original chip authentication data.
func TestDecryptCAMChipAuthKey(t *testing.T) {
	kEnc := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	ch, err := NewSecureChannel(kEnc, make([]byte, 16), CipherAES, make([]byte, 16))
	if err != nil {
		t.Fatalf("NewSecureChannel: %v", err)
	}

	plain := mustHex(t, "86410401020304")
	iv := bytes.Repeat([]byte{0xFF}, aes.BlockSize)
	enc, err := aesCBCEncrypt(kEnc, iv, padISO7816_4(plain, aes.BlockSize))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	dec, err := DecryptCAMChipAuthKey(ch, enc)
	if err != nil {
		t.Fatalf("DecryptCAMChipAuthKey: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("decrypted = %X, want %X", dec, plain)
	}
}

func TestDecryptCAMChipAuthKeyRejectsTDES(t *testing.T) {
	ch, _ := NewSecureChannel(make([]byte, 16), make([]byte, 16), CipherTDES, make([]byte, 8))
	if _, err := DecryptCAMChipAuthKey(ch, make([]byte, 16)); err == nil {
		t.Fatalf("expected UnsupportedError for a 3DES channel")
	}
}
