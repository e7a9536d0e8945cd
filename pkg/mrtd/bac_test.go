package mrtd

import (
	"bytes"
	"errors"
	"testing"
)

// TestBacRunWorkedExample drives the full BAC exchange against a
// scripted card using the ICAO 9303-11 worked example: fixed rndIFD and
// kIFD via the environment overrides, the published card responses, and
// the published session keys and initial SSC on the resulting channel.
func TestBacRunWorkedExample(t *testing.T) {
	t.Setenv("MRTD_BAC_RND_IFD", "781723860C06C226")
	t.Setenv("MRTD_BAC_K_IFD", "0B795240CB7049B01C19B33E32804F0B")

	cardResponse := mustHex(t, "46B9342A41396CD7386BF5803104D7CEDC122B9132139BAF2EEDC94EE178534F2F2D235D074D7449")
	tr := newScriptTransport(
		withSW(mustHex(t, "4608F91988702212"), 0x9000), // GET CHALLENGE
		withSW(cardResponse, 0x9000),                   // EXTERNAL AUTHENTICATE
	)
	svc := NewApduService(tr, nil)

	mrz, err := NewMrzKey("L898902C<", "690806", "940623")
	if err != nil {
		t.Fatalf("NewMrzKey: %v", err)
	}
	result, err := NewBacProtocol(svc).Run(mrz)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The command carried the published cryptogram and MAC.
	extAuth := tr.sent[1]
	wantE := mustHex(t, "72C29C2371CC9BDB65B779B8E8D37B29ECC154AA56A8799FAE2F498F76ED92F2")
	wantM := mustHex(t, "5F1448EEA8AD90A7")
	if !bytes.Equal(extAuth[5:37], wantE) {
		t.Fatalf("cryptogram = %X, want %X", extAuth[5:37], wantE)
	}
	if !bytes.Equal(extAuth[37:45], wantM) {
		t.Fatalf("MAC = %X, want %X", extAuth[37:45], wantM)
	}

	ch := result.Channel
	if !bytes.Equal(ch.kEnc, mustHex(t, "979EC13B1CBFE9DCD01AB0FED307EAE5")) {
		t.Fatalf("session k_enc = %X", ch.kEnc)
	}
	if !bytes.Equal(ch.kMac, mustHex(t, "F1CB1F1FB5ADF208806B89DC579DC1F8")) {
		t.Fatalf("session k_mac = %X", ch.kMac)
	}
	if !bytes.Equal(ch.SSC(), mustHex(t, "887022120C06C226")) {
		t.Fatalf("initial SSC = %X", ch.SSC())
	}
	if ch.cipherAlg != CipherTDES {
		t.Fatalf("cipher = %v, want 3DES", ch.cipherAlg)
	}
}

// TestBacRunRejectsTamperedResponse flips a bit in the card's MAC and
// expects BacDeniedError with no channel.
func TestBacRunRejectsTamperedResponse(t *testing.T) {
	t.Setenv("MRTD_BAC_RND_IFD", "781723860C06C226")
	t.Setenv("MRTD_BAC_K_IFD", "0B795240CB7049B01C19B33E32804F0B")

	tampered := mustHex(t, "46B9342A41396CD7386BF5803104D7CEDC122B9132139BAF2EEDC94EE178534F2F2D235D074D7448")
	tr := newScriptTransport(
		withSW(mustHex(t, "4608F91988702212"), 0x9000),
		withSW(tampered, 0x9000),
	)
	mrz, _ := NewMrzKey("L898902C<", "690806", "940623")
	_, err := NewBacProtocol(NewApduService(tr, nil)).Run(mrz)
	var denied *BacDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected BacDeniedError, got %v", err)
	}
}

// TestBacRunRejectsWrongNonceEcho re-encrypts a response whose nonces
// do not match what the terminal sent, which must also be denied.
func TestBacRunRejectsWrongNonceEcho(t *testing.T) {
	t.Setenv("MRTD_BAC_RND_IFD", "781723860C06C226")
	t.Setenv("MRTD_BAC_K_IFD", "0B795240CB7049B01C19B33E32804F0B")

	mrz, _ := NewMrzKey("L898902C<", "690806", "940623")
	kEnc, kMac, err := BacStaticKeys(mrz)
	if err != nil {
		t.Fatalf("BacStaticKeys: %v", err)
	}

	// rndICC echoed wrong: first byte flipped.
	s := mustHex(t, "4708F91988702212781723860C06C2260B4F80323EB3191CB04970CB4052790B")
	e, err := tripleDESCBCEncrypt(kEnc, make([]byte, 8), s)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	m, err := retailMAC(kMac, padISO7816_4(e, 8))
	if err != nil {
		t.Fatalf("mac: %v", err)
	}

	tr := newScriptTransport(
		withSW(mustHex(t, "4608F91988702212"), 0x9000),
		withSW(append(e, m...), 0x9000),
	)
	_, err = NewBacProtocol(NewApduService(tr, nil)).Run(mrz)
	var denied *BacDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected BacDeniedError, got %v", err)
	}
}

func TestBacRunRejectsShortChallenge(t *testing.T) {
	tr := newScriptTransport(withSW(mustHex(t, "4608F919"), 0x9000))
	mrz, _ := NewMrzKey("L898902C<", "690806", "940623")
	_, err := NewBacProtocol(NewApduService(tr, nil)).Run(mrz)
	var denied *BacDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected BacDeniedError, got %v", err)
	}
}
