package mrtd

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log/slog"
)

// BacResult is the outcome of a successful BAC run: a secure channel
// ready for WithChannel, keyed by session keys derived from the mutual
// authentication exchange.
type BacResult struct {
	Channel *SecureChannel
}

// BacProtocol runs Basic Access Control: the legacy 3DES mutual
// authentication derived from the MRZ.
type BacProtocol struct {
	svc *ApduService
}

// NewBacProtocol binds a BAC run to svc. svc must not yet have a secure
// channel installed.
func NewBacProtocol(svc *ApduService) *BacProtocol {
	return &BacProtocol{svc: svc}
}

// Run executes the BAC challenge/response exchange against the card and
// returns the resulting secure channel.
func (b *BacProtocol) Run(key *MrzKey) (*BacResult, error) {
	kEncStatic, kMacStatic, err := BacStaticKeys(key)
	if err != nil {
		return nil, err
	}

	rndICC, err := b.svc.GetChallenge(8)
	if err != nil {
		return nil, fmt.Errorf("bac get challenge: %w", err)
	}
	if len(rndICC) != 8 {
		return nil, &BacDeniedError{Reason: fmt.Sprintf("GET CHALLENGE returned %d bytes, want 8", len(rndICC))}
	}

	rndIFD, err := randOrOverride("MRTD_BAC_RND_IFD", 8)
	if err != nil {
		return nil, err
	}
	kIFD, err := randOrOverride("MRTD_BAC_K_IFD", 16)
	if err != nil {
		return nil, err
	}

	s := make([]byte, 0, 32)
	s = append(s, rndIFD...)
	s = append(s, rndICC...)
	s = append(s, kIFD...)

	eIFD, err := tripleDESCBCEncrypt(kEncStatic, make([]byte, 8), s)
	if err != nil {
		return nil, err
	}
	mIFD, err := retailMAC(kMacStatic, padISO7816_4(eIFD, 8))
	if err != nil {
		return nil, err
	}

	cmdData := append(append([]byte{}, eIFD...), mIFD...)
	resp, err := b.svc.ExternalAuthenticate(cmdData, 40)
	if err != nil {
		return nil, &BacDeniedError{Reason: err.Error()}
	}
	if len(resp) != 40 {
		return nil, &BacDeniedError{Reason: fmt.Sprintf("mutual authenticate response was %d bytes, want 40", len(resp))}
	}
	eICC, mICC := resp[:32], resp[32:]

	expectedMAC, err := retailMAC(kMacStatic, padISO7816_4(eICC, 8))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(expectedMAC, mICC) {
		return nil, &BacDeniedError{Reason: "response MAC mismatch"}
	}

	sResp, err := tripleDESCBCDecrypt(kEncStatic, make([]byte, 8), eICC)
	if err != nil {
		return nil, err
	}
	if len(sResp) != 32 {
		return nil, &BacDeniedError{Reason: "decrypted response has wrong length"}
	}
	respRndICC, respRndIFD, kICC := sResp[0:8], sResp[8:16], sResp[16:32]
	if !bytes.Equal(respRndICC, rndICC) || !bytes.Equal(respRndIFD, rndIFD) {
		return nil, &BacDeniedError{Reason: "nonce echo mismatch, possible relay"}
	}

	keySeed := make([]byte, 16)
	for i := range keySeed {
		keySeed[i] = kIFD[i] ^ kICC[i]
	}

	kEncSession, err := DeriveEncKey(keySeed, CipherTDES, 112)
	if err != nil {
		return nil, err
	}
	kMacSession, err := DeriveMacKey(keySeed, CipherTDES, 112)
	if err != nil {
		return nil, err
	}

	ssc := make([]byte, 8)
	copy(ssc[0:4], rndICC[4:8])
	copy(ssc[4:8], rndIFD[4:8])

	channel, err := NewSecureChannel(kEncSession, kMacSession, CipherTDES, ssc)
	if err != nil {
		return nil, err
	}
	slog.Info("bac authenticated", "ssc", fmt.Sprintf("%X", ssc))
	return &BacResult{Channel: channel}, nil
}

// randOrOverride draws n random bytes, unless the named environment
// variable supplies a hex override of the right length, for
// deterministic protocol tests.
func randOrOverride(envVar string, n int) ([]byte, error) {
	if b, ok := rndOverrideFromEnv(envVar, n); ok {
		return b, nil
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random generation: %w", err)
	}
	return b, nil
}
