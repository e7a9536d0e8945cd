package mrtd

import (
	"bytes"
	"crypto/aes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"log/slog"
)

// ChipAuthResult is the outcome of a successful Chip Authentication
// run: a new secure channel keyed from the ephemeral exchange, and the
// SHA hash of the terminal's ephemeral public key for the Passive
// Authentication cross-check and Terminal Authentication's signature
// input.
type ChipAuthResult struct {
	Channel          *SecureChannel
	EphemeralPubKey  []byte
	EphemeralKeyHash []byte
}

// EacProtocol runs Extended Access Control: Chip Authentication (proves
// the chip holds the private key matching a DG14-published public key,
// replacing the current secure channel with one keyed from that
// exchange) and Terminal Authentication (proves the reader holds a
// certificate chain rooted in a CVCA the chip trusts).
type EacProtocol struct {
	svc *ApduService
}

// NewEacProtocol binds an EAC run to svc.
func NewEacProtocol(svc *ApduService) *EacProtocol {
	return &EacProtocol{svc: svc}
}

// ChipAuthentication runs Chip Authentication given the chip's static
// public key (as published in DG14), the standardized domain parameter
// set it uses, and the cipher/key length the resulting session is keyed
// with. previous is the channel CA is replacing (from BAC or PACE); when
// both it and the new channel are AES its current SSC is carried over,
// otherwise the new channel starts from zero.
func (e *EacProtocol) ChipAuthentication(oid string, domainParamID int, chipPublicKey []byte, cipherAlg CipherAlg, keyLenBits int, previous *SecureChannel) (*ChipAuthResult, error) {
	oidBytes, err := encodeOIDValue(oid)
	if err != nil {
		return nil, err
	}

	var sharedSecret, ephPub []byte
	if _, isEC := curveByParamID[domainParamID]; isEC {
		group, err := ecGroupForParamID(domainParamID)
		if err != nil {
			return nil, err
		}
		chipPub, err := group.decodePoint(chipPublicKey)
		if err != nil {
			return nil, &CryptoError{Op: "ca-decode-chip-key", Cause: err}
		}
		pcdPriv, pcdPub, err := group.generateKeyPair()
		if err != nil {
			return nil, err
		}
		ephPub = group.encodePoint(pcdPub)
		if err := e.svc.MSESetKAT(oidBytes, ephPub); err != nil {
			return nil, fmt.Errorf("chip authentication MSE:Set KAT: %w", err)
		}
		sharedSecret = group.sharedSecretX(pcdPriv, chipPub)
	} else {
		group, err := dhGroupForParamID(domainParamID)
		if err != nil {
			return nil, err
		}
		chipPub := group.decodeValue(chipPublicKey)
		pcdPriv, pcdPub, err := group.generateKeyPair()
		if err != nil {
			return nil, err
		}
		ephPub = group.encodeValue(pcdPub)
		if err := e.svc.MSESetKAT(oidBytes, ephPub); err != nil {
			return nil, fmt.Errorf("chip authentication MSE:Set KAT: %w", err)
		}
		sharedSecret = group.sharedSecret(pcdPriv, chipPub)
	}

	kEnc, err := DeriveEncKey(sharedSecret, cipherAlg, keyLenBits)
	if err != nil {
		return nil, err
	}
	kMac, err := DeriveMacKey(sharedSecret, cipherAlg, keyLenBits)
	if err != nil {
		return nil, err
	}

	ssc := make([]byte, blockSizeFor(cipherAlg))
	if cipherAlg == CipherAES && previous != nil && previous.cipherAlg == CipherAES {
		copy(ssc, previous.SSC())
	}

	channel, err := NewSecureChannel(kEnc, kMac, cipherAlg, ssc)
	if err != nil {
		return nil, err
	}
	slog.Info("chip authentication complete", "cipher", cipherAlg.String(), "domainParam", domainParamID)
	return &ChipAuthResult{
		Channel:          channel,
		EphemeralPubKey:  ephPub,
		EphemeralKeyHash: hashForKeyLen(keyLenBits, ephPub),
	}, nil
}

// hashForKeyLen picks the digest Terminal Authentication's signature
// input and the DG14 cross-check use for a session of the given key
// length: SHA-1 for legacy 3DES/112 sessions, SHA-256 otherwise.
func hashForKeyLen(keyLenBits int, data []byte) []byte {
	if keyLenBits <= 112 {
		sum := sha1.Sum(data)
		return sum[:]
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// CVCertificate is a card-verifiable certificate in the chain a
// terminal presents during Terminal Authentication: its raw CVC bytes
// and the holder reference of the key that signed it.
type CVCertificate struct {
	Raw    []byte
	KeyRef []byte
}

// TerminalAuthentication verifies the terminal's certificate chain to
// the card and proves possession of the chain's terminal private key:
// for each certificate, MSE:Set DST names the verifying key and
// PSO:Verify Certificate transfers the certificate; then MSE:Set AT
// selects the terminal key, the card is asked for a challenge, and the
// terminal signs idPICC || rndICC || ephemeralKeyHash. sign is supplied
// by the caller since the terminal private key never enters this
// package.
func (e *EacProtocol) TerminalAuthentication(chain []CVCertificate, terminalOID []byte, idPICC, ephemeralKeyHash []byte, sign func([]byte) ([]byte, error)) error {
	if len(chain) == 0 {
		return fmt.Errorf("terminal authentication requires at least one certificate")
	}

	for _, cert := range chain {
		if err := e.svc.MSESetDST(cert.KeyRef); err != nil {
			return fmt.Errorf("terminal authentication MSE:Set DST: %w", err)
		}
		if err := e.svc.PSOVerifyCertificate(cert.Raw); err != nil {
			return fmt.Errorf("terminal authentication certificate verification: %w", err)
		}
	}

	terminalKeyRef := chain[len(chain)-1].KeyRef
	if err := e.svc.MSESetATExternalAuth(terminalOID, terminalKeyRef); err != nil {
		return fmt.Errorf("terminal authentication MSE:Set AT: %w", err)
	}

	rndICC, err := e.svc.GetChallenge(8)
	if err != nil {
		return fmt.Errorf("terminal authentication challenge: %w", err)
	}

	toSign := make([]byte, 0, len(idPICC)+len(rndICC)+len(ephemeralKeyHash))
	toSign = append(toSign, idPICC...)
	toSign = append(toSign, rndICC...)
	toSign = append(toSign, ephemeralKeyHash...)

	signature, err := sign(toSign)
	if err != nil {
		return fmt.Errorf("terminal authentication signing: %w", err)
	}
	if _, err := e.svc.ExternalAuthenticate(signature, 0); err != nil {
		return fmt.Errorf("terminal authentication external authenticate: %w", err)
	}
	slog.Info("terminal authentication complete", "chainLength", len(chain))
	return nil
}

// DecryptCAMChipAuthKey decrypts the Chip Authentication public key a
// PACE-CAM run delivered still encrypted, using the PACE session
// encryption key and an all-0xFF IV. The IV is fixed rather than
// SSC-derived because the card produced this ciphertext before any
// session traffic existed.
func DecryptCAMChipAuthKey(channel *SecureChannel, encrypted []byte) ([]byte, error) {
	if channel.cipherAlg != CipherAES {
		return nil, &UnsupportedError{Feature: "PACE-CAM over 3DES"}
	}
	iv := bytes.Repeat([]byte{0xFF}, aes.BlockSize)
	dec, err := aesCBCDecrypt(channel.kEnc, iv, encrypted)
	if err != nil {
		return nil, err
	}
	return unpadISO7816_4(dec)
}
