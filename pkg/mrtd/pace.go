package mrtd

import (
	"bytes"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
)

// PaceKey is a static PACE password (its derived K_pi value) together
// with the key reference the card needs to know which secret it is
// (MRZ, CAN, PIN, or PUK).
type PaceKey struct {
	Ref   byte
	Value []byte
}

// NewMrzPaceKey derives K_pi from an MrzKey for MRZ-based PACE.
func NewMrzPaceKey(mrz *MrzKey, alg CipherAlg, keyLenBits int) (*PaceKey, error) {
	v, err := PaceStaticKeyFromMrz(mrz, alg, keyLenBits)
	if err != nil {
		return nil, err
	}
	return &PaceKey{Ref: PaceKeyRefMRZ, Value: v}, nil
}

// NewSecretPaceKey derives K_pi from a CAN, PIN, or PUK secret.
func NewSecretPaceKey(secret string, ref byte, alg CipherAlg, keyLenBits int) (*PaceKey, error) {
	v, err := PaceStaticKeyFromSecret(secret, alg, keyLenBits)
	if err != nil {
		return nil, err
	}
	return &PaceKey{Ref: ref, Value: v}, nil
}

// PaceResult is the outcome of a successful PACE run.
type PaceResult struct {
	Channel *SecureChannel
	// CAMEncryptedChipAuthPubKey holds the Chip Authentication public key
	// delivered under CAM mapping, still AES-encrypted exactly as the
	// card sent it; nil for GM/IM runs. DecryptCAMChipAuthKey decrypts it.
	CAMEncryptedChipAuthPubKey []byte
}

// PaceProtocol runs PACE v2 to completion: Generic Mapping, Integrated
// Mapping, or Chip Authentication Mapping, each over either classic DH
// or ECDH domain parameters.
type PaceProtocol struct {
	svc *ApduService
}

// NewPaceProtocol binds a PACE run to svc.
func NewPaceProtocol(svc *ApduService) *PaceProtocol {
	return &PaceProtocol{svc: svc}
}

// Run executes PACE against the card using the standardized OID to
// select mapping/agreement/cipher, a static password key, and an
// optional standardized domain parameter reference. When domainParamRef
// is a single byte it both goes out in MSE:Set AT and overrides the
// OID's default parameter set, matching how EF.CardAccess pins one of
// several announced sets.
func (p *PaceProtocol) Run(oid string, key *PaceKey, domainParamRef []byte) (*PaceResult, error) {
	info, err := lookupPaceOID(oid)
	if err != nil {
		return nil, err
	}
	oidBytes, err := encodeOIDValue(oid)
	if err != nil {
		return nil, &PaceError{Step: "encode-oid", Cause: err}
	}
	paramID := info.DomainParam
	if len(domainParamRef) == 1 {
		paramID = int(domainParamRef[0])
	}

	if err := p.svc.MSESetATMutualAuthPACE(oidBytes, key.Ref, domainParamRef); err != nil {
		return nil, &PaceError{Step: "mse-set-at", Cause: err}
	}

	step1, err := p.svc.GeneralAuthenticate(nil, false)
	if err != nil {
		return nil, &PaceError{Step: "step1-request", Cause: err}
	}
	encNonce, err := unwrapDO(TagEncryptedNonce, step1)
	if err != nil {
		return nil, &PaceError{Step: "step1-parse", Cause: err}
	}
	nonce, err := decryptPaceNonce(info.CipherAlg, key.Value, encNonce)
	if err != nil {
		return nil, &PaceError{Step: "step1-decrypt-nonce", Cause: err}
	}

	var result *PaceResult
	switch info.Agreement {
	case AgreementECDH:
		result, err = p.runECDH(info, oid, paramID, nonce)
	case AgreementDH:
		result, err = p.runDH(info, oid, paramID, nonce)
	default:
		return nil, &UnsupportedError{Feature: "PACE agreement family"}
	}
	if err != nil {
		return nil, err
	}
	slog.Info("pace authenticated", "oid", oid, "cipher", info.CipherAlg.String(), "domainParam", paramID)
	return result, nil
}

func (p *PaceProtocol) runECDH(info PaceOIDInfo, oid string, paramID int, nonce []byte) (*PaceResult, error) {
	group, err := ecGroupForParamID(paramID)
	if err != nil {
		return nil, err
	}

	var mappedGenerator ecPoint
	switch info.Mapping {
	case MappingGeneric, MappingChipAuthentication:
		pcdPriv, pcdPub, err := group.generateKeyPair()
		if err != nil {
			return nil, &PaceError{Step: "step2-keygen", Cause: err}
		}
		step2, err := p.svc.GeneralAuthenticate(wrapDO(TagMappingDataPCD, group.encodePoint(pcdPub)), false)
		if err != nil {
			return nil, &PaceError{Step: "step2-exchange", Cause: err}
		}
		piccMappingValue, err := unwrapDO(TagMappingDataPICC, step2)
		if err != nil {
			return nil, &PaceError{Step: "step2-parse", Cause: err}
		}
		piccMappingPub, err := group.decodePoint(piccMappingValue)
		if err != nil {
			return nil, &PaceError{Step: "step2-decode", Cause: err}
		}
		h := group.scalarMult(piccMappingPub, pcdPriv)
		mappedGenerator = group.mapNonceGM(nonce, h)
	case MappingIntegrated:
		mappedGenerator = group.mapNonceIM(nonce)
	default:
		return nil, &UnsupportedError{Feature: "PACE mapping"}
	}
	if !group.isOnCurve(mappedGenerator) {
		return nil, &PaceError{Step: "step2-map", Reason: "mapped generator not on curve"}
	}

	pcdEphPriv, err := group.randomScalar()
	if err != nil {
		return nil, &PaceError{Step: "step3-keygen", Cause: err}
	}
	pcdEphPub := group.scalarMult(mappedGenerator, pcdEphPriv)

	step3, err := p.svc.GeneralAuthenticate(wrapDO(TagEphemeralPubPCD, group.encodePoint(pcdEphPub)), false)
	if err != nil {
		return nil, &PaceError{Step: "step3-exchange", Cause: err}
	}
	piccEphValue, err := unwrapDO(TagEphemeralPubPICC, step3)
	if err != nil {
		return nil, &PaceError{Step: "step3-parse", Cause: err}
	}
	piccEphPub, err := group.decodePoint(piccEphValue)
	if err != nil {
		return nil, &PaceError{Step: "step3-decode", Cause: err}
	}
	if bytes.Equal(group.encodePoint(pcdEphPub), piccEphValue) {
		return nil, &PaceError{Step: "step3-validate", Reason: "card echoed the terminal's ephemeral public key"}
	}

	sharedSecret := group.sharedSecretX(pcdEphPriv, piccEphPub)

	kEnc, kMac, err := deriveSessionKeys(sharedSecret, info)
	if err != nil {
		return nil, err
	}

	tPCD, err := computeAuthToken(oid, group.encodePoint(piccEphPub), kMac, info.CipherAlg)
	if err != nil {
		return nil, &PaceError{Step: "step4-compute-token", Cause: err}
	}

	step4, err := p.svc.GeneralAuthenticate(wrapDO(TagAuthTokenPCD, tPCD), true)
	if err != nil {
		return nil, &PaceError{Step: "step4-exchange", Cause: err}
	}
	tPICC, err := readTagIfPresent(step4, TagAuthTokenPICC)
	if err != nil || tPICC == nil {
		return nil, &PaceError{Step: "step4-parse", Cause: err, Reason: "missing authentication token"}
	}
	expected, err := computeAuthToken(oid, group.encodePoint(pcdEphPub), kMac, info.CipherAlg)
	if err != nil {
		return nil, &PaceError{Step: "step4-verify", Cause: err}
	}
	if !bytes.Equal(expected, tPICC) {
		return nil, &PaceError{Step: "step4-verify", Reason: "authentication token mismatch"}
	}

	result := &PaceResult{}
	if info.Mapping == MappingChipAuthentication {
		camData, err := readTagIfPresent(step4, TagCAMEncryptedData)
		if err != nil {
			return nil, &PaceError{Step: "cam-parse", Cause: err}
		}
		if camData == nil {
			return nil, &PaceError{Step: "cam-parse", Reason: "card omitted encrypted chip authentication data"}
		}
		result.CAMEncryptedChipAuthPubKey = camData
	}

	channel, err := newPaceChannel(kEnc, kMac, info.CipherAlg, p.svc.Channel())
	if err != nil {
		return nil, err
	}
	result.Channel = channel
	return result, nil
}

func (p *PaceProtocol) runDH(info PaceOIDInfo, oid string, paramID int, nonce []byte) (*PaceResult, error) {
	group, err := dhGroupForParamID(paramID)
	if err != nil {
		return nil, err
	}

	mapped, err := p.mapDH(group, info, nonce)
	if err != nil {
		return nil, err
	}

	pcdEphPriv, err := group.randomScalar()
	if err != nil {
		return nil, &PaceError{Step: "step3-keygen", Cause: err}
	}
	pcdEphPub := group.expWithBase(mapped, pcdEphPriv)

	step3, err := p.svc.GeneralAuthenticate(wrapDO(TagEphemeralPubPCD, group.encodeValue(pcdEphPub)), false)
	if err != nil {
		return nil, &PaceError{Step: "step3-exchange", Cause: err}
	}
	piccEphValue, err := unwrapDO(TagEphemeralPubPICC, step3)
	if err != nil {
		return nil, &PaceError{Step: "step3-parse", Cause: err}
	}
	piccEphPub := group.decodeValue(piccEphValue)
	if piccEphPub.Cmp(pcdEphPub) == 0 {
		return nil, &PaceError{Step: "step3-validate", Reason: "card echoed the terminal's ephemeral public key"}
	}

	sharedSecret := group.sharedSecret(pcdEphPriv, piccEphPub)

	kEnc, kMac, err := deriveSessionKeys(sharedSecret, info)
	if err != nil {
		return nil, err
	}

	tPCD, err := computeAuthToken(oid, group.encodeValue(piccEphPub), kMac, info.CipherAlg)
	if err != nil {
		return nil, &PaceError{Step: "step4-compute-token", Cause: err}
	}
	step4, err := p.svc.GeneralAuthenticate(wrapDO(TagAuthTokenPCD, tPCD), true)
	if err != nil {
		return nil, &PaceError{Step: "step4-exchange", Cause: err}
	}
	tPICC, err := unwrapDO(TagAuthTokenPICC, step4)
	if err != nil {
		return nil, &PaceError{Step: "step4-parse", Cause: err}
	}
	expected, err := computeAuthToken(oid, group.encodeValue(pcdEphPub), kMac, info.CipherAlg)
	if err != nil {
		return nil, &PaceError{Step: "step4-verify", Cause: err}
	}
	if !bytes.Equal(expected, tPICC) {
		return nil, &PaceError{Step: "step4-verify", Reason: "authentication token mismatch"}
	}

	channel, err := newPaceChannel(kEnc, kMac, info.CipherAlg, p.svc.Channel())
	if err != nil {
		return nil, err
	}
	return &PaceResult{Channel: channel}, nil
}

func (p *PaceProtocol) mapDH(group *dhGroup, info PaceOIDInfo, nonce []byte) (*big.Int, error) {
	if info.Mapping == MappingIntegrated {
		return group.mapNonceIM(nonce), nil
	}
	pcdPriv, pcdPub, err := group.generateKeyPair()
	if err != nil {
		return nil, &PaceError{Step: "step2-keygen", Cause: err}
	}
	step2, err := p.svc.GeneralAuthenticate(wrapDO(TagMappingDataPCD, group.encodeValue(pcdPub)), false)
	if err != nil {
		return nil, &PaceError{Step: "step2-exchange", Cause: err}
	}
	piccMappingValue, err := unwrapDO(TagMappingDataPICC, step2)
	if err != nil {
		return nil, &PaceError{Step: "step2-parse", Cause: err}
	}
	piccMappingPub := group.decodeValue(piccMappingValue)
	h := group.sharedSecretRaw(pcdPriv, piccMappingPub)
	return group.mapNonceGM(nonce, h), nil
}

// newPaceChannel installs the PACE session channel. A 3DES session
// always starts with SSC zero. An AES session inherits the current
// channel's SSC when one exists: deployed cards expect the counter to
// continue across the installation, and a fresh PACE on a bare
// transport starts at zero like the standard says.
func newPaceChannel(kEnc, kMac []byte, alg CipherAlg, previous *SecureChannel) (*SecureChannel, error) {
	ssc := make([]byte, blockSizeFor(alg))
	if alg == CipherAES && previous != nil && previous.cipherAlg == CipherAES {
		copy(ssc, previous.SSC())
	}
	return NewSecureChannel(kEnc, kMac, alg, ssc)
}

func readTagIfPresent(data []byte, tag byte) ([]byte, error) {
	rest := data
	for len(rest) > 0 {
		t, value, remainder, err := readTLV(rest)
		if err != nil {
			return nil, err
		}
		if t == tag {
			return value, nil
		}
		rest = remainder
	}
	return nil, nil
}

// deriveSessionKeys derives K_enc/K_mac from the PACE shared secret.
func deriveSessionKeys(sharedSecret []byte, info PaceOIDInfo) (kEnc, kMac []byte, err error) {
	kEnc, err = DeriveEncKey(sharedSecret, info.CipherAlg, info.KeyLenBits)
	if err != nil {
		return nil, nil, err
	}
	kMac, err = DeriveMacKey(sharedSecret, info.CipherAlg, info.KeyLenBits)
	if err != nil {
		return nil, nil, err
	}
	return kEnc, kMac, nil
}

// decryptPaceNonce decrypts the card's encrypted nonce under K_pi. The
// IV is a zero block sized to the cipher's block size, not a fixed 8
// bytes.
func decryptPaceNonce(alg CipherAlg, kPi, encNonce []byte) ([]byte, error) {
	bs := blockSizeFor(alg)
	if len(encNonce) == 0 || len(encNonce)%bs != 0 {
		return nil, fmt.Errorf("encrypted nonce must be a multiple of %d bytes, got %d", bs, len(encNonce))
	}
	iv := make([]byte, bs)
	if alg == CipherTDES {
		return tripleDESCBCDecrypt(kPi, iv, encNonce)
	}
	return aesCBCDecrypt(kPi, iv, encNonce)
}

// computeAuthToken computes a PACE authentication token: MAC over the
// DER encoding of {OID, [1] peer public key}, truncated to 8 bytes.
func computeAuthToken(oid string, peerPublicKeyEncoded, kMac []byte, alg CipherAlg) ([]byte, error) {
	oidID, err := parseOID(oid)
	if err != nil {
		return nil, err
	}
	content, err := asn1.Marshal(pacePublicKeyDataObject{OID: oidID, PublicKey: peerPublicKeyEncoded})
	if err != nil {
		return nil, err
	}
	bs := blockSizeFor(alg)
	padded := padISO7816_4(content, bs)
	if alg == CipherTDES {
		return retailMAC(kMac, padded)
	}
	full, err := aesCMAC(kMac, padded)
	if err != nil {
		return nil, err
	}
	return macTrunc8(full), nil
}

// pacePublicKeyDataObject is the structure the authentication token's
// MAC covers: a SEQUENCE of the mechanism OID and the peer's encoded
// public key under an explicit context tag.
type pacePublicKeyDataObject struct {
	OID       asn1.ObjectIdentifier
	PublicKey []byte `asn1:"explicit,tag:1"`
}

func parseOID(oid string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(oid, ".")
	arcs := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid OID component %q in %q", part, oid)
		}
		arcs[i] = n
	}
	return asn1.ObjectIdentifier(arcs), nil
}

// encodeOIDValue returns the DER content octets of oid (no outer
// tag/length), for use under tag 0x80 in MSE:Set AT.
func encodeOIDValue(oid string) ([]byte, error) {
	id, err := parseOID(oid)
	if err != nil {
		return nil, err
	}
	full, err := asn1.Marshal(id)
	if err != nil {
		return nil, err
	}
	// asn1.Marshal of an ObjectIdentifier emits tag 0x06 + length + content;
	// strip that header since callers wrap the content in their own DO.
	_, content, _, err := readTLV(full)
	if err != nil {
		return nil, err
	}
	return content, nil
}
