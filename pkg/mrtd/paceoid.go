package mrtd

// PaceMapping identifies the PACE nonce-mapping function.
type PaceMapping int

const (
	MappingGeneric PaceMapping = iota
	MappingIntegrated
	MappingChipAuthentication // CAM: Generic Mapping plus an extra encrypted-data exchange
)

// PaceAgreement identifies the key agreement family PACE runs the
// mapping and ephemeral exchange over.
type PaceAgreement int

const (
	AgreementDH PaceAgreement = iota
	AgreementECDH
)

// PaceOIDInfo describes everything a PACE run needs to know about an
// id-PACE-* OID: which mapping, which agreement family, which
// standardized domain parameter set, and which cipher/key length the
// resulting session keys and authentication tokens use (ICAO 9303-11
// Table 4 / BSI TR-03110 Part 3).
type PaceOIDInfo struct {
	Mapping     PaceMapping
	Agreement   PaceAgreement
	DomainParam int // ICAO 9303-11 standardized domain parameter identifier
	CipherAlg   CipherAlg
	KeyLenBits  int
}

// paceOIDTable maps the standardized id-PACE-* object identifiers to
// their mapping/agreement/cipher triple and a default domain parameter
// set for cards whose EF.CardAccess does not pin one. Variants over
// curves/groups not registered in ec.go/dh.go return UnsupportedError
// from PaceProtocol.Run rather than silently picking a default.
var paceOIDTable = map[string]PaceOIDInfo{
	// id-PACE-DH-GM-3DES-CBC-CBC
	"0.4.0.127.0.7.2.2.4.1.1": {Mapping: MappingGeneric, Agreement: AgreementDH, DomainParam: 0, CipherAlg: CipherTDES, KeyLenBits: 112},
	// id-PACE-DH-GM-AES-CBC-CMAC-128
	"0.4.0.127.0.7.2.2.4.1.2": {Mapping: MappingGeneric, Agreement: AgreementDH, DomainParam: 0, CipherAlg: CipherAES, KeyLenBits: 128},
	// id-PACE-DH-GM-AES-CBC-CMAC-256
	"0.4.0.127.0.7.2.2.4.1.4": {Mapping: MappingGeneric, Agreement: AgreementDH, DomainParam: 2, CipherAlg: CipherAES, KeyLenBits: 256},
	// id-PACE-ECDH-GM-3DES-CBC-CBC
	"0.4.0.127.0.7.2.2.4.2.1": {Mapping: MappingGeneric, Agreement: AgreementECDH, DomainParam: 12, CipherAlg: CipherTDES, KeyLenBits: 112},
	// id-PACE-ECDH-GM-AES-CBC-CMAC-128
	"0.4.0.127.0.7.2.2.4.2.2": {Mapping: MappingGeneric, Agreement: AgreementECDH, DomainParam: 12, CipherAlg: CipherAES, KeyLenBits: 128},
	// id-PACE-ECDH-GM-AES-CBC-CMAC-192
	"0.4.0.127.0.7.2.2.4.2.3": {Mapping: MappingGeneric, Agreement: AgreementECDH, DomainParam: 15, CipherAlg: CipherAES, KeyLenBits: 192},
	// id-PACE-ECDH-GM-AES-CBC-CMAC-256
	"0.4.0.127.0.7.2.2.4.2.4": {Mapping: MappingGeneric, Agreement: AgreementECDH, DomainParam: 18, CipherAlg: CipherAES, KeyLenBits: 256},
	// id-PACE-DH-IM-AES-CBC-CMAC-128
	"0.4.0.127.0.7.2.2.4.3.2": {Mapping: MappingIntegrated, Agreement: AgreementDH, DomainParam: 0, CipherAlg: CipherAES, KeyLenBits: 128},
	// id-PACE-ECDH-IM-AES-CBC-CMAC-128
	"0.4.0.127.0.7.2.2.4.4.2": {Mapping: MappingIntegrated, Agreement: AgreementECDH, DomainParam: 12, CipherAlg: CipherAES, KeyLenBits: 128},
	// id-PACE-ECDH-IM-AES-CBC-CMAC-256
	"0.4.0.127.0.7.2.2.4.4.4": {Mapping: MappingIntegrated, Agreement: AgreementECDH, DomainParam: 18, CipherAlg: CipherAES, KeyLenBits: 256},
	// id-PACE-ECDH-CAM-AES-CBC-CMAC-128
	"0.4.0.127.0.7.2.2.4.6.2": {Mapping: MappingChipAuthentication, Agreement: AgreementECDH, DomainParam: 12, CipherAlg: CipherAES, KeyLenBits: 128},
	// id-PACE-ECDH-CAM-AES-CBC-CMAC-192
	"0.4.0.127.0.7.2.2.4.6.3": {Mapping: MappingChipAuthentication, Agreement: AgreementECDH, DomainParam: 15, CipherAlg: CipherAES, KeyLenBits: 192},
	// id-PACE-ECDH-CAM-AES-CBC-CMAC-256
	"0.4.0.127.0.7.2.2.4.6.4": {Mapping: MappingChipAuthentication, Agreement: AgreementECDH, DomainParam: 18, CipherAlg: CipherAES, KeyLenBits: 256},
}

func lookupPaceOID(oid string) (PaceOIDInfo, error) {
	info, ok := paceOIDTable[oid]
	if !ok {
		return PaceOIDInfo{}, &UnsupportedError{Feature: "PACE OID " + oid}
	}
	return info, nil
}
