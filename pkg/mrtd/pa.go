package mrtd

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/fullsailor/pkcs7"
)

// DataGroupHash is one entry of EF.SOD's hash table: the data group
// number and the digest the document signer computed over it at
// issuance time.
type DataGroupHash struct {
	DataGroupNumber int
	Hash            []byte
}

// PassiveAuthReport is what this package can tell a caller about
// Passive Authentication: the declared hash algorithm, the per-DG
// digests from the signed LDS Security Object, and whether each
// currently-read data group's hash matches. It does not validate the
// signer certificate chain up to a CSCA trust anchor; that decision
// belongs to the caller.
type PassiveAuthReport struct {
	HashAlgorithm string
	Declared      []DataGroupHash
	Mismatched    []int
}

// ParseEFSOD unwraps EF.SOD's PKCS#7 SignedData envelope and extracts
// its LDS Security Object content (the signed hash table), without
// validating the enclosed certificate or signature. The content is
// itself a DER structure carrying a SEQUENCE of {dgNumber, hash}
// pairs; this package parses that inner structure directly rather than
// pulling in a full LDS-semantics library, since all it needs from it
// is the digest table.
func ParseEFSOD(efSOD []byte) (*pkcs7.PKCS7, []byte, error) {
	p7, err := pkcs7.Parse(efSOD)
	if err != nil {
		return nil, nil, fmt.Errorf("parse EF.SOD PKCS#7: %w", err)
	}
	return p7, p7.Content, nil
}

// ldsSecurityObjectTag is the tag of the eContent's top-level SEQUENCE.
const ldsSecurityObjectTag = 0x30

// ParseLDSSecurityObject extracts the declared hash algorithm and the
// per-data-group hash table from a parsed LDS Security Object's DER
// content. This is a minimal structural walk (SEQUENCE/SEQUENCE OF),
// not a general ASN.1 decoder: it assumes the well-known LDSSecurityObject
// shape (version, digestAlgorithm, dataGroupHashValues).
func ParseLDSSecurityObject(content []byte) (*PassiveAuthReport, error) {
	tag, seq, _, err := readTLV(content)
	if err != nil {
		return nil, fmt.Errorf("lds security object: %w", err)
	}
	if tag != ldsSecurityObjectTag {
		return nil, &MalformedTlvError{Expected: ldsSecurityObjectTag, Got: tag}
	}

	// version INTEGER
	_, rest, err := skipTLV(seq)
	if err != nil {
		return nil, err
	}
	// digestAlgorithm AlgorithmIdentifier ::= SEQUENCE { OID, params }
	algTag, algSeq, rest, err := readTLV(rest)
	if err != nil {
		return nil, err
	}
	if algTag != 0x30 {
		return nil, &MalformedTlvError{Expected: 0x30, Got: algTag}
	}
	oidTag, oidBytes, _, err := readTLV(algSeq)
	if err != nil {
		return nil, err
	}
	if oidTag != 0x06 {
		return nil, &MalformedTlvError{Expected: 0x06, Got: oidTag}
	}
	hashAlg := hashAlgorithmName(oidBytes)

	// dataGroupHashValues SEQUENCE OF DataGroupHash
	dghTag, dghSeq, _, err := readTLV(rest)
	if err != nil {
		return nil, err
	}
	if dghTag != 0x30 {
		return nil, &MalformedTlvError{Expected: 0x30, Got: dghTag}
	}

	var declared []DataGroupHash
	remaining := dghSeq
	for len(remaining) > 0 {
		entryTag, entryValue, entryRest, err := readTLV(remaining)
		if err != nil {
			return nil, err
		}
		if entryTag != 0x30 {
			return nil, &MalformedTlvError{Expected: 0x30, Got: entryTag}
		}
		numTag, numBytes, valRest, err := readTLV(entryValue)
		if err != nil {
			return nil, err
		}
		if numTag != 0x02 {
			return nil, &MalformedTlvError{Expected: 0x02, Got: numTag}
		}
		hashTag, hashBytes, _, err := readTLV(valRest)
		if err != nil {
			return nil, err
		}
		if hashTag != 0x04 {
			return nil, &MalformedTlvError{Expected: 0x04, Got: hashTag}
		}
		declared = append(declared, DataGroupHash{
			DataGroupNumber: intFromDER(numBytes),
			Hash:            append([]byte{}, hashBytes...),
		})
		remaining = entryRest
	}

	return &PassiveAuthReport{HashAlgorithm: hashAlg, Declared: declared}, nil
}

// Verify computes the hash of each supplied data group's contents under
// the report's declared algorithm and records which, if any, disagree
// with the signed hash table. It does not by itself prove anything about
// the signer: call this only after the caller has validated the EF.SOD
// signer certificate through its own chain-of-trust mechanism.
func (r *PassiveAuthReport) Verify(dataGroups map[int][]byte) {
	r.Mismatched = nil
	for _, dgh := range r.Declared {
		data, ok := dataGroups[dgh.DataGroupNumber]
		if !ok {
			continue
		}
		if !bytes.Equal(hashWith(r.HashAlgorithm, data), dgh.Hash) {
			r.Mismatched = append(r.Mismatched, dgh.DataGroupNumber)
		}
	}
}

func hashWith(alg string, data []byte) []byte {
	switch alg {
	case "SHA-256":
		sum := sha256.Sum256(data)
		return sum[:]
	case "SHA-384":
		sum := sha512.Sum384(data)
		return sum[:]
	case "SHA-512":
		sum := sha512.Sum512(data)
		return sum[:]
	default:
		sum := sha1.Sum(data)
		return sum[:]
	}
}

func hashAlgorithmName(oid []byte) string {
	switch fmt.Sprintf("%X", oid) {
	case "2A864886F70D0202": // 1.2.840.113549.2.2 (md2, unused here but kept distinct)
		return "MD2"
	case "2B0E03021A": // 1.3.14.3.2.26 sha1
		return "SHA-1"
	case "608648016503040201": // 2.16.840.1.101.3.4.2.1 sha256
		return "SHA-256"
	case "608648016503040202": // sha384
		return "SHA-384"
	case "608648016503040203": // sha512
		return "SHA-512"
	default:
		return "SHA-1"
	}
}

func skipTLV(data []byte) (value []byte, rest []byte, err error) {
	_, value, rest, err = readTLV(data)
	return value, rest, err
}

func intFromDER(b []byte) int {
	n := 0
	for _, by := range b {
		n = n<<8 | int(by)
	}
	return n
}
