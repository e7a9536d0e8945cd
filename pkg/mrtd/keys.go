package mrtd

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MrzKey holds the three MRZ fields BAC and MRZ-based PACE derive their
// static key from.
type MrzKey struct {
	DocumentNumber string // normalized to 9 chars, '<'-padded, by NewMrzKey
	DateOfBirth    string // YYMMDD
	DateOfExpiry   string // YYMMDD
}

// NewMrzKey validates and normalizes MRZ fields into an MrzKey.
func NewMrzKey(documentNumber, dateOfBirth, dateOfExpiry string) (*MrzKey, error) {
	if len(dateOfBirth) != 6 {
		return nil, fmt.Errorf("date of birth must be 6 digits (YYMMDD), got %q", dateOfBirth)
	}
	if len(dateOfExpiry) != 6 {
		return nil, fmt.Errorf("date of expiry must be 6 digits (YYMMDD), got %q", dateOfExpiry)
	}
	if documentNumber == "" {
		return nil, fmt.Errorf("document number must not be empty")
	}
	return &MrzKey{
		DocumentNumber: normalizeDocumentNumber(documentNumber),
		DateOfBirth:    dateOfBirth,
		DateOfExpiry:   dateOfExpiry,
	}, nil
}

// normalizeDocumentNumber strips trailing filler characters, then
// right-pads with '<' to length 9, the normalization ICAO 9303-11
// prescribes before the key seed digest.
func normalizeDocumentNumber(documentNumber string) string {
	min := strings.TrimRight(strings.ReplaceAll(documentNumber, "<", " "), " ")
	min = strings.ReplaceAll(min, " ", "<")
	for len(min) < 9 {
		min += "<"
	}
	return min
}

// mrzCheckDigit implements the ICAO 9303 check digit algorithm: weights
// 7,3,1 cyclically over the string, digits count as themselves, letters
// A-Z as 10-35, '<' as 0; sum mod 10.
func mrzCheckDigit(s string) byte {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += mrzCharValue(s[i]) * weights[i%3]
	}
	return byte('0' + sum%10)
}

func mrzCharValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default: // '<' and any other filler
		return 0
	}
}

// ComputeKeySeed computes the 16-byte BAC/MRZ-PACE key seed: SHA-1 over
// docNum || check(docNum) || dob || check(dob) || doe || check(doe),
// truncated to the first 16 bytes.
func ComputeKeySeed(k *MrzKey) []byte {
	var buf strings.Builder
	buf.WriteString(k.DocumentNumber)
	buf.WriteByte(mrzCheckDigit(k.DocumentNumber))
	buf.WriteString(k.DateOfBirth)
	buf.WriteByte(mrzCheckDigit(k.DateOfBirth))
	buf.WriteString(k.DateOfExpiry)
	buf.WriteByte(mrzCheckDigit(k.DateOfExpiry))
	sum := sha1.Sum([]byte(buf.String()))
	out := make([]byte, 16)
	copy(out, sum[:16])
	return out
}

// BacStaticKeys computes the static BAC 3DES k_enc/k_mac pair from an
// MrzKey.
func BacStaticKeys(k *MrzKey) (kEnc, kMac []byte, err error) {
	seed := ComputeKeySeed(k)
	kEnc, err = DeriveEncKey(seed, CipherTDES, 112)
	if err != nil {
		return nil, nil, err
	}
	kMac, err = DeriveMacKey(seed, CipherTDES, 112)
	if err != nil {
		return nil, nil, err
	}
	return kEnc, kMac, nil
}

// PaceStaticKeyFromMrz computes K_pi for MRZ-based PACE.
func PaceStaticKeyFromMrz(k *MrzKey, alg CipherAlg, keyLenBits int) ([]byte, error) {
	seed := ComputeKeySeed(k)
	return DerivePaceKey(seed, alg, keyLenBits)
}

// PaceStaticKeyFromSecret computes K_pi for CAN/PIN/PUK-based PACE: the
// seed is SHA-1 of the ASCII secret, truncated to 16 bytes, matching the
// MRZ seed's shape but skipping the MRZ composite check digit construction.
func PaceStaticKeyFromSecret(secret string, alg CipherAlg, keyLenBits int) ([]byte, error) {
	sum := sha1.Sum([]byte(secret))
	seed := append([]byte{}, sum[:16]...)
	return DerivePaceKey(seed, alg, keyLenBits)
}

// KeyFile represents a key loaded from a .hex file: a single line of
// hex-encoded key bytes.
type KeyFile struct {
	Name string
	Key  []byte
}

// LoadKeyHexFile loads a key from a file containing one line of hex.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key in %s: %w", path, err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("key file %s is empty", path)
}

// LoadAllHexKeys loads every .hex file in dir, skipping ones that fail to
// parse.
func LoadAllHexKeys(dir string) ([]KeyFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var keys []KeyFile
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".hex" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		key, err := LoadKeyHexFile(path)
		if err != nil {
			continue
		}
		keys = append(keys, KeyFile{Name: e.Name(), Key: key})
	}
	return keys, nil
}

// rndOverrideFromEnv reads a hex-encoded byte string of the given length
// from an environment variable, for deterministic testing of protocol
// runs that otherwise draw from crypto/rand.
func rndOverrideFromEnv(envVar string, length int) ([]byte, bool) {
	v := strings.TrimSpace(os.Getenv(envVar))
	if len(v) != length*2 {
		return nil, false
	}
	b, err := hex.DecodeString(v)
	if err != nil || len(b) != length {
		return nil, false
	}
	return b, true
}
