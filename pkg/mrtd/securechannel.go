package mrtd

import (
	"bytes"
	"fmt"
	"log/slog"
)

// SecureChannel wraps commands and unwraps responses under a symmetric
// session established by BAC, PACE, or Chip Authentication. A
// SecureChannel is immutable except for its internal send sequence
// counter; re-keying always produces a new SecureChannel.
type SecureChannel struct {
	kEnc      []byte
	kMac      []byte
	cipherAlg CipherAlg
	blockSize int
	ssc       []byte // big-endian counter, width == blockSize
}

// NewSecureChannel builds a channel from session keys, a cipher algorithm,
// and an initial SSC (width must equal the cipher's block size: 8 bytes
// for 3DES, 16 for AES).
func NewSecureChannel(kEnc, kMac []byte, alg CipherAlg, initialSSC []byte) (*SecureChannel, error) {
	bs := blockSizeFor(alg)
	if len(initialSSC) != bs {
		return nil, fmt.Errorf("initial SSC must be %d bytes for %v, got %d", bs, alg, len(initialSSC))
	}
	ssc := make([]byte, bs)
	copy(ssc, initialSSC)
	return &SecureChannel{
		kEnc:      append([]byte{}, kEnc...),
		kMac:      append([]byte{}, kMac...),
		cipherAlg: alg,
		blockSize: bs,
		ssc:       ssc,
	}, nil
}

// SSC returns a copy of the channel's current send sequence counter.
func (s *SecureChannel) SSC() []byte {
	out := make([]byte, len(s.ssc))
	copy(out, s.ssc)
	return out
}

func (s *SecureChannel) incrementSSC() {
	for i := len(s.ssc) - 1; i >= 0; i-- {
		s.ssc[i]++
		if s.ssc[i] != 0 {
			return
		}
	}
}

func (s *SecureChannel) mac(data []byte) ([]byte, error) {
	padded := padISO7816_4(data, s.blockSize)
	if s.cipherAlg == CipherTDES {
		return retailMAC(s.kMac, padded)
	}
	full, err := aesCMAC(s.kMac, padded)
	if err != nil {
		return nil, err
	}
	return macTrunc8(full), nil
}

func (s *SecureChannel) encryptIV() ([]byte, error) {
	if s.cipherAlg == CipherTDES {
		return make([]byte, s.blockSize), nil
	}
	return aesECBEncryptBlock(s.kEnc, s.ssc)
}

func (s *SecureChannel) encrypt(iv, data []byte) ([]byte, error) {
	if s.cipherAlg == CipherTDES {
		return tripleDESCBCEncrypt(s.kEnc, iv, data)
	}
	return aesCBCEncrypt(s.kEnc, iv, data)
}

func (s *SecureChannel) decrypt(iv, data []byte) ([]byte, error) {
	if s.cipherAlg == CipherTDES {
		return tripleDESCBCDecrypt(s.kEnc, iv, data)
	}
	return aesCBCDecrypt(s.kEnc, iv, data)
}

// Wrap protects a plain command APDU for transmission. Encrypted
// command data travels in DO'87' with a leading padding-content
// indicator for even INS bytes, and in DO'85' without one for odd INS
// bytes (the odd-INS READ BINARY variant).
func (s *SecureChannel) Wrap(cmd *CommandApdu) (*CommandApdu, error) {
	s.incrementSSC()

	header := []byte{cmd.CLA | claSecureMessaging, cmd.INS, cmd.P1, cmd.P2}
	header = padISO7816_4(header, s.blockSize)

	var do87, do97 []byte
	if len(cmd.Data) > 0 {
		iv, err := s.encryptIV()
		if err != nil {
			return nil, err
		}
		padded := padISO7816_4(cmd.Data, s.blockSize)
		enc, err := s.encrypt(iv, padded)
		if err != nil {
			return nil, err
		}
		if cmd.INS&0x01 == 0 {
			do87 = wrapDO(TagSMEncryptedDataEven, append([]byte{0x01}, enc...))
		} else {
			do87 = wrapDO(TagSMEncryptedDataOdd, enc)
		}
	}
	if cmd.NePresent {
		// DO'97' carries the Le field exactly as it would appear in the
		// plain APDU: one byte in short form (256 encodes as 00), two in
		// extended form (65536 encodes as 0000).
		var leBytes []byte
		if cmd.Extended || cmd.Ne > shortMaxLe {
			le := cmd.Ne
			if le == extMaxLe {
				le = 0
			}
			leBytes = []byte{byte(le >> 8), byte(le)}
		} else {
			le := cmd.Ne
			if le == shortMaxLe {
				le = 0
			}
			leBytes = []byte{byte(le)}
		}
		do97 = wrapDO(TagSMLe, leBytes)
	}

	m := make([]byte, 0, len(s.ssc)+len(header)+len(do87)+len(do97))
	m = append(m, s.ssc...)
	m = append(m, header...)
	m = append(m, do87...)
	m = append(m, do97...)

	mac, err := s.mac(m)
	if err != nil {
		return nil, err
	}
	do8E := wrapDO(TagSMMac, mac)

	data := make([]byte, 0, len(do87)+len(do97)+len(do8E))
	data = append(data, do87...)
	data = append(data, do97...)
	data = append(data, do8E...)

	protected := &CommandApdu{
		CLA:       cmd.CLA | claSecureMessaging,
		INS:       cmd.INS,
		P1:        cmd.P1,
		P2:        cmd.P2,
		Data:      data,
		NePresent: true,
		Extended:  cmd.Extended,
	}
	if cmd.Extended {
		protected.Ne = extMaxLe
	} else {
		protected.Ne = shortMaxLe
	}

	slog.Debug("secure messaging wrap",
		"ssc", fmt.Sprintf("%X", s.ssc),
		"do87_present", len(do87) > 0,
		"do97_present", len(do97) > 0,
		"mac", fmt.Sprintf("%X", mac))

	return protected, nil
}

// Unwrap removes secure messaging protection from a response APDU,
// verifying the MAC before returning plaintext data and the protected
// SW. A MAC mismatch poisons the channel: the caller must discard it
// and reauthenticate.
func (s *SecureChannel) Unwrap(rsp *ResponseApdu) (*ResponseApdu, error) {
	s.incrementSSC()

	var do87, do99, do8E []byte
	encTag := byte(TagSMEncryptedDataEven)
	rest := rsp.Data
	for len(rest) > 0 {
		tag, value, remainder, err := readTLV(rest)
		if err != nil {
			return nil, err
		}
		switch tag {
		case TagSMEncryptedDataEven, TagSMEncryptedDataOdd:
			do87 = value
			encTag = tag
		case TagSMProtectedSW:
			do99 = value
		case TagSMMac:
			do8E = value
		}
		rest = remainder
	}
	if do8E == nil {
		return nil, &MalformedResponseError{Reason: "missing DO'8E' (MAC) in protected response"}
	}

	m := make([]byte, 0, len(s.ssc)+len(do87)+4+len(do99)+4)
	m = append(m, s.ssc...)
	if do87 != nil {
		m = append(m, wrapDO(encTag, do87)...)
	}
	if do99 != nil {
		m = append(m, wrapDO(TagSMProtectedSW, do99)...)
	}

	expected, err := s.mac(m)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(expected, do8E) {
		return nil, &MacMismatchError{}
	}

	sw := rsp.SW
	if len(do99) == 2 {
		sw = uint16(do99[0])<<8 | uint16(do99[1])
	}

	var data []byte
	if do87 != nil {
		ciphertext := do87
		if encTag == TagSMEncryptedDataEven {
			if len(do87) < 1 {
				return nil, &MalformedResponseError{Reason: "empty DO'87' value"}
			}
			if do87[0] != 0x01 {
				return nil, &MalformedResponseError{Reason: fmt.Sprintf("unexpected padding indicator 0x%02X", do87[0])}
			}
			ciphertext = do87[1:]
		}
		iv, err := s.encryptIV()
		if err != nil {
			return nil, err
		}
		dec, err := s.decrypt(iv, ciphertext)
		if err != nil {
			return nil, err
		}
		data, err = unpadISO7816_4(dec)
		if err != nil {
			return nil, err
		}
	}

	slog.Debug("secure messaging unwrap", "ssc", fmt.Sprintf("%X", s.ssc), "sw", fmt.Sprintf("%04X", sw))

	return &ResponseApdu{Data: data, SW: sw}, nil
}
