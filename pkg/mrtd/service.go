package mrtd

import (
	"fmt"
	"log/slog"
)

// Standard MRTD elementary file identifiers (ICAO 9303-10 §4.6.2).
const (
	FidCOM  uint16 = 0x011E
	FidDG1  uint16 = 0x0101
	FidDG2  uint16 = 0x0102
	FidDG3  uint16 = 0x0103
	FidDG4  uint16 = 0x0104
	FidDG5  uint16 = 0x0105
	FidDG6  uint16 = 0x0106
	FidDG7  uint16 = 0x0107
	FidDG8  uint16 = 0x0108
	FidDG9  uint16 = 0x0109
	FidDG10 uint16 = 0x010A
	FidDG11 uint16 = 0x010B
	FidDG12 uint16 = 0x010C
	FidDG13 uint16 = 0x010D
	FidDG14 uint16 = 0x010E
	FidDG15 uint16 = 0x010F
	FidDG16 uint16 = 0x0110
	FidSOD  uint16 = 0x011D
)

var eMRTDApplicationAID = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

// PACE password references for MSE:Set AT's DO'83'.
const (
	PaceKeyRefMRZ byte = 0x01
	PaceKeyRefCAN byte = 0x02
	PaceKeyRefPIN byte = 0x03
	PaceKeyRefPUK byte = 0x04
)

const psoChainBlockSize = 223

// ApduService sends the named ICAO commands to a CardTransport, wrapping
// every command/response through an installed SecureChannel when one is
// present.
type ApduService struct {
	transport CardTransport
	channel   *SecureChannel
}

// NewApduService builds a service over transport. channel may be nil for
// plaintext commands (SELECT, GET CHALLENGE before authentication).
func NewApduService(transport CardTransport, channel *SecureChannel) *ApduService {
	return &ApduService{transport: transport, channel: channel}
}

// WithChannel returns a copy of the service that sends through channel,
// leaving the receiver untouched. Session and other callers install a
// protocol's resulting channel this way once authentication succeeds.
func (s *ApduService) WithChannel(channel *SecureChannel) *ApduService {
	return &ApduService{transport: s.transport, channel: channel}
}

// Channel returns the service's currently installed secure channel, or
// nil if commands are being sent in the clear.
func (s *ApduService) Channel() *SecureChannel {
	return s.channel
}

// transmit sends a single command APDU, transparently wrapping/unwrapping
// it through the installed channel.
func (s *ApduService) transmit(cmd *CommandApdu) (*ResponseApdu, error) {
	outbound := cmd
	if s.channel != nil {
		wrapped, err := s.channel.Wrap(cmd)
		if err != nil {
			return nil, fmt.Errorf("secure messaging wrap: %w", err)
		}
		outbound = wrapped
	}

	raw, err := outbound.Bytes()
	if err != nil {
		return nil, err
	}
	rsp, err := transmitRaw(s.transport, raw)
	if err != nil {
		return nil, err
	}

	if s.channel != nil {
		unwrapped, err := s.channel.Unwrap(rsp)
		if err != nil {
			return nil, fmt.Errorf("secure messaging unwrap: %w", err)
		}
		return unwrapped, nil
	}
	return rsp, nil
}

// expectOK transmits cmd and maps a non-success SW onto the domain
// error types file operations need.
func (s *ApduService) expectOK(cmd *CommandApdu) (*ResponseApdu, error) {
	rsp, err := s.transmit(cmd)
	if err != nil {
		return nil, err
	}
	if !SwOK(rsp.SW) {
		return rsp, classifyFileOperationError(cmd.INS, rsp.SW)
	}
	return rsp, nil
}

func classifyFileOperationError(ins byte, sw uint16) error {
	switch sw {
	case SWFileNotFound:
		return &FileNotFoundError{}
	case SWSecurityStatusNotSatisfied, SWConditionsNotSatisfied, SWCommandNotAllowed:
		return &AccessDeniedError{SW: sw}
	default:
		return &ApduError{Cmd: ins, SW: sw}
	}
}

// SelectApplet selects the eMRTD application DF by AID.
func (s *ApduService) SelectApplet() error {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x0C, Data: eMRTDApplicationAID}
	_, err := s.expectOK(cmd)
	return err
}

// SelectFile selects an elementary file by its 2-byte FID under the
// currently selected DF.
func (s *ApduService) SelectFile(fid uint16) error {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xA4, P1: 0x02, P2: 0x0C, Data: []byte{byte(fid >> 8), byte(fid)}}
	_, err := s.expectOK(cmd)
	return err
}

// ReadBinary reads up to le bytes starting at offset from the currently
// selected EF, using the short-form READ BINARY.
func (s *ApduService) ReadBinary(offset int, le int) ([]byte, error) {
	if offset < 0 || offset > 0x7FFF {
		return nil, fmt.Errorf("offset out of short-form range: %d", offset)
	}
	cmd := &CommandApdu{
		CLA: 0x00, INS: 0xB0,
		P1: byte(offset >> 8), P2: byte(offset),
		NePresent: true, Ne: le,
	}
	rsp, err := s.expectOK(cmd)
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

// ReadBinaryOddIns reads from the currently selected EF with an
// extended offset, using the odd-INS form (0xB1) that carries the
// offset in a DO'54' command data object instead of P1/P2, for offsets
// beyond short-form's 0x7FFF limit. P1 and P2 are always zero in this
// form.
func (s *ApduService) ReadBinaryOddIns(offset int, le int) ([]byte, error) {
	offBytes := encodeOffset(offset)
	// The response wraps the file bytes in a DO'53', so ask for enough
	// extra to cover its tag and length octets.
	switch {
	case le < 128:
		le += 2
	case le < 256:
		le += 3
	}
	if le > shortMaxLe {
		le = shortMaxLe
	}
	cmd := &CommandApdu{
		CLA: 0x00, INS: 0xB1, P1: 0x00, P2: 0x00,
		Data:      wrapDO(TagOffsetData, offBytes),
		NePresent: true, Ne: le,
	}
	rsp, err := s.expectOK(cmd)
	if err != nil {
		return nil, err
	}
	if len(rsp.Data) > 0 {
		if value, err := unwrapDO(TagFCITemplate, rsp.Data); err == nil {
			return value, nil
		}
	}
	return rsp.Data, nil
}

func encodeOffset(offset int) []byte {
	if offset <= 0xFF {
		return []byte{byte(offset)}
	}
	return []byte{byte(offset >> 8), byte(offset)}
}

// ReadFileByFID selects fid and reads its entire contents, growing the
// read window when the card signals a wrong Le via SW 0x6CXX.
func (s *ApduService) ReadFileByFID(fid uint16) ([]byte, uint16, error) {
	if err := s.SelectFile(fid); err != nil {
		return nil, 0, err
	}

	header, err := s.readWithRetry(0, 4)
	if err != nil {
		return nil, 0, err
	}
	total, err := berTLVObjectLength(header)
	if err != nil {
		return nil, 0, err
	}

	out := make([]byte, 0, total)
	out = append(out, header...)
	for len(out) < total {
		remaining := total - len(out)
		chunk := remaining
		if chunk > shortMaxLc {
			chunk = shortMaxLc
		}
		var data []byte
		if len(out) > 0x7FFF {
			// Short-form P1/P2 tops out at offset 0x7FFF; switch to the
			// odd-INS form for the tail of large files.
			data, err = s.ReadBinaryOddIns(len(out), chunk)
		} else {
			data, err = s.readWithRetry(len(out), chunk)
		}
		if err != nil {
			return nil, 0, err
		}
		if len(data) == 0 {
			break
		}
		out = append(out, data...)
	}
	return out, SWNoError, nil
}

// readWithRetry issues ReadBinary and, on SW_WRONG_LE (0x6CXX), retries
// once with the card-specified length.
func (s *ApduService) readWithRetry(offset, le int) ([]byte, error) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xB0, P1: byte(offset >> 8), P2: byte(offset), NePresent: true, Ne: le}
	rsp, err := s.transmit(cmd)
	if err != nil {
		return nil, err
	}
	if rsp.SW&0xFF00 == SWWrongLe {
		correctLe := int(rsp.SW & 0xFF)
		if correctLe == 0 {
			correctLe = 256
		}
		slog.Warn("read binary wrong Le, retrying", "offset", offset, "requested", le, "correct", correctLe)
		cmd.Ne = correctLe
		rsp, err = s.transmit(cmd)
		if err != nil {
			return nil, err
		}
	}
	if !SwOK(rsp.SW) {
		return nil, classifyFileOperationError(cmd.INS, rsp.SW)
	}
	return rsp.Data, nil
}

// berTLVObjectLength reads a BER-TLV tag+length prefix and returns the
// total object length (tag + length + value bytes).
func berTLVObjectLength(header []byte) (int, error) {
	_, rest, err := readTLVTag(header)
	if err != nil {
		return 0, err
	}
	tagLen := len(header) - len(rest)
	valueLen, lenRest, err := readTLVLength(rest)
	if err != nil {
		return 0, err
	}
	lengthLen := len(rest) - len(lenRest)
	return tagLen + lengthLen + valueLen, nil
}

// GetChallenge requests a length-byte random challenge from the card.
func (s *ApduService) GetChallenge(length int) ([]byte, error) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0x84, NePresent: true, Ne: length}
	rsp, err := s.expectOK(cmd)
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

// ExternalAuthenticate sends EXTERNAL AUTHENTICATE with the given
// authentication data. Some chips reject the exact Le; one retry asks
// for either the length the card named (SW 6Cxx) or the short-form
// maximum.
func (s *ApduService) ExternalAuthenticate(data []byte, le int) ([]byte, error) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0x82, Data: data, NePresent: true, Ne: le}
	rsp, err := s.transmit(cmd)
	if err != nil {
		return nil, err
	}
	if !SwOK(rsp.SW) {
		if rsp.SW&0xFF00 == SWWrongLe && rsp.SW&0xFF != 0 {
			cmd.Ne = int(rsp.SW & 0xFF)
		} else {
			cmd.Ne = shortMaxLe
		}
		slog.Warn("external authenticate rejected Le, retrying", "sw", fmt.Sprintf("%04X", rsp.SW), "retryLe", cmd.Ne)
		rsp, err = s.transmit(cmd)
		if err != nil {
			return nil, err
		}
	}
	if !SwOK(rsp.SW) {
		return nil, &ApduError{Cmd: cmd.INS, SW: rsp.SW}
	}
	return rsp.Data, nil
}

// InternalAuthenticate sends INTERNAL AUTHENTICATE with a challenge,
// used by Active Authentication and some EAC variants.
func (s *ApduService) InternalAuthenticate(challenge []byte) ([]byte, error) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0x88, Data: challenge, NePresent: true, Ne: shortMaxLe}
	rsp, err := s.expectOK(cmd)
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

func (s *ApduService) mseSet(p1, p2 byte, data []byte) error {
	cmd := &CommandApdu{CLA: 0x00, INS: 0x22, P1: p1, P2: p2, Data: data}
	_, err := s.transmit(cmd)
	return err
}

// MSESetATMutualAuthPACE issues MSE:Set AT for a PACE run: algorithm OID,
// reference of the password used (MRZ/CAN/PIN/PUK), and an optional
// domain parameter reference.
func (s *ApduService) MSESetATMutualAuthPACE(oid []byte, keyRef byte, domainParamRef []byte) error {
	switch keyRef {
	case PaceKeyRefMRZ, PaceKeyRefCAN, PaceKeyRefPIN, PaceKeyRefPUK:
	default:
		return fmt.Errorf("invalid PACE key reference 0x%02X", keyRef)
	}
	data := wrapDO(TagOID, oid)
	data = append(data, wrapDO(TagAuthPublicOrSecretRef, []byte{keyRef})...)
	if domainParamRef != nil {
		data = append(data, wrapDO(TagKeyRef, domainParamRef)...)
	}
	return s.mseSet(0xC1, 0xA4, data)
}

// MSESetATInternalAuthCA issues MSE:Set AT for Chip Authentication:
// algorithm OID and an optional key identifier.
func (s *ApduService) MSESetATInternalAuthCA(oid []byte, keyID []byte) error {
	data := wrapDO(TagOID, oid)
	if keyID != nil {
		data = append(data, wrapDO(TagKeyRef, keyID)...)
	}
	return s.mseSet(0x41, 0xA4, data)
}

// MSESetDST issues MSE:Set DST, pointing the card at a certificate
// verification key by its key reference (Terminal Authentication step 1).
func (s *ApduService) MSESetDST(keyRef []byte) error {
	return s.mseSet(0x81, 0xB6, wrapDO(TagAuthPublicOrSecretRef, keyRef))
}

// MSESetATExternalAuth issues MSE:Set AT selecting the algorithm and key
// for Terminal Authentication's EXTERNAL AUTHENTICATE step.
func (s *ApduService) MSESetATExternalAuth(oid []byte, keyRef []byte) error {
	data := wrapDO(TagOID, oid)
	if keyRef != nil {
		data = append(data, wrapDO(TagAuthPublicOrSecretRef, keyRef)...)
	}
	return s.mseSet(0x81, 0xA4, data)
}

// MSESetKAT issues MSE:Set KAT, used by Chip Authentication
// (EacProtocol.ChipAuthentication) to install the terminal's ephemeral
// public key directly rather than through GENERAL AUTHENTICATE.
func (s *ApduService) MSESetKAT(oid []byte, ephemeralPub []byte) error {
	data := wrapDO(TagOID, oid)
	data = append(data, wrapDO(TagEphemeralPubPCD, ephemeralPub)...)
	return s.mseSet(0x41, 0xA6, data)
}

// GeneralAuthenticate sends one step of GENERAL AUTHENTICATE, wrapping
// data in the dynamic authentication data template (tag 0x7C) and
// setting the command-chaining CLA bit unless isLast.
func (s *ApduService) GeneralAuthenticate(data []byte, isLast bool) ([]byte, error) {
	cla := byte(0x00)
	if !isLast {
		cla |= claChaining
	}
	cmd := &CommandApdu{CLA: cla, INS: 0x86, Data: wrapDO(TagDynamicAuthData, data), NePresent: true, Ne: shortMaxLe}
	rsp, err := s.transmit(cmd)
	if err != nil {
		return nil, err
	}
	if !SwOK(rsp.SW) {
		return nil, &PaceError{Step: "general-authenticate", SW: rsp.SW}
	}
	if len(rsp.Data) == 0 {
		return nil, nil
	}
	return unwrapDO(TagDynamicAuthData, rsp.Data)
}

// PSOVerifyCertificate sends a Card Verifiable Certificate to PERFORM
// SECURITY OPERATION for Terminal Authentication's chain-building step,
// chaining it in 223-byte blocks when it is longer than 223 bytes.
func (s *ApduService) PSOVerifyCertificate(cert []byte) error {
	if len(cert) <= psoChainBlockSize {
		cmd := &CommandApdu{CLA: 0x00, INS: 0x2A, P1: 0x00, P2: 0xBE, Data: cert}
		_, err := s.expectOK(cmd)
		return err
	}

	for offset := 0; offset < len(cert); offset += psoChainBlockSize {
		end := offset + psoChainBlockSize
		last := end >= len(cert)
		if end > len(cert) {
			end = len(cert)
		}
		cla := byte(0x00)
		if !last {
			cla |= claChaining
		}
		cmd := &CommandApdu{CLA: cla, INS: 0x2A, P1: 0x00, P2: 0xBE, Data: cert[offset:end]}
		if _, err := s.expectOK(cmd); err != nil {
			return err
		}
	}
	return nil
}
