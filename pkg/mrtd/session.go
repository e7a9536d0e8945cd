package mrtd

import "fmt"

// Session ties a CardTransport to the protocol state machines and
// exposes the high-level operations a terminal application needs,
// tracking which secure channel (if any) is currently installed.
type Session struct {
	transport CardTransport
	svc       *ApduService
}

// OpenSession selects the eMRTD application over transport and returns a
// Session ready to run BAC, PACE, or EAC.
func OpenSession(transport CardTransport) (*Session, error) {
	svc := NewApduService(transport, nil)
	if err := svc.SelectApplet(); err != nil {
		return nil, fmt.Errorf("select eMRTD application: %w", err)
	}
	return &Session{transport: transport, svc: svc}, nil
}

// Bac runs Basic Access Control and installs the resulting channel.
func (s *Session) Bac(key *MrzKey) (*BacResult, error) {
	result, err := NewBacProtocol(s.svc).Run(key)
	if err != nil {
		return nil, err
	}
	s.svc = s.svc.WithChannel(result.Channel)
	return result, nil
}

// Pace runs PACE and installs the resulting channel. domainParamRef may
// be nil when the card's CardAccess announces a single parameter set.
func (s *Session) Pace(oid string, key *PaceKey, domainParamRef []byte) (*PaceResult, error) {
	result, err := NewPaceProtocol(s.svc).Run(oid, key, domainParamRef)
	if err != nil {
		return nil, err
	}
	s.svc = s.svc.WithChannel(result.Channel)
	return result, nil
}

// ChipAuthentication runs Chip Authentication over the session's current
// channel and installs the resulting replacement channel.
func (s *Session) ChipAuthentication(oid string, domainParamID int, chipPublicKey []byte, cipherAlg CipherAlg, keyLenBits int) (*ChipAuthResult, error) {
	result, err := NewEacProtocol(s.svc).ChipAuthentication(oid, domainParamID, chipPublicKey, cipherAlg, keyLenBits, s.svc.Channel())
	if err != nil {
		return nil, err
	}
	s.svc = s.svc.WithChannel(result.Channel)
	return result, nil
}

// TerminalAuthentication runs Terminal Authentication over the session's
// current channel; it does not change which channel is installed.
func (s *Session) TerminalAuthentication(chain []CVCertificate, terminalOID []byte, idPICC, ephemeralKeyHash []byte, sign func([]byte) ([]byte, error)) error {
	return NewEacProtocol(s.svc).TerminalAuthentication(chain, terminalOID, idPICC, ephemeralKeyHash, sign)
}

// ReadFile selects and reads an elementary file by FID through whatever
// channel (if any) is currently installed.
func (s *Session) ReadFile(fid uint16) ([]byte, error) {
	data, _, err := s.svc.ReadFileByFID(fid)
	return data, err
}

// Channel returns the secure channel currently installed, or nil if
// commands are still being sent in the clear.
func (s *Session) Channel() *SecureChannel {
	return s.svc.Channel()
}

// Close releases the underlying transport.
func (s *Session) Close() error {
	return s.transport.Close()
}
