package mrtd

import (
	"fmt"

	"github.com/ebfe/scard"
)

// CardTransport is the only collaborator this package requires of a
// smartcard reader driver: send a raw command-APDU byte string, get back a
// raw response-APDU byte string. Parsers/encoders for data-group contents
// and certificate validation live outside this package.
type CardTransport interface {
	Open() error
	Close() error
	IsOpen() bool
	Transmit(cmd []byte) ([]byte, error)
	ATR() ([]byte, error)
}

// PCSCTransport implements CardTransport over a PC/SC reader.
type PCSCTransport struct {
	ctx       *scard.Context
	card      *scard.Card
	reader    string
	readerIdx int
	open      bool
}

// DialPCSC connects to the PC/SC reader at readerIndex and returns a ready
// CardTransport. Close must be called when the session ends.
func DialPCSC(readerIndex int) (*PCSCTransport, error) {
	t := &PCSCTransport{readerIdx: readerIndex}
	if err := t.Open(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open establishes the PC/SC context and connects to the card.
func (t *PCSCTransport) Open() error {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("establish PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return fmt.Errorf("no PC/SC readers found: %v", err)
	}
	if t.readerIdx < 0 || t.readerIdx >= len(readers) {
		ctx.Release()
		return fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	reader := readers[t.readerIdx]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return fmt.Errorf("connect to %s: %w", reader, err)
	}

	t.ctx = ctx
	t.card = card
	t.reader = reader
	t.open = true
	return nil
}

// Close disconnects the card and releases the PC/SC context.
func (t *PCSCTransport) Close() error {
	if t == nil || !t.open {
		return nil
	}
	var firstErr error
	if t.card != nil {
		if err := t.card.Disconnect(scard.LeaveCard); err != nil {
			firstErr = err
		}
	}
	if t.ctx != nil {
		if err := t.ctx.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.open = false
	return firstErr
}

// IsOpen reports whether the transport is currently connected.
func (t *PCSCTransport) IsOpen() bool {
	return t != nil && t.open
}

// Transmit sends a raw command APDU and returns the raw response.
func (t *PCSCTransport) Transmit(cmd []byte) ([]byte, error) {
	if !t.IsOpen() {
		return nil, fmt.Errorf("transport not open")
	}
	return t.card.Transmit(cmd)
}

// ATR returns the card's answer-to-reset.
func (t *PCSCTransport) ATR() ([]byte, error) {
	if !t.IsOpen() {
		return nil, fmt.Errorf("transport not open")
	}
	status, err := t.card.Status()
	if err != nil {
		return nil, err
	}
	return status.Atr, nil
}

// transmitRaw sends a raw command APDU through a transport and splits the
// status word off the response. Every ApduService method funnels through
// this so transport-error wrapping and short-response detection live in
// one place.
func transmitRaw(t CardTransport, cmd []byte) (*ResponseApdu, error) {
	raw, err := t.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	return ParseResponseApdu(raw)
}
