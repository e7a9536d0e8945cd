/*
Package mrtd implements the smartcard-facing core of an ICAO Doc 9303
machine-readable travel document (MRTD) terminal: a read-only client that
authenticates to a contactless passport chip, establishes a secure messaging
channel, and reads the data groups stored on it.

This package consolidates the three subsystems that must be reproduced
bit-exactly for interoperability with deployed passports:
  - APDU transport and secure messaging (ISO/IEC 7816-4 framing, 3DES or
    AES secure messaging with a send sequence counter)
  - Authentication state machines (BAC, PACE v2 in its GM/IM/CAM variants
    over DH or ECDH, and EAC Chip/Terminal Authentication)
  - Key derivation (static PACE/BAC keys from the MRZ, session keys from
    shared secrets via a cipher/digest-parameterized KDF)

# Out of scope

The smartcard reader driver is abstracted behind CardTransport; the only
production implementation in this package is PCSCTransport, built on
github.com/ebfe/scard. LDS data-group parsing, ASN.1/TLV *semantic*
decoding of file contents, and certificate-chain validation for Passive
Authentication and Terminal Authentication are all left to the caller —
this package reads files as opaque bytes and, for Passive Authentication,
exposes the EF.SOD digest table without validating the signing chain.

# Typical session

	t, _ := mrtd.DialPCSC(0)
	defer t.Close()

	svc := mrtd.NewApduService(t, nil)
	if err := svc.SelectApplet(); err != nil { ... }

	bac, err := mrtd.NewBacProtocol(svc).Run(mrzKey)
	// or: pace, err := mrtd.NewPaceProtocol(svc).Run(oid, paceKey, nil)

	svc = svc.WithChannel(bac.Channel)
	dg1, _, err := svc.ReadFileByFID(mrtd.FidDG1)

Every method documented as part of ApduService or SecureChannel requires
mutually exclusive access to the underlying CardTransport; this package
performs no internal locking.
*/
package mrtd
