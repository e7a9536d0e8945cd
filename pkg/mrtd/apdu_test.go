package mrtd

import (
	"bytes"
	"testing"
)

func TestCommandApduShortForm(t *testing.T) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xA4, P1: 0x02, P2: 0x0C, Data: []byte{0x01, 0x1E}}
	raw, err := cmd.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(raw, mustHex(t, "00A4020C02011E")) {
		t.Fatalf("encoded = %X", raw)
	}
}

func TestCommandApduNeMaxConvention(t *testing.T) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xB0, NePresent: true, Ne: 256}
	raw, err := cmd.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(raw, mustHex(t, "00B0000000")) {
		t.Fatalf("encoded = %X, want trailing 00 for Ne=256", raw)
	}
}

func TestCommandApduExtendedByLargeData(t *testing.T) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xD6, Data: make([]byte, 300), NePresent: true, Ne: 65536}
	raw, err := cmd.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(raw[:7], mustHex(t, "00D6000000012C")) {
		t.Fatalf("extended header = %X", raw[:7])
	}
	// Extended Le of 65536 encodes as 0000 with no extra leading zero
	// after a data field.
	if !bytes.Equal(raw[len(raw)-2:], []byte{0x00, 0x00}) {
		t.Fatalf("trailing Le = %X", raw[len(raw)-2:])
	}
	if len(raw) != 7+300+2 {
		t.Fatalf("total length = %d", len(raw))
	}
}

func TestCommandApduExtendedNoData(t *testing.T) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xB0, Extended: true, NePresent: true, Ne: 1000}
	raw, err := cmd.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(raw, mustHex(t, "00B000000003E8")) {
		t.Fatalf("encoded = %X", raw)
	}
}

func TestCommandApduForcedExtendedByNe(t *testing.T) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xB0, NePresent: true, Ne: 1000}
	raw, err := cmd.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	// Ne beyond 256 must force the extended encoding on its own.
	if len(raw) != 7 {
		t.Fatalf("length = %d, want 7-byte extended no-data form: %X", len(raw), raw)
	}
}

func TestCommandApduRejectsOversizedData(t *testing.T) {
	cmd := &CommandApdu{CLA: 0x00, INS: 0xD6, Data: make([]byte, 70000)}
	if _, err := cmd.Bytes(); err == nil {
		t.Fatalf("expected error for data beyond extended Lc")
	}
}

func TestParseResponseApdu(t *testing.T) {
	rsp, err := ParseResponseApdu(mustHex(t, "AABB9000"))
	if err != nil {
		t.Fatalf("ParseResponseApdu: %v", err)
	}
	if !bytes.Equal(rsp.Data, []byte{0xAA, 0xBB}) || rsp.SW != 0x9000 {
		t.Fatalf("parsed = %X SW=%04X", rsp.Data, rsp.SW)
	}

	rsp, err = ParseResponseApdu(mustHex(t, "6A82"))
	if err != nil {
		t.Fatalf("ParseResponseApdu: %v", err)
	}
	if len(rsp.Data) != 0 || rsp.SW != 0x6A82 {
		t.Fatalf("parsed = %X SW=%04X", rsp.Data, rsp.SW)
	}

	if _, err := ParseResponseApdu([]byte{0x90}); err == nil {
		t.Fatalf("expected error for 1-byte response")
	}
}
