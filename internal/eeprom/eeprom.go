// Package eeprom implements the Cisco EEPROM v4 tagged-field binary
// format: word-addressed, big-endian, terminated by field type 0xFF.
// Grounded on dynamips's cisco_eeprom.c (spec §4.3, §6).
package eeprom

import "fmt"

// Terminator is the field type that ends a v4 EEPROM's field list.
const Terminator = 0xFF

// MACBaseFieldType is field 0xCF, patched at chassis init with a MAC
// derived from {platform-msb, instance-id, pid, slot} (spec §4.3, §8).
const MACBaseFieldType = 0xCF

// EEPROM is a fixed-size, word-addressed byte buffer. It stores bytes
// directly (unlike the original's m_uint16_t word array) because Go byte
// slices are simpler to reason about; GetByte/SetByte still address by
// byte offset exactly as the original API does.
type EEPROM struct {
	Data []byte
}

// New allocates a zeroed EEPROM of size bytes with a terminator at
// offset 2 (when size allows), so the v4 field list starts empty.
func New(size int) *EEPROM {
	e := &EEPROM{Data: make([]byte, size)}
	if size > 2 {
		e.Data[2] = Terminator
	}
	return e
}

// GetByte reads a single byte at offset.
func (e *EEPROM) GetByte(offset int) (byte, error) {
	if offset < 0 || offset >= len(e.Data) {
		return 0, fmt.Errorf("eeprom: offset %d out of range", offset)
	}
	return e.Data[offset], nil
}

// SetByte writes a single byte at offset.
func (e *EEPROM) SetByte(offset int, val byte) error {
	if offset < 0 || offset >= len(e.Data) {
		return fmt.Errorf("eeprom: offset %d out of range", offset)
	}
	e.Data[offset] = val
	return nil
}

// GetRegion reads length bytes starting at offset.
func (e *EEPROM) GetRegion(offset, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		b, err := e.GetByte(offset + i)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// SetRegion writes data starting at offset.
func (e *EEPROM) SetRegion(offset int, data []byte) error {
	for i, b := range data {
		if err := e.SetByte(offset+i, b); err != nil {
			return err
		}
	}
	return nil
}

// field describes one parsed v4 field: its type tag, data length, and
// the offset of its first data byte (immediately following the type/
// length-tag bytes).
type field struct {
	typ    byte
	length int
	offset int
}

// nextField parses one field starting at *offset, advancing *offset past
// the type (and, for variable-length fields, the extra length byte).
// Returns ok=false once the terminator is reached.
func (e *EEPROM) nextField(offset *int) (field, bool, error) {
	typ, err := e.GetByte(*offset)
	if err != nil {
		return field{}, false, err
	}
	*offset++

	if typ == Terminator {
		return field{}, false, nil
	}

	tag := (typ >> 6) & 0x03
	var length int
	if tag == 0x03 {
		lenByte, err := e.GetByte(*offset)
		if err != nil {
			return field{}, false, err
		}
		*offset++
		length = int(lenByte & 0x0F)
	} else {
		length = 1 << tag
	}

	return field{typ: typ, length: length, offset: *offset}, true, nil
}

// V4FindField walks fields from offset 2 looking for fieldType, returning
// the offset of its data on success (spec §4.3, §8: "v4_find_field(type)
// then get_region returns value"). A fieldType whose top two bits are
// clear also matches a field whose type byte carries a length tag in
// those bits, as V4Set writes them.
func (e *EEPROM) V4FindField(fieldType byte) (offset int, length int, err error) {
	pos := 2
	for pos < len(e.Data) {
		f, ok, err := e.nextField(&pos)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			break
		}
		if f.typ == fieldType || (fieldType&0xC0 == 0 && f.typ&0x3F == fieldType) {
			return f.offset, f.length, nil
		}
		pos = f.offset + f.length
	}
	return 0, 0, fmt.Errorf("eeprom: field 0x%02x not found", fieldType)
}

// V4Set writes value as a new field of type fieldType at the first
// terminator found, fixing up the following terminator. Fixed lengths
// 1/2/4 are encoded in the length-tag's top two bits; any other length
// uses the variable-length encoding (tag 0b11 + an extra length byte,
// up to 15 bytes).
func (e *EEPROM) V4Set(fieldType byte, value []byte) error {
	pos := 2
	for {
		typ, err := e.GetByte(pos)
		if err != nil {
			return fmt.Errorf("eeprom: no room for field 0x%02x: %w", fieldType, err)
		}
		if typ == Terminator {
			break
		}
		f, ok, err := e.nextField(&pos)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		pos = f.offset + f.length
	}

	var header []byte
	switch len(value) {
	case 1:
		header = []byte{fieldType}
	case 2:
		header = []byte{fieldType | (1 << 6)}
	case 4:
		header = []byte{fieldType | (2 << 6)}
	default:
		if len(value) > 0x0F {
			return fmt.Errorf("eeprom: variable field too long (%d bytes, max 15)", len(value))
		}
		header = []byte{fieldType | (3 << 6), byte(len(value))}
	}

	if err := e.SetRegion(pos, header); err != nil {
		return err
	}
	pos += len(header)
	if err := e.SetRegion(pos, value); err != nil {
		return err
	}
	pos += len(value)
	return e.SetByte(pos, Terminator)
}

// Dump returns every field's data keyed by its type byte, for
// diagnostics. The map keeps no encounter order, and a later field of
// the same type replaces an earlier one.
func (e *EEPROM) Dump() (map[byte][]byte, error) {
	out := make(map[byte][]byte)
	pos := 2
	for pos < len(e.Data) {
		f, ok, err := e.nextField(&pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		data, err := e.GetRegion(f.offset, f.length)
		if err != nil {
			return nil, err
		}
		out[f.typ] = data
		pos = f.offset + f.length
	}
	return out, nil
}

// PatchMACBase overwrites field 0xCF with a MAC address synthesized from
// the chassis identity, as done at chassis init (spec §4.3, §8).
func PatchMACBase(e *EEPROM, platformMSB byte, instanceID uint16, pid uint16, slot byte) error {
	mac := [6]byte{
		platformMSB,
		byte(instanceID >> 8), byte(instanceID),
		byte(pid >> 8), byte(pid),
		slot,
	}
	return e.V4Set(MACBaseFieldType, mac[:])
}
