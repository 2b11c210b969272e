package checkpoint

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
)

// Framed artifact layout:
//
//	magic   [4]byte  "RPKS"
//	version uint8
//	codec   uint8 length + name bytes
//	body    uint32 big-endian length + compressed msgpack snapshot
//	crc32   uint32 big-endian, IEEE, over everything above
//
// CRC32 detects accidental corruption only; artifacts are not
// tamper-proof.

var magic = [4]byte{'R', 'P', 'K', 'S'}

const formatVersion = 1

// ChecksumMismatchError is returned when an artifact fails CRC
// verification.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checkpoint: checksum mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

// Encode serializes snap with msgpack, compresses it with codec and wraps
// it in the framed layout. A nil codec means Default.
func Encode(snap *Snapshot, codec Codec) ([]byte, error) {
	if codec == nil {
		codec = Default
	}
	name := codec.Name()
	if len(name) > 255 {
		return nil, fmt.Errorf("checkpoint: codec name %q too long", name)
	}

	raw, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal snapshot: %w", err)
	}
	body, err := codec.Compress(raw)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+2+len(name)+4+len(body)+4)
	out = append(out, magic[:]...)
	out = append(out, formatVersion)
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out, nil
}

// Decode verifies the frame and checksum, decompresses the body with the
// codec named in the header and unmarshals the snapshot.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < len(magic)+2+4+4 {
		return nil, fmt.Errorf("checkpoint: artifact truncated (%d bytes)", len(data))
	}
	if [4]byte(data[:4]) != magic {
		return nil, fmt.Errorf("checkpoint: bad magic %q", data[:4])
	}
	if v := data[4]; v != formatVersion {
		return nil, fmt.Errorf("checkpoint: unsupported format version %d", v)
	}

	want := binary.BigEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(data[:len(data)-4]); got != want {
		return nil, &ChecksumMismatchError{Expected: want, Actual: got}
	}

	nameLen := int(data[5])
	rest := data[6:]
	if len(rest) < nameLen+4+4 {
		return nil, fmt.Errorf("checkpoint: artifact truncated in header")
	}
	name := string(rest[:nameLen])
	rest = rest[nameLen:]

	codec, ok := ByName(name)
	if !ok {
		return nil, fmt.Errorf("checkpoint: unknown codec %q", name)
	}

	bodyLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if len(rest)-4 != bodyLen {
		return nil, fmt.Errorf("checkpoint: body length mismatch: header %d, actual %d", bodyLen, len(rest)-4)
	}

	raw, err := codec.Decompress(rest[:bodyLen])
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal snapshot: %w", err)
	}
	// msgpack carries only the instant; timestamps come back in UTC so a
	// round trip yields identical values whatever the local time zone.
	snap.CreatedAt = snap.CreatedAt.UTC()
	for i := range snap.Tables {
		for j := range snap.Tables[i].Items {
			it := &snap.Tables[i].Items[j]
			it.InsertedAt = it.InsertedAt.UTC()
		}
	}
	return &snap, nil
}
