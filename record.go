package rhi

import "encoding/binary"

// descriptorRecordSize is the size of the record written for every
// descriptor slot:
//
//	[0:8)   object id
//	[8:10)  resource type
//	[10:12) flags
//	[12:16) format, or mip/slice selection for texture views
//	[16:24) byte offset
//	[24:32) byte size, or 0 for whole textures
const descriptorRecordSize = 32

// descriptorRecord is the backend-neutral content of a descriptor slot.
type descriptorRecord struct {
	Object uint64
	Type   ResourceType
	Flags  uint16
	Format uint32
	Offset uint64
	Size   uint64
}

const (
	recordFlagNull uint16 = 1 << iota
	recordFlagRenderTarget
	recordFlagDepthStencil
)

func (r descriptorRecord) encode(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, r.Object)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Type))
	buf = binary.LittleEndian.AppendUint16(buf, r.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, r.Format)
	buf = binary.LittleEndian.AppendUint64(buf, r.Offset)
	buf = binary.LittleEndian.AppendUint64(buf, r.Size)
	return buf
}

func decodeRecord(b []byte) (descriptorRecord, bool) {
	if len(b) < descriptorRecordSize {
		return descriptorRecord{}, false
	}
	return descriptorRecord{
		Object: binary.LittleEndian.Uint64(b[0:]),
		Type:   ResourceType(binary.LittleEndian.Uint16(b[8:])),
		Flags:  binary.LittleEndian.Uint16(b[10:]),
		Format: binary.LittleEndian.Uint32(b[12:]),
		Offset: binary.LittleEndian.Uint64(b[16:]),
		Size:   binary.LittleEndian.Uint64(b[24:]),
	}, true
}
