package event

import "encoding/binary"

// Binary layout (all integers little-endian):
//
//	header (38 bytes):
//	  0:4   total_size   u32  (24 bits significant, top byte must be 0)
//	  4     version      u8
//	  5:8   reserved     3 bytes, zero
//	  8:16  sec          u64
//	  16:20 msec         u32
//	  20:28 serial       u64
//	  28:32 flags        u32
//	  32:36 pid          i32
//	  36:38 num_records  u16
//	record index table: num_records x u32 absolute offset to each record block
//
//	record block:
//	  0:4  type_code       u32
//	  4:6  type_name_len   u16
//	  ...  type_name       bytes
//	  +0   has_raw_text    u8
//	  [+1:+5 raw_text_len u32; raw_text bytes]
//	  num_fields          u16
//	  decl-order field offsets:   num_fields x u32 (absolute)
//	  sorted-by-name field offsets: num_fields x u32 (absolute)
//
//	field entry:
//	  0:2  name_len  u16
//	  ...  name bytes
//	  +0   field_type u8
//	  +1:5 raw_len    u32
//	  ...  raw bytes
//	  +0   has_interp u8
//	  [+1:5 interp_len u32; interp bytes]
const (
	headerSize   = 38
	offTotalSize = 0
	offVersion   = 4
	offSec       = 8
	offMsec      = 16
	offSerial    = 20
	offFlags     = 28
	offPid       = 32
	offNumRec    = 36
)

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func putU16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:off+2], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:off+8], v) }

func getU32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }
func getU16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off : off+2]) }
func getU64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off : off+8]) }
