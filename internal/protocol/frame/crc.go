package frame

import (
	"encoding/binary"
	"hash/crc32"
)

// BitmapAddress is the storage address the first bitmap chunk is written to.
// The bitmap CRC covers this prefix as well as the image bytes.
var BitmapAddress = [4]byte{0x00, 0x1C, 0x00, 0x00}

// BitmapCRC is IEEE CRC32 over BitmapAddress followed by bmp.
func BitmapCRC(bmp []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write(BitmapAddress[:])
	_, _ = h.Write(bmp)
	return h.Sum32()
}

func bitmapCRCFrame(bmp []byte) Frame {
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], BitmapCRC(bmp))
	return Command(CmdBitmapCRC, sum[:]...)
}
