package frame

// CRC-16 parameters of the device-side eRPC codec: CCITT polynomial 0x1021,
// MSB first, with the non-standard initial value 0xEF4A, no reflection, no
// final xor. Table-free because frames are small and the init value rules
// out the stock CCITT tables.
const (
	crcInit uint32 = 0xEF4A
	crcPoly uint32 = 0x1021
)

// Checksum computes the frame CRC over p.
func Checksum(p []byte) uint16 {
	crc := crcInit
	for _, b := range p {
		crc ^= uint32(b) << 8
		for i := 0; i < 8; i++ {
			next := crc << 1
			if crc&0x8000 != 0 {
				next ^= crcPoly
			}
			crc = next
		}
	}
	return uint16(crc)
}
