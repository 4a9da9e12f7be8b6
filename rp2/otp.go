package rp2

// OTP_GUARDED_ROW is the row the boot diagnostics print. Each OTP row holds
// 16 bits and the data window maps one row per halfword, so a 32-bit read at
// row*2 returns the row and the next one.
const OTP_GUARDED_ROW = 0xc08

// OTP is the read-only ECC data window of the RP2350 OTP.
type OTP struct {
	bus  Bus
	base uint32
}

// ReadRowPair returns rows row and row+1.
func (o *OTP) ReadRowPair(row uint32) (lo, hi uint16) {
	v := o.bus.Read32(o.base + row*2)
	return uint16(v), uint16(v >> 16)
}
