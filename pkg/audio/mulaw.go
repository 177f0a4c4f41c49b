package audio

// G.711 µ-law companding, the codec carriers deliver 8 kHz telephony audio in.
// Encode clips to ±32635 and biases by 0x84 before segment lookup; decode goes
// through a precomputed 256-entry table so the hot media path stays allocation
// and branch light.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = buildMulawDecodeTable()

func buildMulawDecodeTable() [256]int16 {
	var table [256]int16
	for i := range table {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		magnitude := ((int32(mantissa) << 3) + mulawBias) << exponent
		magnitude -= mulawBias
		if sign != 0 {
			magnitude = -magnitude
		}
		table[i] = int16(magnitude)
	}
	return table
}

// MulawToPCM16 decodes 8-bit µ-law bytes into little-endian 16-bit PCM.
// Output is exactly twice the input length.
func MulawToPCM16(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		sample := mulawDecodeTable[b]
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}

// PCM16ToMulaw encodes little-endian 16-bit PCM into 8-bit µ-law bytes.
// Output is half the input length; an odd trailing byte is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = mulawEncodeSample(sample)
	}
	return out
}

func mulawEncodeSample(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Biased magnitude is in [0x84, 0x7FFF], so bit 7 is always set and the
	// segment search below terminates with exponent in [0, 7].
	exponent := 7
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)

	return ^(sign | byte(exponent)<<4 | mantissa)
}
