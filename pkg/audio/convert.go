package audio

import (
	"encoding/binary"
	"sync"
)

// Resample resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. Integer-ratio downsampling (24k→8k, 16k→8k) averages each
// group of source samples first so the result is not aliased by simple
// decimation. Non-positive rates and equal rates return pcm unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	if srcRate > dstRate && srcRate%dstRate == 0 {
		return decimate(pcm, srcRate/dstRate)
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// decimate averages every factor consecutive samples into one.
func decimate(pcm []byte, factor int) []byte {
	dstSamples := (len(pcm) / 2) / factor
	if dstSamples == 0 {
		return nil
	}
	out := make([]byte, dstSamples*2)
	for i := range dstSamples {
		var sum int32
		for j := range factor {
			sum += int32(sampleAt(pcm, i*factor+j))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(factor))))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

// Converter translates between the telephony leg and one backend format.
// Backend audio arrives in arbitrarily sized chunks, so ToTelephony holds
// back a trailing odd byte and any samples that do not fill a whole
// decimation group and prepends them to the next chunk. One Converter per
// call; it is safe for concurrent use.
type Converter struct {
	Backend Format

	mu    sync.Mutex
	carry []byte
}

// NewConverter returns a Converter for the given backend format.
func NewConverter(backend Format) *Converter {
	return &Converter{Backend: backend}
}

// FromTelephony converts 8 kHz µ-law captured from RTP into the backend
// format. µ-law backends at 8 kHz receive the bytes unchanged.
func (c *Converter) FromTelephony(mulaw []byte) []byte {
	if c.Backend.IsTelephony() {
		return mulaw
	}
	pcm := MulawToPCM16(mulaw)
	if c.Backend.Encoding == EncodingMulaw {
		return PCM16ToMulaw(Resample(pcm, RateTelephony, c.Backend.SampleRate))
	}
	return Resample(pcm, RateTelephony, c.Backend.SampleRate)
}

// ToTelephony converts backend audio into 8 kHz µ-law ready for the pacing
// queue. Converting a stream chunk by chunk yields the same number of
// samples as converting it in one piece.
func (c *Converter) ToTelephony(b []byte) []byte {
	if c.Backend.IsTelephony() {
		return b
	}
	pcm := b
	if c.Backend.Encoding == EncodingMulaw {
		pcm = MulawToPCM16(b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.carry) > 0 {
		pcm = append(c.carry, pcm...)
		c.carry = nil
	}
	unit := 2 * c.groupSize()
	if rest := len(pcm) % unit; rest > 0 {
		c.carry = append([]byte(nil), pcm[len(pcm)-rest:]...)
		pcm = pcm[:len(pcm)-rest]
	}
	if len(pcm) == 0 {
		return nil
	}
	return PCM16ToMulaw(Resample(pcm, c.Backend.SampleRate, RateTelephony))
}

// Reset drops held-back audio, e.g. when playback is interrupted and the
// next chunk starts a new utterance.
func (c *Converter) Reset() {
	c.mu.Lock()
	c.carry = nil
	c.mu.Unlock()
}

// groupSize is the number of backend samples that map onto whole output
// samples: the decimation factor for integer-ratio downsampling, else 1.
func (c *Converter) groupSize() int {
	src := c.Backend.SampleRate
	if src > RateTelephony && src%RateTelephony == 0 {
		return src / RateTelephony
	}
	return 1
}
