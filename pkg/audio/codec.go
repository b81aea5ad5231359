// Package audio holds the telephony codec helpers used on both sides of the
// bridge: G.711 µ-law framing for the RTP leg and 16-bit linear PCM at the
// rates realtime speech backends expect.
package audio

import (
	"time"

	"github.com/zaf/g711"
)

// Sample rates used across the bridge.
const (
	RateTelephony = 8000
	RateWideband  = 16000
	RateRealtime  = 24000
)

const (
	// MulawSilence is the µ-law code for a zero-amplitude sample.
	MulawSilence byte = 0xFF

	// FrameDuration is the packetisation interval of the RTP leg.
	FrameDuration = 20 * time.Millisecond

	// MulawFrameBytes is one 20 ms frame of 8 kHz µ-law (one byte per sample).
	MulawFrameBytes = RateTelephony * int(FrameDuration/time.Millisecond) / 1000
)

// Encoding names an on-the-wire sample encoding.
type Encoding string

const (
	EncodingMulaw    Encoding = "mulaw"
	EncodingLinear16 Encoding = "linear16"
)

// Format describes a mono audio stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// Telephony is the format spoken by the PBX leg.
var Telephony = Format{Encoding: EncodingMulaw, SampleRate: RateTelephony}

// IsTelephony reports whether f is 8 kHz µ-law and can pass straight through.
func (f Format) IsTelephony() bool {
	return f.Encoding == EncodingMulaw && f.SampleRate == RateTelephony
}

// BytesPerSecond returns the byte rate of f. Unknown encodings are treated as
// 16-bit linear.
func (f Format) BytesPerSecond() int {
	if f.Encoding == EncodingMulaw {
		return f.SampleRate
	}
	return f.SampleRate * 2
}

// Duration returns the play time of n bytes in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// MulawToPCM16 expands µ-law bytes into little-endian 16-bit PCM. The output
// is exactly twice the input length.
func MulawToPCM16(mulaw []byte) []byte {
	if len(mulaw) == 0 {
		return nil
	}
	return g711.DecodeUlaw(mulaw)
}

// PCM16ToMulaw compresses little-endian 16-bit PCM into µ-law. A trailing odd
// byte is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	if len(pcm) < 2 {
		return nil
	}
	return g711.EncodeUlaw(pcm[:len(pcm)&^1])
}

// MulawSilenceFrame returns n bytes of µ-law silence.
func MulawSilenceFrame(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = MulawSilence
	}
	return b
}
