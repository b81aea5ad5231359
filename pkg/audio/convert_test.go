package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestMulawRoundTrip(t *testing.T) {
	t.Parallel()
	var in []int16
	for s := -32000; s <= 32000; s += 250 {
		in = append(in, int16(s))
	}
	mulaw := audio.PCM16ToMulaw(samplesToBytes(in))
	if len(mulaw) != len(in) {
		t.Fatalf("encoded length: got %d, want %d", len(mulaw), len(in))
	}
	out := bytesToSamples(audio.MulawToPCM16(mulaw))
	if len(out) != len(in) {
		t.Fatalf("decoded length: got %d, want %d", len(out), len(in))
	}
	for i := range in {
		diff := abs(int(out[i]) - int(in[i]))
		if limit := abs(int(in[i]))/16 + 64; diff > limit {
			t.Errorf("sample %d: %d decoded as %d (error %d > %d)", i, in[i], out[i], diff, limit)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	t.Parallel()
	frame := audio.MulawSilenceFrame(audio.MulawFrameBytes)
	if len(frame) != 160 {
		t.Fatalf("frame length: got %d, want 160", len(frame))
	}
	for i, s := range bytesToSamples(audio.MulawToPCM16(frame)) {
		if s != 0 {
			t.Fatalf("sample %d: got %d, want 0", i, s)
		}
	}
	if got := audio.PCM16ToMulaw(samplesToBytes([]int16{0})); got[0] != audio.MulawSilence {
		t.Errorf("zero sample encoded as %#x, want %#x", got[0], audio.MulawSilence)
	}
}

func TestPCM16ToMulaw_OddTrailingByte(t *testing.T) {
	t.Parallel()
	got := audio.PCM16ToMulaw([]byte{0, 0, 0, 0, 7})
	if len(got) != 2 {
		t.Errorf("got %d bytes, want 2", len(got))
	}
	if audio.PCM16ToMulaw([]byte{1}) != nil {
		t.Error("expected nil for a single byte")
	}
}

func TestResample_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.Resample(pcm, 24000, 24000)
	if &out[0] != &pcm[0] {
		t.Error("expected the input slice back for matching rates")
	}
}

func TestResample_Lengths(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		src, dst int
		in, want int
	}{
		{"8k to 24k", 8000, 24000, 160, 480},
		{"8k to 16k", 8000, 16000, 160, 320},
		{"24k to 8k", 24000, 8000, 480, 160},
		{"16k to 8k", 16000, 8000, 320, 160},
		{"16k to 24k", 16000, 24000, 320, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := audio.Resample(make([]byte, tt.in*2), tt.src, tt.dst)
			if got := len(out) / 2; got != tt.want {
				t.Errorf("got %d samples, want %d", got, tt.want)
			}
		})
	}
}

func TestResample_Upsample(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.Resample(samplesToBytes([]int16{1000, 2000}), 8000, 24000))
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if last := got[len(got)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResample_DownsampleAverages(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.Resample(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}), 24000, 8000))
	want := []int16{200, 500}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResample_ZeroRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200})
	for _, rates := range [][2]int{{0, 8000}, {8000, 0}, {-1, 8000}} {
		if out := audio.Resample(pcm, rates[0], rates[1]); len(out) != len(pcm) {
			t.Errorf("rates %v: expected unchanged output, got len %d", rates, len(out))
		}
	}
}

func TestConverter_Passthrough(t *testing.T) {
	t.Parallel()
	c := audio.NewConverter(audio.Telephony)
	in := audio.MulawSilenceFrame(160)
	if out := c.FromTelephony(in); &out[0] != &in[0] {
		t.Error("FromTelephony: expected passthrough for µ-law 8 kHz backend")
	}
	if out := c.ToTelephony(in); &out[0] != &in[0] {
		t.Error("ToTelephony: expected passthrough for µ-law 8 kHz backend")
	}
}

func TestConverter_Linear24k(t *testing.T) {
	t.Parallel()
	c := audio.NewConverter(audio.Format{Encoding: audio.EncodingLinear16, SampleRate: audio.RateRealtime})

	up := c.FromTelephony(audio.MulawSilenceFrame(160))
	if len(up) != 480*2 {
		t.Errorf("FromTelephony: got %d bytes, want %d", len(up), 480*2)
	}

	down := c.ToTelephony(make([]byte, 480*2))
	if len(down) != 160 {
		t.Fatalf("ToTelephony: got %d bytes, want 160", len(down))
	}
	for i, b := range down {
		if b != audio.MulawSilence {
			t.Fatalf("byte %d: got %#x, want silence", i, b)
		}
	}
}

func TestConverter_Linear16kOddInput(t *testing.T) {
	t.Parallel()
	c := audio.NewConverter(audio.Format{Encoding: audio.EncodingLinear16, SampleRate: audio.RateWideband})
	if got := len(c.ToTelephony(make([]byte, 641))); got != 160 {
		t.Errorf("got %d bytes, want 160", got)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	if got := audio.Telephony.Duration(160); got != 20*time.Millisecond {
		t.Errorf("µ-law 160 bytes: got %v, want 20ms", got)
	}
	pcm24 := audio.Format{Encoding: audio.EncodingLinear16, SampleRate: audio.RateRealtime}
	if got := pcm24.Duration(48000); got != time.Second {
		t.Errorf("pcm16 24k 48000 bytes: got %v, want 1s", got)
	}
}

func TestConverter_ChunkedMatchesWhole(t *testing.T) {
	t.Parallel()
	pcm24 := audio.Format{Encoding: audio.EncodingLinear16, SampleRate: audio.RateRealtime}

	// 100 chunks of 241 samples: none is a multiple of the 3:1 decimation.
	const chunks, samples = 100, 241
	src := make([]int16, chunks*samples)
	for i := range src {
		src[i] = int16((i % 200) * 100)
	}
	whole := samplesToBytes(src)

	want := audio.NewConverter(pcm24).ToTelephony(whole)

	c := audio.NewConverter(pcm24)
	var got []byte
	for i := range chunks {
		got = append(got, c.ToTelephony(whole[i*samples*2:(i+1)*samples*2])...)
	}
	if len(got) != len(want) {
		t.Fatalf("chunked output = %d samples, whole = %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: chunked %#x, whole %#x", i, got[i], want[i])
		}
	}
}

func TestConverter_OddChunksStayAligned(t *testing.T) {
	t.Parallel()
	pcm16 := audio.Format{Encoding: audio.EncodingLinear16, SampleRate: audio.RateWideband}

	src := make([]int16, 960)
	for i := range src {
		src[i] = int16(i * 30)
	}
	whole := samplesToBytes(src)
	want := audio.NewConverter(pcm16).ToTelephony(whole)

	// Split at odd byte offsets so every chunk but the last ends mid-sample.
	c := audio.NewConverter(pcm16)
	var got []byte
	for off := 0; off < len(whole); off += 481 {
		end := min(off+481, len(whole))
		got = append(got, c.ToTelephony(whole[off:end])...)
	}
	if string(got) != string(want) {
		t.Fatalf("chunked output differs from whole: %d vs %d bytes", len(got), len(want))
	}
}

func TestConverter_ResetDropsRemainder(t *testing.T) {
	t.Parallel()
	c := audio.NewConverter(audio.Format{Encoding: audio.EncodingLinear16, SampleRate: audio.RateRealtime})
	if out := c.ToTelephony(make([]byte, 4)); len(out) != 0 {
		t.Fatalf("2 samples at 24 kHz: got %d bytes, want 0", len(out))
	}
	c.Reset()
	if out := c.ToTelephony(make([]byte, 2)); len(out) != 0 {
		t.Errorf("after Reset: got %d bytes, want 0", len(out))
	}
}
