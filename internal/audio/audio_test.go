package audio

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1}
	pcm := Float32ToPCM16(in)
	if len(pcm) != 10 {
		t.Fatalf("expected 10 bytes, got %d", len(pcm))
	}
	out := PCM16ToFloat32(append(pcm, 0x7f))
	if len(out) != len(in) {
		t.Fatalf("odd trailing byte must be ignored, got %d samples", len(out))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-3 {
			t.Fatalf("sample %d: got %v want %v", i, out[i], in[i])
		}
	}
	if FloatToPCM16(4) != 32767 || FloatToPCM16(-4) != -32767 {
		t.Fatalf("clipping failed")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(0.25 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := EncodeWAV(f, samples, 16000); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	r, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	got, rate, err := DecodeWAV(r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 || len(got) != len(samples) {
		t.Fatalf("unexpected decode: rate=%d len=%d", rate, len(got))
	}
	for i := range samples {
		if math.Abs(float64(got[i]-samples[i])) > 1e-3 {
			t.Fatalf("sample %d: got %v want %v", i, got[i], samples[i])
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV(bytes.NewReader([]byte("definitely not a riff header")))
	if !errors.Is(err, ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}

func TestDownmixAndResample(t *testing.T) {
	mono := DownmixInterleaved([]float32{1, 0, 0.5, 0.5, -1, 1}, 2)
	if len(mono) != 3 || mono[0] != 0.5 || mono[1] != 0.5 || mono[2] != 0 {
		t.Fatalf("unexpected downmix %v", mono)
	}

	in := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	if out := Resample(in, 16000, 16000); len(out) != len(in) {
		t.Fatalf("same rate must be a no-op")
	}
	down := Resample(in, 32000, 16000)
	if len(down) != 4 || down[1] != 2 || down[3] != 6 {
		t.Fatalf("unexpected downsample %v", down)
	}
	up := Resample([]float32{0, 2}, 8000, 16000)
	if len(up) != 4 || up[1] != 1 || up[3] != 2 {
		t.Fatalf("unexpected upsample %v", up)
	}
}
