package decoder

import (
	"bytes"
	"testing"
)

type fakeSink struct {
	vps, sps, pps [][]byte
	decoded       [][]byte
	pts           []uint64
}

func (s *fakeSink) SetVPS(vps []byte) error {
	s.vps = append(s.vps, append([]byte(nil), vps...))
	return nil
}

func (s *fakeSink) SetSPS(sps []byte) error {
	s.sps = append(s.sps, append([]byte(nil), sps...))
	return nil
}

func (s *fakeSink) SetPPS(pps []byte) error {
	s.pps = append(s.pps, append([]byte(nil), pps...))
	return nil
}

func (s *fakeSink) Decode(annexB []byte, ptsNs uint64) error {
	s.decoded = append(s.decoded, append([]byte(nil), annexB...))
	s.pts = append(s.pts, ptsNs)
	return nil
}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func h264NAL(nalType byte, rest ...byte) []byte {
	return append([]byte{nalType & 0x1F}, rest...)
}

func hevcNAL(nalType byte, rest ...byte) []byte {
	b0 := (nalType & 0x3F) << 1
	return append([]byte{b0, 0x00}, rest...)
}

func TestSplitAnnexBFindsAllUnits(t *testing.T) {
	data := annexB([]byte{0x67, 0xAA}, []byte{0x68, 0xBB}, []byte{0x65, 0xCC})
	units := SplitAnnexB(data)
	if len(units) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(units))
	}
}

func TestDetectCodecH264SPS(t *testing.T) {
	isHEVC, ok := DetectCodec(h264NAL(7, 0x01))
	if !ok || isHEVC {
		t.Fatalf("expected H.264 SPS detection, got isHEVC=%v ok=%v", isHEVC, ok)
	}
}

func TestDetectCodecHEVCSPS(t *testing.T) {
	isHEVC, ok := DetectCodec(hevcNAL(33, 0x01))
	if !ok || !isHEVC {
		t.Fatalf("expected HEVC SPS detection, got isHEVC=%v ok=%v", isHEVC, ok)
	}
}

func TestPFrameDroppedBeforeKeyFrame(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink)

	pFrame := annexB(h264NAL(1, 0xAA)) // non-IDR slice
	if err := d.Submit(pFrame, 100); err != ErrNoKeyFrameYet {
		t.Fatalf("expected ErrNoKeyFrameYet, got %v", err)
	}
	if len(sink.decoded) != 0 {
		t.Fatalf("expected no frames submitted, got %d", len(sink.decoded))
	}
}

func TestKeyFrameUnblocksSubsequentPFrames(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink)
	if err := d.SetSPS(h264NAL(7, 0x01)); err != nil {
		t.Fatalf("SetSPS: %v", err)
	}

	keyFrame := annexB(h264NAL(5, 0xAA)) // IDR slice
	if err := d.Submit(keyFrame, 100); err != nil {
		t.Fatalf("Submit key frame: %v", err)
	}
	pFrame := annexB(h264NAL(1, 0xBB))
	if err := d.Submit(pFrame, 200); err != nil {
		t.Fatalf("Submit p-frame after key frame: %v", err)
	}

	if len(sink.decoded) != 2 {
		t.Fatalf("expected 2 delivered frames, got %d", len(sink.decoded))
	}
	if sink.pts[0] != 100 || sink.pts[1] != 200 {
		t.Fatalf("expected pts to pass through unchanged, got %v", sink.pts)
	}
}

func TestHEVCKeyFrameDetection(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink)
	if err := d.SetVPS(hevcNAL(32, 0x01)); err != nil {
		t.Fatalf("SetVPS: %v", err)
	}
	if err := d.SetSPS(hevcNAL(33, 0x01)); err != nil {
		t.Fatalf("SetSPS: %v", err)
	}

	keyFrame := annexB(hevcNAL(19, 0xAA)) // IDR_W_RADL
	if err := d.Submit(keyFrame, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(sink.decoded) != 1 {
		t.Fatalf("expected the key frame to be decoded, got %d frames", len(sink.decoded))
	}
}

// TestVPSArrivalForcesHEVCAndDiscardsStaleSPSPPS covers spec §4.10: "VPS
// arrival ⇒ force HEVC mode; discard stale SPS/PPS."
func TestVPSArrivalForcesHEVCAndDiscardsStaleSPSPPS(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink)

	if err := d.SetSPS(h264NAL(7, 0x01)); err != nil {
		t.Fatalf("SetSPS: %v", err)
	}
	if err := d.SetPPS(h264NAL(8, 0x02)); err != nil {
		t.Fatalf("SetPPS: %v", err)
	}
	if d.isHEVC {
		t.Fatal("expected H.264 mode before any VPS")
	}

	if err := d.SetVPS(hevcNAL(32, 0x09)); err != nil {
		t.Fatalf("SetVPS: %v", err)
	}
	if !d.isHEVC {
		t.Fatal("expected VPS arrival to force HEVC mode")
	}
	if d.sps != nil || d.pps != nil {
		t.Fatal("expected VPS arrival to discard stale H.264 SPS/PPS")
	}
}

// TestCodecTransitionInvalidatesSessionAndRegatesKeyFrame covers scenario
// S5: an H.264 session switching to an HEVC SPS destroys and rebuilds the
// decoder session, so a subsequent P-frame is skipped until a new key frame
// arrives even though one had already been seen under the old codec.
func TestCodecTransitionInvalidatesSessionAndRegatesKeyFrame(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink)

	if err := d.SetSPS(h264NAL(7, 0x01)); err != nil {
		t.Fatalf("SetSPS h264: %v", err)
	}
	if err := d.Submit(annexB(h264NAL(5, 0xAA)), 1); err != nil {
		t.Fatalf("Submit h264 key frame: %v", err)
	}
	if !d.seenKeyFrame {
		t.Fatal("expected key frame to be observed under H.264")
	}

	// HEVC SPS, first byte 0x42 per scenario S5 ((0x42>>1)&0x3F == 33).
	if err := d.SetSPS([]byte{0x42, 0x01}); err != nil {
		t.Fatalf("SetSPS hevc: %v", err)
	}
	if !d.isHEVC {
		t.Fatal("expected codec transition to HEVC")
	}
	if d.seenKeyFrame {
		t.Fatal("expected codec transition to invalidate the session and reset seenKeyFrame")
	}

	pFrame := annexB(hevcNAL(1, 0xBB)) // non-key HEVC NAL type
	if err := d.Submit(pFrame, 2); err != ErrNoKeyFrameYet {
		t.Fatalf("expected P-frame to be gated again after codec switch, got %v", err)
	}
}

// TestParameterSetByteChangeInvalidatesSession covers spec §4.10: "any
// parameter-set byte change triggers a session-compatibility check" and
// rebuilds the session even without a codec transition.
func TestParameterSetByteChangeInvalidatesSession(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink)

	if err := d.SetSPS(h264NAL(7, 0x01)); err != nil {
		t.Fatalf("SetSPS: %v", err)
	}
	if err := d.Submit(annexB(h264NAL(5, 0xAA)), 1); err != nil {
		t.Fatalf("Submit key frame: %v", err)
	}
	if !d.seenKeyFrame {
		t.Fatal("expected key frame to be observed")
	}

	if err := d.SetSPS(h264NAL(7, 0x02)); err != nil { // same codec, different bytes
		t.Fatalf("SetSPS updated: %v", err)
	}
	if d.seenKeyFrame {
		t.Fatal("expected an SPS byte change to invalidate the session")
	}
}

func TestParameterSetsForwardedToSink(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink)

	if err := d.SetSPS(h264NAL(7, 0x01)); err != nil {
		t.Fatalf("SetSPS: %v", err)
	}
	if err := d.SetPPS(h264NAL(8, 0x02)); err != nil {
		t.Fatalf("SetPPS: %v", err)
	}
	if len(sink.sps) != 1 || !bytes.Equal(sink.sps[0], h264NAL(7, 0x01)) {
		t.Fatalf("expected SPS forwarded to sink, got %v", sink.sps)
	}
	if len(sink.pps) != 1 || !bytes.Equal(sink.pps[0], h264NAL(8, 0x02)) {
		t.Fatalf("expected PPS forwarded to sink, got %v", sink.pps)
	}
}
