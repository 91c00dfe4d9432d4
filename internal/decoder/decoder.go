// Package decoder adapts reassembled H.264/HEVC Annex-B bitstreams for a
// platform video decoder: it tracks VPS/SPS/PPS parameter sets, detects
// which codec is in use from the SPS NAL header, invalidates and rebuilds
// its session on a codec or parameter-set change, and gates delivery of
// P-frames until a key frame has been seen since the most recent session
// (re)creation. The actual decode/render step is out of scope (it belongs
// to the platform decoder); this package only prepares frames for whatever
// Sink the caller wires in.
//
// Grounded on the teacher's encoder.go adapter-interface style (BackendName/
// config pattern), inverted here for decode rather than encode.
package decoder

import (
	"bytes"
	"errors"

	"github.com/breeze-rmm/receiver/internal/logging"
)

var log = logging.L("decoder")

// NAL unit type constants, shared by both codecs where they overlap in
// meaning (Annex-B start-code framing is identical between H.264 and HEVC).
const (
	h264NALTypeIDRSlice = 5
	h264NALTypeSPS      = 7

	hevcNALTypeVPS      = 32
	hevcNALTypeSPS      = 33
	hevcNALTypePPS      = 34
	hevcNALTypeBLAWLP   = 16
	hevcNALTypeBLAWRADL = 17
	hevcNALTypeBLANLP   = 18
	hevcNALTypeIDRWRADL = 19
	hevcNALTypeIDRNLP   = 20
	hevcNALTypeCRANUT   = 21
)

var ErrNoKeyFrameYet = errors.New("decoder: discarding frame, no key frame received yet")

// Sink is the platform video decoder contract (spec §6): parameter sets are
// pushed as they change, and each access unit is handed over for decode.
type Sink interface {
	SetVPS(vps []byte) error
	SetSPS(sps []byte) error
	SetPPS(pps []byte) error
	Decode(annexB []byte, ptsNs uint64) error
}

// Decoder buffers parameter sets, rebuilds its session on a codec or
// parameter-set change, and gates P-frames behind the first key frame
// observed since the most recent (re)creation (spec §4.10).
type Decoder struct {
	sink Sink

	isHEVC bool
	vps    []byte
	sps    []byte
	pps    []byte

	seenKeyFrame bool
}

// New constructs a Decoder that forwards prepared frames to sink.
func New(sink Sink) *Decoder {
	return &Decoder{sink: sink}
}

// SetVPS observes a VPS parameter set (HEVC only). Its arrival always forces
// HEVC mode and discards any SPS/PPS already held, whether carried over from
// an H.264 stream or from an earlier HEVC parameter-set group
// (spec §4.10: "VPS arrival ⇒ force HEVC mode; discard stale SPS/PPS").
func (d *Decoder) SetVPS(nal []byte) error {
	wasHEVC := d.isHEVC
	d.isHEVC = true

	if !wasHEVC || d.sps != nil || d.pps != nil {
		d.sps = nil
		d.pps = nil
		d.invalidateSession()
	} else if !bytes.Equal(d.vps, nal) {
		d.invalidateSession()
	}

	d.vps = append([]byte(nil), nal...)
	return d.sink.SetVPS(d.vps)
}

// SetSPS observes an SPS parameter set and detects the codec from its NAL
// header: H.264 if (byte0 & 0x1F) == 7, HEVC if ((byte0 >> 1) & 0x3F) == 33.
// A codec transition, or any byte change to an already-established SPS,
// invalidates the decoder session (spec §4.10).
func (d *Decoder) SetSPS(nal []byte) error {
	isHEVCNAL, ok := DetectCodec(nal)
	if !ok {
		log.Warn("sps nal does not match either codec's header layout")
	} else if isHEVCNAL != d.isHEVC {
		d.isHEVC = isHEVCNAL
		if !isHEVCNAL {
			d.vps = nil
		}
		d.pps = nil
		d.invalidateSession()
	} else if !bytes.Equal(d.sps, nal) {
		d.invalidateSession()
	}

	d.sps = append([]byte(nil), nal...)
	return d.sink.SetSPS(d.sps)
}

// SetPPS observes a PPS parameter set. A byte change rebuilds the session,
// same as SPS (spec §4.10: "any parameter-set byte change triggers a
// session-compatibility check").
func (d *Decoder) SetPPS(nal []byte) error {
	if !bytes.Equal(d.pps, nal) {
		d.invalidateSession()
	}
	d.pps = append([]byte(nil), nal...)
	return d.sink.SetPPS(d.pps)
}

// invalidateSession destroys and rebuilds the decoder's session: the only
// externally visible effect for this adapter is that no P-frame may pass
// until a fresh key frame is observed (spec §4.10, scenario S5).
func (d *Decoder) invalidateSession() {
	d.seenKeyFrame = false
}

// Submit splits an Annex-B access unit into NAL units, detects whether it
// contains a key frame, and forwards it to the sink unless it's a P-frame
// arriving before any key frame has been seen since the last session
// (re)creation. ptsNs is the frame's presentation timestamp, passed through
// to the sink unchanged.
func (d *Decoder) Submit(accessUnit []byte, ptsNs uint64) error {
	nalUnits := SplitAnnexB(accessUnit)
	if len(nalUnits) == 0 {
		return nil
	}

	isKeyFrame := false
	for _, nal := range nalUnits {
		if len(nal) == 0 {
			continue
		}
		// Parameter sets ride their own packet type (spec §3) and are
		// handled by SetVPS/SetSPS/SetPPS; reject them here if they
		// somehow show up inline with an access unit.
		if d.isParameterSetNAL(nal) {
			continue
		}
		if d.isNALKeyFrame(nal) {
			isKeyFrame = true
		}
	}

	if isKeyFrame {
		d.seenKeyFrame = true
	} else if !d.seenKeyFrame {
		log.Debug("dropping p-frame before first key frame")
		return ErrNoKeyFrameYet
	}

	return d.sink.Decode(accessUnit, ptsNs)
}

func (d *Decoder) isParameterSetNAL(nal []byte) bool {
	t, isHEVC := nalType(nal)
	if isHEVC {
		switch t {
		case hevcNALTypeVPS, hevcNALTypeSPS, hevcNALTypePPS:
			return true
		}
		return false
	}
	return t == h264NALTypeSPS
}

func (d *Decoder) isNALKeyFrame(nal []byte) bool {
	t, isHEVC := nalType(nal)
	if isHEVC {
		switch t {
		case hevcNALTypeBLAWLP, hevcNALTypeBLAWRADL, hevcNALTypeBLANLP, hevcNALTypeIDRWRADL, hevcNALTypeIDRNLP, hevcNALTypeCRANUT:
			return true
		}
		return false
	}
	return t == h264NALTypeIDRSlice
}

// nalType extracts a NAL unit's type field. The return bool reports whether
// the unit should be interpreted under HEVC's 6-bit type-in-bits[1:6]
// layout (true) or H.264's 5-bit type-in-bits[0:4] layout (false); since the
// two layouts overlap, detection relies on the codec-specific type codes
// themselves (parameter-set and key-frame types) checked first.
func nalType(nal []byte) (t int, isHEVC bool) {
	if len(nal) == 0 {
		return 0, false
	}
	h264Type := int(nal[0] & 0x1F)
	hevcType := int((nal[0] >> 1) & 0x3F)

	switch h264Type {
	case h264NALTypeSPS, h264NALTypeIDRSlice:
		return h264Type, false
	}
	switch hevcType {
	case hevcNALTypeVPS, hevcNALTypeSPS, hevcNALTypePPS,
		hevcNALTypeBLAWLP, hevcNALTypeBLAWRADL, hevcNALTypeBLANLP, hevcNALTypeIDRWRADL, hevcNALTypeIDRNLP, hevcNALTypeCRANUT:
		return hevcType, true
	}
	// Neither a parameter-set nor key-frame type code; report the H.264
	// interpretation since callers only branch on the codes matched above.
	return h264Type, false
}

// DetectCodec inspects a single NAL unit and reports whether it's an HEVC
// SPS (type 33) or an H.264 SPS (type 7). ok is false for any other NAL
// unit type.
func DetectCodec(nal []byte) (isHEVC bool, ok bool) {
	if len(nal) == 0 {
		return false, false
	}
	if int(nal[0]&0x1F) == h264NALTypeSPS {
		return false, true
	}
	if int((nal[0]>>1)&0x3F) == hevcNALTypeSPS {
		return true, true
	}
	return false, false
}

// SplitAnnexB splits an Annex-B byte stream (0x000001 or 0x00000001 start
// codes) into individual NAL units, stripped of their start codes.
func SplitAnnexB(data []byte) [][]byte {
	starts := findStartCodes(data)
	if len(starts) == 0 {
		return nil
	}

	units := make([][]byte, 0, len(starts))
	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].offset
		}
		nal := data[start.offset+start.length : end]
		if len(nal) > 0 {
			units = append(units, nal)
		}
	}
	return units
}

type startCode struct {
	offset int
	length int
}

func findStartCodes(data []byte) []startCode {
	var codes []startCode
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			codes = append(codes, startCode{offset: i, length: 3})
			i += 2
			continue
		}
		if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
			codes = append(codes, startCode{offset: i, length: 4})
			i += 3
		}
	}
	return codes
}
