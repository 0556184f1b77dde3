// Package fmp4 builds the ISO/IEC 14496-15 decoder configuration records
// and Annex-B/AVCC conversions that fragmented MP4 (DASH, LL-DASH/CMAF)
// segments and WebRTC SDP fmtp lines both need, plus the ADTS stripping
// AAC packetization requires.
package fmp4

import (
	"encoding/binary"

	"github.com/aperturemedia/aperture/demux"
)

// AnnexBToAVC1 converts Annex B NALUs (3- or 4-byte start-code prefixed)
// to AVC1 format (4-byte big-endian length prefixed), the framing fMP4
// mdat boxes and RTP FU-A/STAP-A fragmentation both start from.
func AnnexBToAVC1(nalus [][]byte) []byte {
	var total int
	for _, nalu := range nalus {
		raw := stripStartCode(nalu)
		total += 4 + len(raw)
	}

	out := make([]byte, 0, total)
	for _, nalu := range nalus {
		raw := stripStartCode(nalu)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		out = append(out, lenBuf[:]...)
		out = append(out, raw...)
	}
	return out
}

// stripStartCode removes a 3-byte or 4-byte Annex B start code prefix.
func stripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}

// StripADTS removes the ADTS header from a complete ADTS frame, returning
// the raw AAC payload. Returns the input unchanged if it is not a valid
// ADTS frame.
func StripADTS(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	if data[0] != 0xFF || (data[1]&0xF0) != 0xF0 {
		return data
	}
	headerSize := 7
	if (data[1] & 0x01) == 0 {
		headerSize = 9
	}
	if len(data) <= headerSize {
		return data
	}
	return data[headerSize:]
}

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord
// (ISO 14496-15 §5.2.4.1.1) from raw SPS and PPS NAL data (without
// start codes). The SPS must include the NAL header byte (0x67).
func BuildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}

// BuildHEVCDecoderConfig builds an HEVCDecoderConfigurationRecord
// (ISO 14496-15 §8.3.3.1.2) from raw VPS, SPS, and PPS NAL data
// (without start codes). The SPS must include the 2-byte NAL header.
func BuildHEVCDecoderConfig(vps, sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 || len(vps) == 0 {
		return nil
	}

	info, err := demux.ParseHEVCSPS(sps)
	if err != nil {
		return nil
	}

	buf := make([]byte, 0, 23+5+len(vps)+5+len(sps)+5+len(pps))

	buf = append(buf, 1) // configurationVersion

	ptl := info.TierFlag<<5 | info.ProfileIDC
	buf = append(buf, ptl)

	var pcf [4]byte
	binary.BigEndian.PutUint32(pcf[:], info.ProfileCompatibilityFlags)
	buf = append(buf, pcf[:]...)

	for i := 5; i >= 0; i-- {
		buf = append(buf, byte(info.ConstraintIndicatorFlags>>(i*8)))
	}

	buf = append(buf, info.LevelIDC)
	buf = append(buf, 0xF0, 0x00)                          // min_spatial_segmentation_idc + reserved
	buf = append(buf, 0xFC)                                // parallelismType + reserved
	buf = append(buf, 0xFC|info.ChromaFormatIdc&0x03)      // chromaFormat + reserved
	buf = append(buf, 0xF8|info.BitDepthLumaMinus8&0x07)   // bitDepthLumaMinus8 + reserved
	buf = append(buf, 0xF8|info.BitDepthChromaMinus8&0x07) // bitDepthChromaMinus8 + reserved
	buf = append(buf, 0x00, 0x00)                          // avgFrameRate
	buf = append(buf, 0x0F)                                // constantFrameRate|numTemporalLayers|temporalIdNested|lengthSizeMinusOne
	buf = append(buf, 3)                                   // numOfArrays

	buf = append(buf, 0x20) // VPS array, NAL type 32
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, byte(len(vps)>>8), byte(len(vps)))
	buf = append(buf, vps...)

	buf = append(buf, 0x21) // SPS array, NAL type 33
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 0x22) // PPS array, NAL type 34
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}
