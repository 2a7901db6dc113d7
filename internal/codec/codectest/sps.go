package codectest

// PPS is a baseline picture parameter set matching the SPS from BuildSPS.
var PPS = []byte{0x68, 0xce, 0x38, 0x80}

type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) u(n int, v uint32) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> uint(w.nbit%8)
		}
		w.nbit++
	}
}

// ue writes v as unsigned Exp-Golomb.
func (w *bitWriter) ue(v uint32) {
	x := v + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.u(n, 0)
	w.u(n+1, x)
}

func (w *bitWriter) trailing() {
	w.u(1, 1)
	for w.nbit%8 != 0 {
		w.u(1, 0)
	}
}

// escape inserts emulation prevention bytes into a NAL unit payload.
func escape(p []byte) []byte {
	out := make([]byte, 0, len(p)+len(p)/64)
	zeros := 0
	for _, b := range p {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// BuildSPS returns a constrained baseline SPS NAL unit describing a
// progressive width x height picture. A positive fps adds VUI timing.
func BuildSPS(width, height, fps int) []byte {
	var w bitWriter
	w.u(8, 66)   // profile_idc
	w.u(8, 0xc0) // constraint_set0_flag, constraint_set1_flag
	w.u(8, 40)   // level_idc
	w.ue(0)      // seq_parameter_set_id
	w.ue(0)      // log2_max_frame_num_minus4
	w.ue(2)      // pic_order_cnt_type
	w.ue(1)      // max_num_ref_frames
	w.u(1, 0)    // gaps_in_frame_num_value_allowed_flag

	mbW, mbH := (width+15)/16, (height+15)/16
	w.ue(uint32(mbW - 1))
	w.ue(uint32(mbH - 1))
	w.u(1, 1) // frame_mbs_only_flag
	w.u(1, 1) // direct_8x8_inference_flag

	cropRight, cropBottom := (mbW*16-width)/2, (mbH*16-height)/2
	if cropRight > 0 || cropBottom > 0 {
		w.u(1, 1)
		w.ue(0)
		w.ue(uint32(cropRight))
		w.ue(0)
		w.ue(uint32(cropBottom))
	} else {
		w.u(1, 0)
	}

	if fps > 0 {
		w.u(1, 1) // vui_parameters_present_flag
		w.u(1, 0) // aspect_ratio_info_present_flag
		w.u(1, 0) // overscan_info_present_flag
		w.u(1, 0) // video_signal_type_present_flag
		w.u(1, 0) // chroma_loc_info_present_flag
		w.u(1, 1) // timing_info_present_flag
		w.u(32, 1)
		w.u(32, uint32(2*fps))
		w.u(1, 1) // fixed_frame_rate_flag
		w.u(1, 0) // nal_hrd_parameters_present_flag
		w.u(1, 0) // vcl_hrd_parameters_present_flag
		w.u(1, 0) // pic_struct_present_flag
		w.u(1, 0) // bitstream_restriction_flag
	} else {
		w.u(1, 0)
	}
	w.trailing()

	return append([]byte{0x67}, escape(w.buf)...)
}
