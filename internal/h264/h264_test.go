package h264

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	testPPS   = []byte{0x68, 0xee, 0x3c, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	testSlice = []byte{0x41, 0x9a, 0x21, 0x6c}
	testAUD   = []byte{0x09, 0xf0}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func avcc(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		l := len(n)
		out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		out = append(out, n...)
	}
	return out
}

func TestParseSPS(t *testing.T) {
	info, err := ParseSPS(testSPS)
	require.NoError(t, err)
	assert.Equal(t, 352, info.Width)
	assert.Equal(t, 288, info.Height)
	assert.Equal(t, uint8(100), info.Profile)
	assert.Equal(t, uint8(12), info.Level)

	_, err = ParseSPS(nil)
	assert.Error(t, err)
}

func TestAVCCToAnnexB(t *testing.T) {
	tests := []struct {
		name   string
		sample []byte
		want   []byte
	}{
		{
			name:   "keyframe gets parameter sets",
			sample: avcc(testIDR),
			want:   annexB(testSPS, testPPS, testIDR),
		},
		{
			name:   "keyframe with inline parameter sets",
			sample: avcc(testSPS, testPPS, testIDR),
			want:   annexB(testSPS, testPPS, testIDR),
		},
		{
			name:   "non keyframe untouched",
			sample: avcc(testSlice),
			want:   annexB(testSlice),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AVCCToAnnexB(tt.sample, testSPS, testPPS)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnnexBToAVCCDropsParameterSets(t *testing.T) {
	got, err := AnnexBToAVCC(annexB(testAUD, testSPS, testPPS, testIDR))
	require.NoError(t, err)
	assert.Equal(t, avcc(testIDR), got)

	got, err = AnnexBToAVCC(annexB(testSPS, testPPS))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIsKeyFrameAndParameterSets(t *testing.T) {
	au := [][]byte{testSPS, testPPS, testIDR}
	assert.True(t, IsKeyFrame(au))
	assert.False(t, IsKeyFrame([][]byte{testSlice}))

	sps, pps := ParameterSets(au)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
	assert.True(t, IsParameterSet(testPPS))
	assert.False(t, IsParameterSet(testIDR))
}

func TestAccessUnitSplitter(t *testing.T) {
	stream := annexB(testSPS, testPPS, testIDR, testSlice, testSlice)
	// Three-byte start code in the middle of the stream.
	stream = append(stream, 0x00, 0x00, 0x01)
	stream = append(stream, testSlice...)

	tests := []struct {
		name  string
		chunk int
	}{
		{name: "whole stream", chunk: len(stream)},
		{name: "byte by byte", chunk: 1},
		{name: "odd chunks", chunk: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s AccessUnitSplitter
			var aus [][][]byte
			for i := 0; i < len(stream); i += tt.chunk {
				end := min(i+tt.chunk, len(stream))
				aus = append(aus, s.Write(stream[i:end])...)
			}
			aus = append(aus, s.Flush()...)

			require.Len(t, aus, 4)
			assert.Equal(t, [][]byte{testSPS, testPPS, testIDR}, aus[0])
			assert.Equal(t, [][]byte{testSlice}, aus[1])
			assert.Equal(t, [][]byte{testSlice}, aus[2])
			assert.Equal(t, [][]byte{testSlice}, aus[3])
		})
	}
}

func TestAccessUnitSplitterEmpty(t *testing.T) {
	var s AccessUnitSplitter
	assert.Nil(t, s.Write([]byte{0x00, 0x00}))
	assert.Empty(t, s.Flush())
}
