package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{in: 0, want: "0B"},
		{in: 1023, want: "1023B"},
		{in: 1024, want: "1KiB"},
		{in: 1536, want: "1.5KiB"},
		{in: 5 << 20, want: "5MiB"},
		{in: 3 << 30, want: "3GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanSize(tt.in))
	}
}

func TestHumanBitrate(t *testing.T) {
	assert.Equal(t, "2.00 Mb/s", HumanBitrate(2_000_000))
	assert.Equal(t, "250 kb/s", HumanBitrate(250_000))
	assert.Equal(t, "900 b/s", HumanBitrate(900))
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "0:01.000", HumanDuration(1_000_000))
	assert.Equal(t, "2:05.250", HumanDuration(125_250_000))
	assert.Equal(t, "1:00:00.000", HumanDuration(3600_000_000))
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	columns := []TableColumn{
		{Header: "NAME", Key: "name"},
		{Header: "HARDWARE", Key: "hw"},
		{Header: "FRAMES", Key: "frames", Align: AlignRight},
	}
	RenderTable(&buf, columns, []map[string]interface{}{
		{"name": "h264_nvenc", "hw": color.New(color.FgGreen).Sprint("yes"), "frames": 1200},
		{"name": "libx264", "hw": "no"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.Equal(t, "NAME        HARDWARE  FRAMES", lines[0])
	assert.Equal(t, "----------  --------  ------", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "h264_nvenc  "))
	assert.True(t, strings.HasSuffix(lines[2], "  1200"))
	assert.Equal(t, "libx264"+strings.Repeat(" ", 5)+"no"+strings.Repeat(" ", 13)+"-", lines[3])

	buf.Reset()
	RenderTable(&buf, columns, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}

func TestDisplayWidth(t *testing.T) {
	assert.Equal(t, 3, displayWidth("\033[32myes\033[0m"))
	assert.Equal(t, 4, displayWidth("编码"))
	assert.Equal(t, "ab  ", pad("ab", 4, AlignLeft))
	assert.Equal(t, "  7", pad("7", 3, AlignRight))
	assert.Equal(t, "toolong", pad("toolong", 3, AlignRight))
}

func TestPlainSpinner(t *testing.T) {
	var buf bytes.Buffer
	s := newSpinner(&buf, true, "transcoding")
	s.Update("ignored")
	s.Success("done")
	assert.Equal(t, "transcoding\n✓ done\n", buf.String())

	buf.Reset()
	newSpinner(&buf, true, "x").Fail("broken")
	assert.Equal(t, "x\n✗ broken\n", buf.String())
}
