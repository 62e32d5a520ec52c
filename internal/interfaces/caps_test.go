package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		in      string
		want    Flags
		wantErr bool
	}{
		{"", Flags{}, false},
		{"null", Flags{}, false},
		{"dio,excl", Flags{DirectIO: true, Exclusive: true}, false},
		{"direct-io, exclusive-open", Flags{DirectIO: true, Exclusive: true}, false},
		{"V4,immed,tag", Flags{Async: true, Immediate: true, Tag: true}, false},
		{"v3,pack_id,mmap", Flags{Legacy: true, PackID: true, MmapIO: true}, false},
		{"no_dxfer,,null", Flags{NoDxfer: true}, false},
		{"v3,v4", Flags{}, true},
		{"pack_id,tag", Flags{}, true},
		{"fast", Flags{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFlags(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCapsString(t *testing.T) {
	assert.Equal(t, "default", Caps{}.String())
	assert.Equal(t, "v3,dio,pack_id", Caps{Protocol: ProtocolLegacy, DirectIO: true, Correlation: CorrelatePackID}.String())
	assert.Equal(t, "v4,immed,mmap,no_dxfer,tag",
		Caps{Protocol: ProtocolAsync, Immediate: true, MmapIO: true, NoDxfer: true, Correlation: CorrelateTag}.String())
}

func TestCommandLengths(t *testing.T) {
	c := &Command{Blocks: 4, BlockSize: 512}
	assert.Equal(t, 2048, c.Length())
	assert.Equal(t, 2048, c.DataLen())
	c.Partial = 1600
	assert.Equal(t, 2048, c.Length())
	assert.Equal(t, 1600, c.DataLen())
}
