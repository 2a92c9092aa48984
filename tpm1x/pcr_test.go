package tpm1x

import (
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/salrashid123/tpmzfs"
)

func TestParsePCRs(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []uint32
		wantErr bool
	}{
		{"sorted_unique", "3,1,1,2", []uint32{1, 2, 3}, false},
		{"spaces", "7 0  4", []uint32{0, 4, 7}, false},
		{"mixed", "0x10, 2,0X3", []uint32{2, 3, 16}, false},
		{"max", "229", []uint32{229}, false},
		{"too_large", "230", nil, true},
		{"negative", "-1", nil, true},
		{"garbage", "1,two", nil, true},
		{"bad_hex", "0xZZ", nil, true},
		{"empty", "", nil, true},
		{"only_separators", ", ,", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePCRs(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				require.Equal(t, tpmzfs.KindUsage, tpmzfs.KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNewSelection(t *testing.T) {
	require.Equal(t, pcrSelection{0x00, 0x00, 0x00}, newSelection(nil))
	require.Equal(t, pcrSelection{0x06, 0x00, 0x80}, newSelection([]uint32{1, 2, 23}))
	require.Equal(t, pcrSelection{0x00, 0x00, 0x00, 0x01}, newSelection([]uint32{24}))
}

func TestCompositeHash(t *testing.T) {
	v := [digestSize]byte{0xAA}

	// sizeOfSelect, select, valueSize, value
	raw := []byte{0x00, 0x03, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x14}
	raw = append(raw, v[:]...)

	got, err := compositeHash(newSelection([]uint32{1}), [][digestSize]byte{v})
	require.NoError(t, err)
	require.Equal(t, sha1.Sum(raw), got)
}

func TestEncodePCRInfo(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		b, err := encodePCRInfo(nil, nil)
		require.NoError(t, err)
		require.Nil(t, b)
	})

	t.Run("short", func(t *testing.T) {
		b, err := encodePCRInfo([]uint32{0, 15}, make([][digestSize]byte, 2))
		require.NoError(t, err)
		// select(2+3), digestAtRelease, digestAtCreation
		require.Len(t, b, 5+2*digestSize)
		require.Equal(t, []byte{0x00, 0x03, 0x01, 0x80, 0x00}, b[:5])
	})

	t.Run("long", func(t *testing.T) {
		b, err := encodePCRInfo([]uint32{16}, make([][digestSize]byte, 1))
		require.NoError(t, err)
		// tag, two localities, two selections, two digests
		require.Len(t, b, 2+2+2*5+2*digestSize)
		require.Equal(t, tagPCRInfoLong, binary.BigEndian.Uint16(b))
		require.Equal(t, []byte{localityAll, localityAll}, b[2:4])
		require.Equal(t, []byte{0x00, 0x03, 0x00, 0x00, 0x01}, b[4:9])
		require.Equal(t, b[4:9], b[9:14])
	})

	t.Run("mismatch", func(t *testing.T) {
		_, err := encodePCRInfo([]uint32{1, 2}, make([][digestSize]byte, 1))
		require.Error(t, err)
	})
}
