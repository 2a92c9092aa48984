package tpmzfs

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestList(t *testing.T) {
	ctx := context.Background()
	z := newFakeZFS()
	z.add("tank", "", KeyStatusNone)
	z.add("tank/enc", "tank/enc", KeyStatusAvailable).props = KeyProps{Backend: BackendTPM2, Handle: "0x81000000"}
	z.add("tank/enc/child", "tank/enc", KeyStatusAvailable)
	z.add("tank/old", "tank/old", KeyStatusUnavailable).props = KeyProps{Backend: BackendTPM1X}
	z.add("tank/pass", "tank/pass", KeyStatusAvailable)
	z.add("tank/weird", "tank/weird", KeyStatusAvailable).props = KeyProps{Backend: strings.Repeat("X", 17), Handle: "h"}
	l, _, _ := newTestLifecycle(z)

	for _, tc := range []struct {
		name string
		opts ListOptions
		want []ListEntry
	}{
		{
			name: "default",
			opts: ListOptions{},
			want: []ListEntry{
				{Name: "tank/enc", Backend: BackendTPM2, KeyAvailable: true, Coherent: true},
				{Name: "tank/old", Backend: BackendTPM1X, Coherent: false},
			},
		},
		{
			name: "all",
			opts: ListOptions{All: true},
			want: []ListEntry{
				{Name: "tank/enc", Backend: BackendTPM2, KeyAvailable: true, Coherent: true},
				{Name: "tank/old", Backend: BackendTPM1X, Coherent: false},
				{Name: "tank/pass", KeyAvailable: true, Coherent: true},
				{Name: "tank/weird", KeyAvailable: true, Coherent: true},
			},
		},
		{
			name: "backend",
			opts: ListOptions{Backend: BackendTPM1X},
			want: []ListEntry{
				{Name: "tank/old", Backend: BackendTPM1X, Coherent: false},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := l.List(ctx, tc.opts)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFormatList(t *testing.T) {
	entries := []ListEntry{
		{Name: "tank/encrypted", Backend: BackendTPM2, KeyAvailable: true, Coherent: true},
		{Name: "tank/p", Coherent: false},
	}

	var buf bytes.Buffer
	require.NoError(t, FormatList(&buf, entries, true))
	require.Equal(t, ""+
		"NAME            BACK-END  KEYSTATUS    COHERENT\n"+
		"tank/encrypted  TPM2      available    yes     \n"+
		"tank/p          -         unavailable  no      \n", buf.String())

	buf.Reset()
	require.NoError(t, FormatList(&buf, entries, false))
	require.Equal(t, ""+
		"tank/encrypted\tTPM2\tavailable\tyes\n"+
		"tank/p\t-\tunavailable\tno\n", buf.String())
}
