package pktline

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{
			name:    "empty payload",
			payload: "",
			want:    "0004",
		},
		{
			name:    "short line",
			payload: "a\n",
			want:    "0006a\n",
		},
		{
			name:    "lowercase hex",
			payload: strings.Repeat("x", 26),
			want:    "001e" + strings.Repeat("x", 26),
		},
		{
			name:    "maximum payload",
			payload: strings.Repeat("y", MaxPayloadSize),
			want:    "fff0" + strings.Repeat("y", MaxPayloadSize),
		},
		{
			name:    "too long",
			payload: strings.Repeat("z", MaxPayloadSize+1),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := EncodeString(tt.payload)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrPayloadTooLong)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestServiceAdvertisement(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "001e# service=git-upload-pack\n0000", string(ServiceAdvertisement("git-upload-pack")))
	assert.Equal(t, "001f# service=git-receive-pack\n0000", string(ServiceAdvertisement("git-receive-pack")))
}

func TestServiceAdvertisementLength(t *testing.T) {
	t.Parallel()

	for _, service := range []string{"a", "git-upload-pack", "git-receive-pack", strings.Repeat("s", 200)} {
		adv := ServiceAdvertisement(service)
		content := "# service=" + service + "\n"

		assert.Equal(t, fmt.Sprintf("%04x", len(content)+4), string(adv[:LenSize]), service)
		assert.Equal(t, fmt.Sprintf("%04x", len(service)+15), string(adv[:LenSize]), service)
		assert.True(t, bytes.HasSuffix(adv, FlushPkt), service)
		assert.Equal(t, content, string(adv[LenSize:len(adv)-len(FlushPkt)]), service)
	}
}

