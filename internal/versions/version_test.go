package versions

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		version       string
		commit        string
		buildDate     string
		wantVersion   string
		wantBuildDate string
	}{
		{
			name:          "release build",
			version:       "v1.2.3",
			commit:        "0123456789abcdef",
			buildDate:     "2025-06-01T10:30:00Z",
			wantVersion:   "v1.2.3",
			wantBuildDate: "2025-06-01 10:30:00 UTC",
		},
		{
			name:          "build date that is not a timestamp",
			version:       "v1.2.3",
			commit:        "0123456789abcdef",
			buildDate:     "yesterday",
			wantVersion:   "v1.2.3",
			wantBuildDate: "yesterday",
		},
		{
			name:          "dev build named after commit",
			version:       "dev",
			commit:        "0123456789abcdef",
			buildDate:     "2025-06-01T10:30:00Z",
			wantVersion:   "build-01234567",
			wantBuildDate: "2025-06-01 10:30:00 UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			info := versionInfo(tt.version, tt.commit, tt.buildDate)
			assert.Equal(t, tt.wantVersion, info.Version)
			assert.Equal(t, tt.commit, info.Commit)
			assert.Equal(t, tt.wantBuildDate, info.BuildDate)
			assert.Equal(t, runtime.Version(), info.GoVersion)
			assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
		})
	}
}

func TestGetVersionInfo(t *testing.T) {
	t.Parallel()

	info := GetVersionInfo()
	assert.True(t, strings.HasPrefix(info.Version, "build-") || info.Version == Version)
	assert.NotEmpty(t, info.Commit)
}
