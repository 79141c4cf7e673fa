package versions

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MinimumGitVersion is the oldest git whose upload-pack and receive-pack
// support --stateless-rpc together with --advertise-refs
const MinimumGitVersion = "1.6.6"

var supportedGit = semver.MustParse(MinimumGitVersion)

// Supported reports whether v is at least MinimumGitVersion. Pre-release
// builds of a supported version count as supported.
func Supported(v *semver.Version) bool {
	if v == nil {
		return false
	}
	core, err := v.SetPrerelease("")
	if err != nil {
		return false
	}
	return !core.LessThan(supportedGit)
}

// ParseGitVersion extracts the version from `git --version` output such as
// "git version 2.39.3 (Apple Git-146)" or "git version 2.45.1.windows.1".
func ParseGitVersion(output string) (*semver.Version, error) {
	fields := strings.Fields(output)
	for i, f := range fields {
		if f != "version" || i+1 >= len(fields) {
			continue
		}
		parts := strings.Split(fields[i+1], ".")
		if len(parts) > 3 {
			parts = parts[:3]
		}
		return semver.NewVersion(strings.Join(parts, "."))
	}
	return nil, fmt.Errorf("unrecognized git version output %q", strings.TrimSpace(output))
}

// CheckGit runs binary --version and fails when git is missing or older
// than MinimumGitVersion. It returns the detected version.
func CheckGit(ctx context.Context, binary string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, "--version").Output() // #nosec G204 - binary comes from configuration
	if err != nil {
		return "", fmt.Errorf("failed to run %s --version: %w", binary, err)
	}

	v, err := ParseGitVersion(string(out))
	if err != nil {
		return "", err
	}
	if !Supported(v) {
		return v.String(), fmt.Errorf("git %s is older than the required %s", v, MinimumGitVersion)
	}
	return v.String(), nil
}
