package app

import (
	"github.com/tinyflake/git-server/internal/auth"
	"github.com/tinyflake/git-server/internal/githttp"
	"github.com/tinyflake/git-server/internal/oplog"
	"github.com/tinyflake/git-server/internal/repository"
	"github.com/tinyflake/git-server/internal/telemetry"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// GitVersion is the version reported by the startup git check
	GitVersion string

	// Telemetry owns the tracer and meter providers
	Telemetry *telemetry.Telemetry

	// Authenticator verifies Basic credentials
	Authenticator auth.Authenticator

	// Resolver maps repository names to directories
	Resolver repository.Resolver

	// Store persists operation records (optional)
	Store oplog.Store

	// Recorder writes records to Store in the background (nil without a store)
	Recorder *oplog.AsyncRecorder

	// Manager runs the git subprocesses
	Manager *githttp.Manager
}
