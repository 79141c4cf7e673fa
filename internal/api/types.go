package api

// HealthResponse is the body of /health
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse is the body of /readiness when the server is ready
type ReadinessResponse struct {
	Status string `json:"status"`
}

// VersionResponse is the body of /version. GitVersion is the version of the
// git binary found at startup and is omitted when unknown.
type VersionResponse struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	GitVersion string `json:"git_version,omitempty"`
}
