// Package githttp serves bare repositories over Git's smart HTTP transport.
// Each request is bridged to a git subprocess whose stdio is streamed through
// the HTTP request and response bodies.
package githttp

import (
	"errors"
	"strings"

	"github.com/tinyflake/git-server/internal/oplog"
)

// Service is a smart HTTP service name as it appears in URLs
type Service string

const (
	// ServiceUploadPack serves fetch and clone
	ServiceUploadPack Service = "git-upload-pack"
	// ServiceReceivePack serves push
	ServiceReceivePack Service = "git-receive-pack"
)

// ErrInvalidService is returned for any service other than upload-pack and receive-pack
var ErrInvalidService = errors.New("invalid service")

// ParseService validates the value of the service query parameter
func ParseService(s string) (Service, error) {
	switch Service(s) {
	case ServiceUploadPack, ServiceReceivePack:
		return Service(s), nil
	default:
		return "", ErrInvalidService
	}
}

// Command is the git subcommand implementing the service ("upload-pack")
func (s Service) Command() string {
	return strings.TrimPrefix(string(s), "git-")
}

// Operation classifies the service for the operation log
func (s Service) Operation() oplog.Operation {
	switch s {
	case ServiceUploadPack:
		return oplog.OperationClone
	case ServiceReceivePack:
		return oplog.OperationPush
	default:
		return oplog.OperationUnknown
	}
}

// AdvertisementContentType is the content type of the info/refs response
func (s Service) AdvertisementContentType() string {
	return "application/x-" + string(s) + "-advertisement"
}

// ResultContentType is the content type of the service POST response
func (s Service) ResultContentType() string {
	return "application/x-" + string(s) + "-result"
}

// RequestContentType is the content type clients send with the service POST
func (s Service) RequestContentType() string {
	return "application/x-" + string(s) + "-request"
}
