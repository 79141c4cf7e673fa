package githttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tinyflake/git-server/internal/auth"
	"github.com/tinyflake/git-server/internal/oplog"
	"github.com/tinyflake/git-server/internal/otel"
)

type startKey struct{}

// stampStart remembers when the request entered the git router so rejected
// requests still get a duration.
func stampStart(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), startKey{}, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestStart(r *http.Request) time.Time {
	if t, ok := r.Context().Value(startKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// newRecord starts the operation record for r
func newRecord(r *http.Request, op oplog.Operation, repo string) oplog.Record {
	id, _ := auth.IdentityFromContext(r.Context())
	return oplog.Record{
		Timestamp:  requestStart(r).UTC(),
		Operation:  op,
		Repository: repo,
		User:       id.Name(),
		UserAgent:  r.UserAgent(),
		ClientIP:   clientIP(r),
	}
}

// clientIP strips the port from RemoteAddr, which chi's RealIP middleware may
// already have replaced with a forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// emit hands rec to the recorder without tying it to the request lifetime
func (rt *Routes) emit(r *http.Request, rec oplog.Record) {
	otel.Annotate(r.Context(),
		otel.AttrOperation.String(string(rec.Operation)),
		otel.AttrUser.String(rec.User),
	)
	rt.recorder.Record(context.WithoutCancel(r.Context()), rec)
}

// reject records a request refused before any process was started
func (rt *Routes) reject(r *http.Request, op oplog.Operation, repo, reason string) {
	rec := newRecord(r, op, repo)
	rec.Success = false
	rec.Error = reason
	rec.DurationMS = time.Since(requestStart(r)).Milliseconds()
	rt.emit(r, rec)
}

// complete records the outcome of a process run
func (rt *Routes) complete(r *http.Request, rec oplog.Record, service Service, res *Result) {
	rec.Success = res.Success()
	rec.Error = errorText(res)
	rec.DurationMS = time.Since(requestStart(r)).Milliseconds()
	rec.BytesIn = res.BytesIn
	rec.BytesOut = res.BytesOut
	rec.Details = map[string]string{
		"service":  string(service),
		"exitCode": strconv.Itoa(res.ExitCode),
	}
	rt.emit(r, rec)
}

// errorText prefers what git printed on stderr over the Go error
func errorText(res *Result) string {
	if res.Err == nil {
		return ""
	}
	var exitErr *ExitError
	if errors.As(res.Err, &exitErr) {
		if stderr := strings.TrimSpace(exitErr.Stderr); stderr != "" {
			return stderr
		}
	}
	return res.Err.Error()
}

// operationFromRequest classifies a request that was rejected before its handler ran
func operationFromRequest(r *http.Request) oplog.Operation {
	switch {
	case strings.HasSuffix(r.URL.Path, "/"+string(ServiceReceivePack)):
		return oplog.OperationPush
	case strings.HasSuffix(r.URL.Path, "/"+string(ServiceUploadPack)):
		return oplog.OperationClone
	}
	if svc, err := ParseService(r.URL.Query().Get("service")); err == nil {
		return svc.Operation()
	}
	return oplog.OperationUnknown
}
