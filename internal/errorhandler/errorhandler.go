// Package errorhandler routes unrecoverable middleware errors to one place.
//
// Errors a caller can deal with are returned as values. What ends up here is a
// broken invariant between the broker and a port, or a missing OS resource,
// neither of which can be repaired where it is detected.
package errorhandler

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

//go:generate go tool stringer -type=Severity -output=severity_string.go

// Severity grades a reported error
type Severity uint8

const (
	Moderate Severity = iota // Operation failed, the component keeps working
	Severe                   // Component state is suspect
	Fatal                    // Process must not continue
)

// Code names the kind of error
type Code string

const (
	CaproProtocolError              Code = "CAPRO_PROTOCOL_ERROR"
	ServiceRegistryFull             Code = "SERVICE_REGISTRY_FULL"
	PortPoolFull                    Code = "PORT_POOL_FULL"
	ConditionVariableCreationFailed Code = "CONDITION_VARIABLE_CREATION_FAILED"
	SharedMemorySetupFailed         Code = "SHARED_MEMORY_SETUP_FAILED"
	QueueRegistrationFailed         Code = "QUEUE_REGISTRATION_FAILED"
	ChunkListOverflow               Code = "CHUNK_LIST_OVERFLOW"
)

// Error is what a Handler receives
type Error struct {
	Code     Code
	Severity Severity
	Detail   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Severity, e.Detail)
}

// Handler receives reported errors
type Handler interface {
	Report(err *Error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(err *Error)

// Report calls f(err)
func (f HandlerFunc) Report(err *Error) { f(err) }

// Report builds an Error and hands it to h
func Report(h Handler, code Code, severity Severity, format string, args ...any) {
	h.Report(&Error{Code: code, Severity: severity, Detail: fmt.Sprintf(format, args...)})
}

// LogHandler logs every report and panics on Fatal ones
type LogHandler struct {
	log *zap.Logger
}

// NewLogHandler logs every report to log
func NewLogHandler(log *zap.Logger) *LogHandler {
	return &LogHandler{log: log.Named("errorhandler")}
}

// Report logs err at a level matching its severity
func (h *LogHandler) Report(err *Error) {
	fields := []zap.Field{
		zap.String("code", string(err.Code)),
		zap.Stringer("severity", err.Severity),
		zap.String("detail", err.Detail),
	}
	switch err.Severity {
	case Moderate:
		h.log.Warn("middleware error", fields...)
	case Severe:
		h.log.Error("middleware error", fields...)
	default:
		h.log.Error("fatal middleware error", fields...)
		panic(err)
	}
}

// Recorder keeps reports in memory instead of acting on them
type Recorder struct {
	mu   sync.Mutex
	errs []*Error
}

// Report stores err
func (r *Recorder) Report(err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Errors returns the reports received so far
func (r *Recorder) Errors() []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Error, len(r.errs))
	copy(out, r.errs)
	return out
}

// Codes returns the codes of the reports received so far
func (r *Recorder) Codes() []Code {
	var out []Code
	for _, e := range r.Errors() {
		out = append(out, e.Code)
	}
	return out
}
