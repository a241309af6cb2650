package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"rwmonitor/internal/bytelog"
	"rwmonitor/internal/procfs"
	"rwmonitor/internal/watcher"
)

type writeResponse struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps registry and log errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, procfs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, procfs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, bytelog.ErrTransferFault):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Stats(r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleReadLog drains up to ?count= bytes into the response body. An empty
// log answers 204 No Content.
func (s *Server) handleReadLog(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	count := defaultReadCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("count must be a positive integer"))
			return
		}
		count = n
	}

	f, err := s.registry.Open(name, procfs.FlagRead)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	n, err := f.ReadTo(&bodyWriter{w: w}, count)
	if err != nil {
		// The status line may already be out; undelivered bytes stay in the log.
		s.logger.Warn("read delivery failed", zap.String("name", name), zap.Int("delivered", n), zap.Error(err))
		return
	}
	s.observe(watcher.OpRead, name)
	if n == 0 {
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleWriteLog appends the request body. A body that cannot be read in
// full is rejected and nothing is appended.
func (s *Server) handleWriteLog(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if r.ContentLength > s.maxWriteBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body exceeds maximum write size"))
		return
	}

	f, err := s.registry.Open(name, procfs.FlagWrite)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var n int
	if r.ContentLength >= 0 {
		n, err = f.WriteFrom(r.Body, int(r.ContentLength))
	} else {
		var body []byte
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxWriteBytes))
		if err == nil {
			n, err = f.Write(body)
		} else {
			err = fmt.Errorf("%w: %w", bytelog.ErrTransferFault, err)
		}
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, statusFor(err), err)
		return
	}

	s.observe(watcher.OpWrite, name)
	writeJSON(w, http.StatusOK, writeResponse{Name: name, Count: n})
}

// handleDiscardLog drops everything buffered in the log.
func (s *Server) handleDiscardLog(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	f, err := s.registry.Open(name, procfs.FlagWrite)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	n, err := f.Discard()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("log discarded", zap.String("name", name), zap.Int("bytes", n))
	writeJSON(w, http.StatusOK, writeResponse{Name: name, Count: n})
}

// bodyWriter sends the 200 header on first write so an empty drain can
// still answer 204.
type bodyWriter struct {
	w           http.ResponseWriter
	wroteHeader bool
}

func (b *bodyWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.w.Header().Set("Content-Type", "application/octet-stream")
		b.w.WriteHeader(http.StatusOK)
		b.wroteHeader = true
	}
	return b.w.Write(p)
}
