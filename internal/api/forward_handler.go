package api

import (
	"net/http"
	"strings"

	"github.com/busybox42/mxforward/internal/smtperr"
)

// handleForward resolves ?address= the same way the relay does for RCPT TO.
// Permanent failures map to 422, transient ones to 503.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeJSON(w, http.StatusBadRequest, ForwardResponse{Error: "address is required"})
		return
	}

	destination, err := s.forwarder.Resolve(r.Context(), address)
	if err != nil {
		code := smtperr.Code(err)
		status := http.StatusServiceUnavailable
		if code >= 500 {
			status = http.StatusUnprocessableEntity
		}
		s.logger.Debug("forward lookup failed", "address", address, "code", code, "error", err)
		writeJSON(w, status, ForwardResponse{
			Address: address,
			Code:    code,
			Error:   smtperr.Message(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, ForwardResponse{
		Address:     address,
		Destination: destination,
	})
}
