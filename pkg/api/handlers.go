package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
)

// Response carries the fields present in every control-plane reply
type Response struct {
	Status   string `json:"status"`
	Error    string `json:"error"`
	ErrorStr string `json:"error_str"`
	Success  bool   `json:"success"`
}

// RequestDump is the /status reply when no uuid is given
type RequestDump struct {
	Response
	Requests []*types.JobRequest `json:"requests"`
}

// RequestStatus is the /status?uuid=<id> reply
type RequestStatus struct {
	UUID       string          `json:"uuid"`
	Type       string          `json:"type"`
	Cmd        string          `json:"cmd"`
	Status     types.JobStatus `json:"status"`
	Error      string          `json:"error"`
	ErrorStr   string          `json:"error_str"`
	StatusInfo string          `json:"statusinfo"`
	Success    bool            `json:"success"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// WorkerStatus is the /wctrl?cmd=status reply: the record plus success
type WorkerStatus struct {
	types.WorkerRecord
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusHandler implements GET /status[?uuid=<id>]
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	uuid := r.URL.Query().Get("uuid")
	if uuid == "" {
		requests, err := s.store.ListRequests()
		if err != nil {
			s.internalError(w, err)
			return
		}
		if requests == nil {
			requests = []*types.JobRequest{}
		}
		writeJSON(w, http.StatusOK, RequestDump{
			Response: Response{
				Status:   "Failed",
				Error:    types.ErrCodeListenerUnavailable,
				ErrorStr: "uuid parameter is required",
				Success:  false,
			},
			Requests: requests,
		})
		return
	}

	req, err := s.store.GetRequest(uuid)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, Response{
			Status:   "Failed",
			Error:    types.ErrCodeRequestNotFound,
			ErrorStr: "request " + uuid + " not found",
		})
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RequestStatus{
		UUID:       req.UUID,
		Type:       req.Type,
		Cmd:        req.Cmd,
		Status:     req.Status,
		Error:      req.Error,
		ErrorStr:   req.ErrorStr,
		StatusInfo: req.StatusInfo,
		Success:    types.IsSuccessCode(req.Error),
		CreatedAt:  req.CreatedAt,
		UpdatedAt:  req.UpdatedAt,
	})
}

// wctrlHandler implements GET /wctrl?cmd=<status|shutdown>
func (s *Server) wctrlHandler(w http.ResponseWriter, r *http.Request) {
	cmd := r.URL.Query().Get("cmd")
	switch cmd {
	case "status":
		rec, err := s.ctrl.WorkerRecord()
		if err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, WorkerStatus{WorkerRecord: *rec, Success: true})

	case "shutdown":
		s.logger.Info().Msg("Shutdown requested over control plane")
		s.ctrl.RequestShutdown()
		writeJSON(w, http.StatusOK, Response{
			Status:  "Exiting",
			Error:   types.NoError,
			Success: true,
		})

	default:
		writeJSON(w, http.StatusBadRequest, Response{
			Status:   "Failed",
			Error:    "400",
			ErrorStr: "unknown wctrl command: " + cmd,
		})
	}
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, Response{
		Status:   "Failed",
		Error:    "404",
		ErrorStr: "unknown endpoint " + r.URL.Path,
	})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("Control request failed")
	writeJSON(w, http.StatusInternalServerError, Response{
		Status:   "Failed",
		Error:    types.ErrCodeUnexpected,
		ErrorStr: err.Error(),
	})
}
