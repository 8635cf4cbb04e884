package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jsturma/joblet/pkg/logbus"
	"github.com/jsturma/joblet/pkg/network"
	"github.com/jsturma/joblet/pkg/runtime"
	"github.com/jsturma/joblet/pkg/scheduler"
	"github.com/jsturma/joblet/pkg/state"
	"github.com/jsturma/joblet/pkg/storage"
	"github.com/jsturma/joblet/pkg/volume"
	"github.com/jsturma/joblet/pkg/workflow"
)

// errorBody is the wire shape of every error response
type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Volumes []string `json:"volumes,omitempty"` // set for MissingVolumes
}

// mapError translates engine errors into stable codes and HTTP statuses
func mapError(err error) (int, errorBody) {
	var missing *workflow.MissingVolumesError
	if errors.As(err, &missing) {
		return http.StatusBadRequest, errorBody{
			Code: "MissingVolumes", Message: err.Error(), Volumes: missing.Volumes,
		}
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, errorBody{Code: "InvalidRequest", Message: err.Error()}
	}

	switch {
	case errors.Is(err, state.ErrNotFound),
		errors.Is(err, runtime.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, logbus.ErrNotFound),
		errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: "NotFound", Message: err.Error()}
	case errors.Is(err, runtime.ErrDuplicateName),
		errors.Is(err, storage.ErrDuplicateName):
		return http.StatusConflict, errorBody{Code: "DuplicateName", Message: err.Error()}
	case errors.Is(err, storage.ErrInUse),
		errors.Is(err, runtime.ErrInUse):
		return http.StatusConflict, errorBody{Code: "InUse", Message: err.Error()}
	case errors.Is(err, scheduler.ErrAlreadyTerminal):
		return http.StatusConflict, errorBody{Code: "AlreadyTerminal", Message: err.Error()}
	case errors.Is(err, state.ErrStillRunning):
		return http.StatusConflict, errorBody{Code: "StillRunning", Message: err.Error()}
	case errors.Is(err, scheduler.ErrUnknownRuntime):
		return http.StatusBadRequest, errorBody{Code: "UnknownRuntime", Message: err.Error()}
	case errors.Is(err, workflow.ErrParse):
		return http.StatusBadRequest, errorBody{Code: "ParseError", Message: err.Error()}
	case errors.Is(err, workflow.ErrCycleDetected):
		return http.StatusBadRequest, errorBody{Code: "CycleDetected", Message: err.Error()}
	case errors.Is(err, network.ErrInvalidCIDR):
		return http.StatusBadRequest, errorBody{Code: "InvalidCIDR", Message: err.Error()}
	case errors.Is(err, volume.ErrInvalidName),
		errors.Is(err, network.ErrInvalidName):
		return http.StatusBadRequest, errorBody{Code: "InvalidRequest", Message: err.Error()}
	}
	return http.StatusInternalServerError, errorBody{Code: "Internal", Message: err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := mapError(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
