package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jsturma/joblet/pkg/types"
)

const maxBodyBytes = 64 << 20 // uploads ride inside job submissions

func (s *Server) decode(r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return s.validate.Struct(v)
}

// --- jobs ---

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, secrets, err := req.toJob()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "InvalidRequest", Message: err.Error()})
		return
	}
	if err := s.engine.SubmitJob(job, secrets); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

type jobListResponse struct {
	Jobs  []*types.Job `json:"jobs"`
	Total int          `json:"total"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.engine.ListJobs()

	if filter := r.URL.Query().Get("status"); filter != "" {
		want := types.JobStatus(filter)
		if want == types.StatusWaiting {
			want = types.StatusQueued
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == want {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	total := len(jobs)
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size > 0 {
		if page < 1 {
			page = 1
		}
		lo := (page - 1) * size
		if lo > total {
			lo = total
		}
		hi := lo + size
		if hi > total {
			hi = total
		}
		jobs = jobs[lo:hi]
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteJob(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllJobs(w http.ResponseWriter, r *http.Request) {
	deleted, skipped := s.engine.DeleteAllJobs()
	if deleted == nil {
		deleted = []string{}
	}
	if skipped == nil {
		skipped = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"deleted": deleted,
		"skipped": skipped,
	})
}

// --- runtimes ---

func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	list := s.engine.ListRuntimes()
	if list == nil {
		list = []*types.RuntimeManifest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInstallRuntime(w http.ResponseWriter, r *http.Request) {
	var req installRuntimeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.engine.InstallRuntime(req.Name, req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleRemoveRuntime(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveRuntime(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- volumes ---

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var req createVolumeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	size, err := types.ParseSize(req.Size)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "InvalidRequest", Message: err.Error()})
		return
	}
	typ := types.VolumeType(req.Type)
	if typ == "" {
		typ = types.VolumeFilesystem
	}
	if err := s.engine.CreateVolume(req.Name, size, typ); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	vols, err := s.engine.ListVolumes()
	if err != nil {
		writeError(w, err)
		return
	}
	if vols == nil {
		vols = []*types.Volume{}
	}
	writeJSON(w, http.StatusOK, vols)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteVolume(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- networks ---

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req createNetworkRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.CreateNetwork(req.Name, req.CIDR); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	nets, err := s.engine.ListNetworks()
	if err != nil {
		writeError(w, err)
		return
	}
	if nets == nil {
		nets = []*types.Network{}
	}
	writeJSON(w, http.StatusOK, nets)
}

func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteNetwork(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- workflows ---

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "InvalidRequest", Message: err.Error()})
		return
	}
	createMissing, _ := strconv.ParseBool(r.URL.Query().Get("create-missing-volumes"))
	wf, err := s.engine.SubmitWorkflow(data, createMissing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list := s.engine.ListWorkflows()
	if list == nil {
		list = []*types.Workflow{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.GetWorkflow(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelWorkflow(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
