package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/model"
)

func (s *Server) HandleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var runReq model.WorkflowRunRequest
	if err := json.NewDecoder(r.Body).Decode(&runReq); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	switch runReq.Mode {
	case model.RUN_MODE_SYNC:
		rec, err := s.executorService.StartSync(r.Context(), runReq)
		if err != nil {
			logger.Error("error running workflow", zap.String("name", runReq.Name), zap.Error(err))
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, rec)
	case model.RUN_MODE_STREAM:
		s.streamExecution(w, r, runReq)
	default:
		executionId, err := s.executorService.StartAsync(runReq)
		if err != nil {
			logger.Error("error running workflow", zap.String("name", runReq.Name), zap.Error(err))
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondOK(w, map[string]any{"executionId": executionId})
	}
}

// streamExecution delivers step events over server-sent events as the run
// progresses, ending with the execution's terminal record.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, runReq model.WorkflowRunRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "streaming not supported")
		return
	}
	executionId, events, err := s.executorService.StartStream(r.Context(), runReq)
	if err != nil {
		logger.Error("error running workflow", zap.String("name", runReq.Name), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for ev := range events {
		data, _ := json.Marshal(ev)
		w.Write([]byte("event: step\ndata: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}
	rec, err := s.executorService.GetExecution(executionId)
	if err == nil {
		data, _ := json.Marshal(rec)
		w.Write([]byte("event: execution\ndata: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executionId, ok := vars["id"]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rec, err := s.executorService.GetExecution(executionId)
	if err != nil {
		logger.Error("error getting execution", zap.String("id", executionId), zap.Error(err))
		respondWithError(w, http.StatusNotFound, "execution not found")
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executionId, ok := vars["id"]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.executorService.Cancel(executionId); err != nil {
		logger.Error("error cancelling execution", zap.String("id", executionId), zap.Error(err))
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	respondOKWithoutBody(w)
}
