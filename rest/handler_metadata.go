package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/model"
)

func (s *Server) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := s.metadataService.SaveWorkflow(wf); err != nil {
		logger.Error("error creating workflow", zap.String("name", wf.Name), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(w, map[string]any{"created": true})
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, ok := vars["name"]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	wf, err := s.metadataService.GetStorage().GetWorkflowDefinition(name)
	if err != nil {
		logger.Info("workflow does not exist", zap.String("name", name))
		respondWithError(w, http.StatusNotFound, "workflow does not exist")
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, ok := vars["name"]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.metadataService.DeleteWorkflow(name); err != nil {
		logger.Error("error deleting workflow", zap.String("name", name), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, "error deleting workflow")
		return
	}
	respondOKWithoutBody(w)
}
