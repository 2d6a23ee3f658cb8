package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/metadata"
	"github.com/flowgrid/flowgrid/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port            int
	metadataService metadata.Service
	executorService *service.WorkflowExecutionService
}

func NewServer(httpPort int, metadataService metadata.Service, executorService *service.WorkflowExecutionService) (*Server, error) {

	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		metadataService: metadataService,
		executorService: executorService,
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/metadata/workflow", s.HandleCreateWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/metadata/workflow/{name}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/metadata/workflow/{name}", s.HandleDeleteWorkflow).Methods(http.MethodDelete)

	router.HandleFunc("/execution", s.HandleRunWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/execution/{id}", s.HandleGetExecution).Methods(http.MethodGet)
	router.HandleFunc("/execution/{id}/cancel", s.HandleCancelExecution).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	res, _ := json.Marshal(message)
	w.Write(res)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
