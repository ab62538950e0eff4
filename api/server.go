// Package api exposes listing queries, run progress and the legacy
// single-address scrape jobs over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"scrape_runs/models"
	"scrape_runs/queue"
)

type ListingAssembler interface {
	Assemble(ctx context.Context, q models.ListingQuery) (*models.ListingResponse, error)
}

// RunReader is the read side of the run store the handlers use.
type RunReader interface {
	GetRunByID(ctx context.Context, id int64) (*models.Run, error)
	GetRunProgress(ctx context.Context, runID int64) (*models.RunProgress, error)
	GetScrapeResult(ctx context.Context, jobID string) (*models.ScrapeResult, error)
}

type JobQueue interface {
	EnqueueURL(ctx context.Context, target, reference string) (*queue.Ticket, error)
	Ticket(id string) (*queue.Ticket, bool)
}

// StatusReporter renders engine state for the health endpoint.
type StatusReporter interface {
	MarshalStatus() ([]byte, error)
}

type Server struct {
	router     *mux.Router
	httpServer *http.Server
	assembler  ListingAssembler
	runs       RunReader
	jobs       JobQueue
	status     StatusReporter
	logger     *logrus.Logger
}

func NewServer(addr string, assembler ListingAssembler, runs RunReader, jobs JobQueue, status StatusReporter, logger *logrus.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		assembler: assembler,
		runs:      runs,
		jobs:      jobs,
		status:    status,
		logger:    logger,
	}

	s.router.Use(recoveryMiddleware(logger))
	s.router.Use(loggingMiddleware(logger))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/listings", s.handleListings).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id:[0-9]+}", s.handleRun).Methods(http.MethodGet)
	api.HandleFunc("/scrape", s.handleScrape).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
