package maintenance

import (
	"sync/atomic"

	"github.com/hibiken/asynq"

	"github.com/pulsegrid/pulse/internal/config"
)

// Server executes the scheduled tasks. Maintenance work is IO-bound batch
// deletes, so concurrency stays low.
type Server struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	running atomic.Bool
}

// NewServer builds the task server over the shared Redis.
func NewServer(rcfg config.RedisConfig, concurrency int) *Server {
	if concurrency <= 0 {
		concurrency = 2
	}
	server := asynq.NewServer(redisOpt(rcfg), asynq.Config{
		Concurrency: concurrency,
	})
	return &Server{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

// Handle registers a handler for a task type. Call before Run.
func (s *Server) Handle(taskType string, handler asynq.Handler) {
	s.mux.Handle(taskType, handler)
}

// Run starts processing tasks and blocks until Shutdown.
func (s *Server) Run() error {
	s.running.Store(true)
	defer s.running.Store(false)
	return s.server.Run(s.mux)
}

// Shutdown waits for in-flight tasks and stops the server.
func (s *Server) Shutdown() {
	s.running.Store(false)
	s.server.Shutdown()
}

// Running reports whether the server loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}
