package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Api is the agent's local status endpoint.
type Api struct {
	Address string
	Port    int
	Agent   *Agent
	Sampler Collector
	Router  *chi.Mux //Mux is basically a multiplexer or request router.

	server *http.Server
	log    *zap.Logger
}

func NewApi(address string, port int, agent *Agent, sampler Collector, log *zap.Logger) *Api {
	a := &Api{Address: address, Port: port, Agent: agent, Sampler: sampler, log: log.Named("agent-api")}
	a.initRouter()
	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.Address, a.Port),
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           a.Router,
	}
	return a
}

func (a *Api) initRouter() {
	a.Router = chi.NewRouter()
	a.Router.Use(middleware.Recoverer)
	a.Router.Get("/health", a.HealthHandler)
	a.Router.Get("/status", a.StatusHandler)
	a.Router.Get("/stats", a.GetStatsHandler)
}

func (a *Api) Start() error {
	a.log.Info("starting server", zap.String("addr", a.server.Addr))
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server on %s: %w", a.server.Addr, err)
	}
	return nil
}

func (a *Api) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
