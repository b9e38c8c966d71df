package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/counter"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/notify"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/scheduler"
)

// Api is one of the coordinator's HTTP listeners: the node socket, the observer API or the
// task-request API. Each has its own port and router.
type Api struct {
	Address   string
	Port      int
	Manager   *Manager
	Scheduler *scheduler.Scheduler
	Counters  *counter.Counters
	Bus       *notify.Bus
	Router    *chi.Mux
	APIKeys   map[string]struct{}

	server *http.Server
	log    *zap.Logger
}

// NewSocketApi serves the node WebSocket endpoint at /socket.
func NewSocketApi(address string, port int, m *Manager, log *zap.Logger) *Api {
	a := &Api{Address: address, Port: port, Manager: m, log: log.Named("socket")}
	a.Router = chi.NewRouter()
	a.Router.Use(middleware.Recoverer)
	a.Router.Get("/socket", a.SocketHandler)
	a.initServer()
	return a
}

// NewObserverApi serves the dashboard: device status, counters, metrics and the event stream.
func NewObserverApi(address string, port int, m *Manager, counters *counter.Counters, bus *notify.Bus, log *zap.Logger) *Api {
	a := &Api{Address: address, Port: port, Manager: m, Counters: counters, Bus: bus, log: log.Named("observer")}
	a.Router = chi.NewRouter()
	a.Router.Use(middleware.Recoverer)
	a.Router.Get("/ws", notify.StreamHandler(bus, a.log))
	a.Router.Route("/show", func(r chi.Router) {
		r.Use(a.requestLogger)
		r.Get("/device/update", a.DeviceStatusHandler)
		r.Get("/counts", a.CountsHandler)
	})
	a.Router.Handle("/metrics", promhttp.HandlerFor(counters.Registry(), promhttp.HandlerOpts{}))
	a.initServer()
	return a
}

// NewUserApi serves the task-request endpoints. When apiKeys is empty no authorization is required.
func NewUserApi(address string, port int, s *scheduler.Scheduler, apiKeys []string, log *zap.Logger) *Api {
	a := &Api{Address: address, Port: port, Scheduler: s, log: log.Named("user")}
	if len(apiKeys) > 0 {
		a.APIKeys = make(map[string]struct{}, len(apiKeys))
		for _, k := range apiKeys {
			a.APIKeys[k] = struct{}{}
		}
	}
	a.Router = chi.NewRouter()
	a.Router.Use(middleware.Recoverer, a.requestLogger, a.ApiKeyAuthMiddleware)
	a.Router.Get("/ai/getNode", a.AINodeHandler)
	a.Router.Get("/simulation/getNode", a.SimulationNodeHandler)
	a.Router.Get("/render/appli/getStartURL", a.RenderStartURLHandler)
	a.initServer()
	return a
}

// bearerToken extracts the token from the Authorization header, stripping the Bearer prefix.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("missing Authorization header")
	}
	pieces := strings.SplitN(authHeader, " ", 2)
	if len(pieces) < 2 || pieces[0] != "Bearer" {
		return "", errors.New("token with incorrect bearer format")
	}
	token := strings.TrimSpace(pieces[1])
	if token == "" {
		return "", errors.New("bearer token is empty")
	}
	return token, nil
}

func (a *Api) ApiKeyAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.APIKeys == nil {
			next.ServeHTTP(w, r)
			return
		}
		key, err := bearerToken(r)
		if err != nil {
			a.log.Warn("token extraction failed", zap.Error(err), zap.String("path", r.URL.Path))
			writeErrorResponse(w, http.StatusUnauthorized, "invalid or missing authorization header", err.Error())
			return
		}
		if _, ok := a.APIKeys[key]; !ok {
			a.log.Warn("unknown api key", zap.String("path", r.URL.Path))
			writeErrorResponse(w, http.StatusUnauthorized, "invalid API key", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func (a *Api) initServer() {
	a.server = &http.Server{
		Addr: fmt.Sprintf("%s:%d", a.Address, a.Port),
		// Maximum duration for reading the request headers
		ReadHeaderTimeout: 2 * time.Second,
		// A render placement may walk three groups, each bounded by the render timeout
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      a.Router,
	}
}

// Start blocks serving until Shutdown is called.
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
