package manager

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/scheduler"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/task"
)

// ErrResponse is the body of every failed request.
type ErrResponse struct {
	Code     int                 `json:"code"`
	Message  string              `json:"message"`
	Error    string              `json:"error"`
	Attempts []scheduler.Attempt `json:"attempts,omitempty"`
}

type okResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func (a *Api) AINodeHandler(w http.ResponseWriter, r *http.Request) {
	a.gpuNode(w, r, task.AI)
}

func (a *Api) SimulationNodeHandler(w http.ResponseWriter, r *http.Request) {
	a.gpuNode(w, r, task.Simulation)
}

func (a *Api) gpuNode(w http.ResponseWriter, r *http.Request, kind task.Kind) {
	p, err := a.Scheduler.ScheduleGPU(r.Context(), kind)
	if err != nil {
		a.writeScheduleError(w, err)
		return
	}
	writeSuccessResponse(w, p)
}

// RenderStartURLHandler accepts appliId, or applicationId as an alias, and an optional playerMode.
func (a *Api) RenderStartURLHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appliID := q.Get("appliId")
	if appliID == "" {
		appliID = q.Get("applicationId")
	}
	if appliID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "appliId is required", "missing parameter")
		return
	}
	p, err := a.Scheduler.ScheduleRender(r.Context(), scheduler.RenderRequest{
		AppliID:    appliID,
		PlayerMode: q.Get("playerMode"),
	})
	if err != nil {
		a.writeScheduleError(w, err)
		return
	}
	writeSuccessResponse(w, p)
}

// DeviceStatusHandler returns the dashboard view of every registered node.
func (a *Api) DeviceStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, a.Manager.Registry.Statuses())
}

func (a *Api) CountsHandler(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, a.Counters.Snapshot())
}

// SocketHandler upgrades a node connection and pumps its messages into the manager
// until the connection drops.
func (a *Api) SocketHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("node upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	c := newWSConn(uuid.NewString(), ws)
	a.Manager.Attach(c)
	defer func() {
		c.Close()
		a.Manager.Detach(c.ID())
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if c.Connected() {
				a.log.Debug("node connection closed", zap.String("conn", c.ID()), zap.Error(err))
			}
			return
		}
		if err := a.Manager.Handle(c.ID(), msg); err != nil {
			a.log.Warn("node message rejected", zap.String("conn", c.ID()), zap.Error(err))
		}
	}
}

// statusFor maps a scheduling failure to the HTTP status returned to the caller.
func statusFor(err error) int {
	var serr *scheduler.Error
	if !errors.As(err, &serr) {
		return http.StatusInternalServerError
	}
	switch serr.Kind {
	case scheduler.InvalidRequest:
		return http.StatusBadRequest
	case scheduler.NodesOffline, scheduler.NoSuitableGroup, scheduler.ResourceInsufficient:
		return http.StatusServiceUnavailable
	case scheduler.UpstreamError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *Api) writeScheduleError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	e := ErrResponse{Code: code, Message: err.Error(), Error: http.StatusText(code)}
	var serr *scheduler.Error
	if errors.As(err, &serr) {
		e.Message = serr.Message
		e.Error = serr.Kind.String()
		e.Attempts = serr.Attempts
	}
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		a.log.Error("scheduling failed", zap.Error(err))
	}
	writeJSON(w, code, e)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message, reason string) {
	writeJSON(w, statusCode, ErrResponse{Code: statusCode, Message: message, Error: reason})
}

func writeSuccessResponse(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, okResponse{
		Code:      http.StatusOK,
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
