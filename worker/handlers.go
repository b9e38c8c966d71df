package worker

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type ErrResponse struct {
	HTTPStatusCode int    `json:"httpStatusCode"`
	Message        string `json:"message"`
}

func (a *Api) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

// StatusHandler reports the coordinator link and the configuration the coordinator assigned.
func (a *Api) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Agent.Status())
}

// GetStatsHandler takes a fresh sample, independent of the push schedule.
func (a *Api) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := a.Sampler.Sample()
	if err != nil {
		a.log.Error("sample failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrResponse{
			HTTPStatusCode: http.StatusInternalServerError,
			Message:        err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
