package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
)

// ErrGroupInsufficient is returned by a RenderAllocator when the group has no free render capacity.
var ErrGroupInsufficient = errors.New("render resources insufficient in group")

// RenderAllocator asks the render management service for an application start URL in one group.
type RenderAllocator interface {
	Allocate(ctx context.Context, appliID, groupID string) (string, error)
}

// renderResponse is the render management service's reply body.
type renderResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// classifyRenderResponse maps a reply to an allocation result. The insufficient marker is
// matched in the message before the code is looked at.
func classifyRenderResponse(resp renderResponse, successCode int, marker string) (string, error) {
	if marker != "" && strings.Contains(resp.Message, marker) {
		return "", fmt.Errorf("%w: %s", ErrGroupInsufficient, resp.Message)
	}
	if resp.Code != successCode {
		msg := resp.Message
		if msg == "" {
			msg = "render service returned an error"
		}
		return "", fmt.Errorf("code %d: %s", resp.Code, msg)
	}
	return resp.Result, nil
}

// HTTPRenderAllocator calls GET {base}/appli/getStartURL?appliId=&groupId=.
type HTTPRenderAllocator struct {
	BaseURL     string
	Client      *http.Client
	SuccessCode int
	Marker      string
}

func NewHTTPRenderAllocator(cfg config.RenderConfig) *HTTPRenderAllocator {
	return &HTTPRenderAllocator{
		BaseURL:     fmt.Sprintf("http://%s:%d", cfg.Host, cfg.RenderPort),
		Client:      &http.Client{Timeout: cfg.Timeout},
		SuccessCode: cfg.SuccessCode,
		Marker:      cfg.InsufficientMarker,
	}
}

func (a *HTTPRenderAllocator) Allocate(ctx context.Context, appliID, groupID string) (string, error) {
	q := url.Values{}
	q.Set("appliId", appliID)
	q.Set("groupId", groupID)
	endpoint := a.BaseURL + "/appli/getStartURL?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("render service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("render service returned http status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read render service response: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", errors.New("render service returned an empty body")
	}
	var rr renderResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", fmt.Errorf("decode render service response: %w", err)
	}
	return classifyRenderResponse(rr, a.SuccessCode, a.Marker)
}
