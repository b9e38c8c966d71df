package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/counter"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/notify"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/task"
)

// Refresher pulls fresh device state from every registered node.
type Refresher interface {
	RefreshAll(ctx context.Context) node.RefreshResult
}

type GroupInfo struct {
	Group         node.Group `json:"group"`
	AvgGroupUsage float64    `json:"avgGroupUsage"`
}

// Placement is a successful AI or simulation decision. ScheduleDuration repeats
// ScheduleDurationMs under the dashboard's field name.
type Placement struct {
	NodeID             string                 `json:"nodeId"`
	Node               node.WorkerNode        `json:"node"`
	NodeState          *node.DeviceState      `json:"nodeState"`
	GroupInfo          GroupInfo              `json:"groupInfo"`
	AllGroupsUsage     map[node.Group]float64 `json:"allGroupsUsage"` //populated groups only
	RequestCount       uint64                 `json:"requestCount"`
	ScheduleDurationMs int64                  `json:"scheduleDurationMs"`
	ScheduleDuration   int64                  `json:"scheduleDuration"` //ms
	Outcome            *task.Outcome          `json:"-"`
}

type RenderRequest struct {
	AppliID    string
	PlayerMode string
}

// GroupDistance is one group's place in the render priority order; 0 is tried first.
type GroupDistance struct {
	Type     node.Group `json:"type"`
	Distance float64    `json:"distance"`
	Priority int        `json:"priority"`
}

// Attempt is one call to the render management service.
type Attempt struct {
	NodeType node.Group `json:"nodeType"`
	GroupID  string     `json:"groupId"`
	Success  bool       `json:"success"`
	Message  string     `json:"message,omitempty"`
}

// RenderPlacement is a successful render decision. SimpleURL and ScheduleDuration
// repeat FinalURL and ScheduleDurationMs under the dashboard's field names.
type RenderPlacement struct {
	FinalURL           string                       `json:"finalUrl"`
	SimpleURL          string                       `json:"simpleUrl"`
	Distances          map[node.Group]GroupDistance `json:"distances"`
	SortedPriority     []GroupDistance              `json:"sortedPriority"`
	Attempts           []Attempt                    `json:"attempts"`
	Group              node.Group                   `json:"group"`
	GroupID            string                       `json:"groupId"`
	ApplicationURL     string                       `json:"applicationUrl"`
	RenderServerIP     string                       `json:"renderServerIp"`
	PlayerMode         string                       `json:"playerMode"`
	RequestCount       uint64                       `json:"requestCount"`
	ScheduleDurationMs int64                        `json:"scheduleDurationMs"`
	ScheduleDuration   int64                        `json:"scheduleDuration"` //ms
	Outcome            *task.Outcome                `json:"-"`
}

// Scheduler turns refreshed node state into placements.
type Scheduler struct {
	refresher Refresher
	counters  *counter.Counters
	bus       notify.Publisher
	policies  map[task.Kind]*GPUPolicy
	distances DistanceProvider
	allocator RenderAllocator
	cfg       *config.Config
	tracer    trace.Tracer
	log       *zap.Logger
}

type Option func(*Scheduler)

func WithDistanceProvider(p DistanceProvider) Option {
	return func(s *Scheduler) { s.distances = p }
}

func WithRenderAllocator(a RenderAllocator) Option {
	return func(s *Scheduler) { s.allocator = a }
}

func New(cfg *config.Config, refresher Refresher, counters *counter.Counters, bus notify.Publisher, log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		refresher: refresher,
		counters:  counters,
		bus:       bus,
		policies: map[task.Kind]*GPUPolicy{
			task.AI:         NewGPUPolicy(task.AI),
			task.Simulation: NewGPUPolicy(task.Simulation),
		},
		allocator: NewHTTPRenderAllocator(cfg.Render),
		cfg:       cfg,
		tracer:    otel.Tracer("selfalloc/scheduler"),
		log:       log,
	}
	if cfg.Render.Distance == config.DistanceStatic {
		static := make(StaticDistance, len(cfg.Nodes.Distances))
		for _, g := range node.Groups {
			if d, ok := cfg.Nodes.Distances[string(g)]; ok {
				static[g] = d
			}
		}
		s.distances = static
	} else {
		s.distances = NewRandomDistance(0)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleGPU places an AI or simulation task.
func (s *Scheduler) ScheduleGPU(ctx context.Context, kind task.Kind) (*Placement, error) {
	policy, ok := s.policies[kind]
	if !ok {
		return nil, &Error{Kind: InvalidRequest, Message: fmt.Sprintf("task kind %q is not placed by GPU usage", kind)}
	}
	reqID := s.counters.NextRequest(kind)
	out := task.NewOutcome(kind, reqID)
	ctx, span := s.tracer.Start(ctx, "schedule."+string(kind),
		trace.WithAttributes(attribute.String("task.kind", string(kind)), attribute.Int64("request.id", int64(reqID))))
	defer span.End()

	s.publish(notify.Event{Type: notify.ScheduleRequest, Message: fmt.Sprintf("requesting %s resources", kind.Label())})
	s.progress(out, "checking node states")

	res := s.refresher.RefreshAll(ctx)
	fresh := res.Fresh()
	if len(fresh) == 0 {
		return nil, s.fail(span, out, &Error{Kind: NodesOffline, Message: fmt.Sprintf("all %s nodes are offline", kind.Label())})
	}
	s.progress(out, "%d nodes online, filtering for %s", len(fresh), osLabel(policy.PreferredOS))

	policy.placing.Lock()
	candidates, preferred := policy.SelectCandidateNodes(fresh)
	if !preferred && policy.PreferredOS != "" {
		s.progress(out, "no %s node available, falling back to all %d nodes", policy.PreferredOS, len(candidates))
	} else {
		s.progress(out, "%d candidate nodes", len(candidates))
	}

	groups := policy.Score(candidates)
	all := make(map[node.Group]float64, len(groups))
	for _, g := range groups {
		all[g.Group] = g.AvgUsage
		s.progress(out, "%s group mean GPU usage %.2f%%", g.Group, g.AvgUsage)
	}
	group, member, err := policy.Pick(groups)
	if err != nil {
		policy.placing.Unlock()
		var serr *Error
		if !errors.As(err, &serr) {
			serr = &Error{Kind: NoSuitableGroup, Message: "no suitable group", Err: err}
		}
		return nil, s.fail(span, out, serr)
	}
	s.progress(out, "selected group %s, choosing node", group.Group)

	var chosen node.Snapshot
	for _, c := range candidates {
		if c.Node.ID == member.NodeID {
			chosen = c
			break
		}
	}
	policy.Remember(chosen.Node)
	policy.placing.Unlock()
	s.counters.RecordPlacement(group.Group, kind)

	out.NodeID = chosen.Node.ID
	out.Group = group.Group
	_ = out.Finish(task.Success)
	span.SetAttributes(attribute.String("node.id", chosen.Node.ID), attribute.String("node.group", string(group.Group)))

	s.publish(notify.Event{
		Type:    notify.ScheduleProcess,
		Status:  notify.StatusSuccess,
		Message: fmt.Sprintf("%s placed in %dms on %s (%s)", kind.Label(), out.DurationMs(), chosen.Node.IP, chosen.Node.Name),
	})
	counts := s.counters.Snapshot()
	s.publish(notify.Event{
		Type:    notify.ScheduleResult,
		Status:  notify.StatusSuccess,
		Message: fmt.Sprintf("[%s-%d] placed on %s group node %s, GPU usage %.2f%%, took %dms", kind.Label(), reqID, group.Group, chosen.Node.IP, member.GPUUsage, out.DurationMs()),
		Data: map[string]any{
			"outcome":        out,
			"selectedNode":   map[string]any{"ip": chosen.Node.IP, "group": group.Group, "gpuUsage": member.GPUUsage},
			"avgGroupUsage":  group.AvgUsage,
			"allGroupsUsage": all,
			"duration":       out.DurationMs(),
			"counts":         counts,
		},
	})
	s.publish(notify.Event{Type: notify.ScheduleCount, Data: counts})
	s.log.Info("task placed",
		zap.String("kind", string(kind)),
		zap.Uint64("request", reqID),
		zap.String("node", chosen.Node.ID),
		zap.String("group", string(group.Group)),
		zap.Float64("gpu_usage", member.GPUUsage),
		zap.Duration("took", out.Duration))

	took := out.DurationMs()
	return &Placement{
		NodeID:             chosen.Node.ID,
		Node:               chosen.Node,
		NodeState:          chosen.State,
		GroupInfo:          GroupInfo{Group: group.Group, AvgGroupUsage: group.AvgUsage},
		AllGroupsUsage:     all,
		RequestCount:       reqID,
		ScheduleDurationMs: took,
		ScheduleDuration:   took,
		Outcome:            out,
	}, nil
}

// ScheduleRender walks the groups closest first and asks the render management service
// for capacity until one group accepts.
func (s *Scheduler) ScheduleRender(ctx context.Context, req RenderRequest) (*RenderPlacement, error) {
	if req.AppliID == "" {
		return nil, &Error{Kind: InvalidRequest, Message: "appliId is required"}
	}
	reqID := s.counters.NextRequest(task.Render)
	out := task.NewOutcome(task.Render, reqID)
	ctx, span := s.tracer.Start(ctx, "schedule.render",
		trace.WithAttributes(attribute.String("task.kind", string(task.Render)), attribute.Int64("request.id", int64(reqID))))
	defer span.End()

	s.publish(notify.Event{Type: notify.ScheduleRequest, Message: fmt.Sprintf("requesting %s resources for application %s", task.Render.Label(), req.AppliID)})
	s.progress(out, "checking node states")

	res := s.refresher.RefreshAll(ctx)
	if len(res.Successful) == 0 {
		return nil, s.fail(span, out, &Error{Kind: NodesOffline, Message: "all render nodes are offline"})
	}
	s.progress(out, "%d nodes online, ranking groups by distance", len(res.Successful))

	sorted, byGroup := s.rankGroups()
	for _, gd := range sorted {
		s.progress(out, "%s group distance %.0fkm (priority %d)", gd.Type, gd.Distance, gd.Priority)
	}

	var (
		attempts []Attempt
		chosen   *GroupDistance
		groupID  string
		appURL   string
	)
	for i := range sorted {
		gd := sorted[i]
		gid, ok := s.cfg.GroupID(gd.Type)
		if !ok {
			s.progress(out, "skipping %s group: no group id configured", gd.Type)
			s.log.Warn("render group has no group id", zap.String("group", string(gd.Type)))
			continue
		}
		s.progress(out, "trying %s group", gd.Type)

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Render.Timeout)
		result, err := s.allocator.Allocate(callCtx, req.AppliID, gid)
		cancel()

		switch {
		case err == nil:
			attempts = append(attempts, Attempt{NodeType: gd.Type, GroupID: gid, Success: true})
			chosen, groupID, appURL = &gd, gid, result
			s.publish(notify.Event{Type: notify.ScheduleProcess, Status: notify.StatusSuccess, Message: fmt.Sprintf("got render resources from %s group", gd.Type)})
		case errors.Is(err, ErrGroupInsufficient):
			attempts = append(attempts, Attempt{NodeType: gd.Type, GroupID: gid, Message: err.Error()})
			s.progress(out, "%s group has insufficient resources, trying the next group", gd.Type)
			s.log.Warn("render group insufficient", zap.String("group", string(gd.Type)), zap.String("group_id", gid))
			continue
		default:
			attempts = append(attempts, Attempt{NodeType: gd.Type, GroupID: gid, Message: err.Error()})
			return nil, s.fail(span, out, &Error{
				Kind:     UpstreamError,
				Message:  fmt.Sprintf("render request to %s group failed", gd.Type),
				Attempts: attempts,
				Err:      err,
			})
		}
		break
	}

	if chosen == nil {
		if len(attempts) == 0 {
			return nil, s.fail(span, out, &Error{Kind: Config, Message: "no render group has a group id configured"})
		}
		return nil, s.fail(span, out, &Error{
			Kind:     ResourceInsufficient,
			Message:  "every render group reported insufficient resources, retry later",
			Attempts: attempts,
		})
	}

	s.progress(out, "parsing render server address")
	serverIP, err := renderServerIP(appURL)
	if err != nil {
		return nil, s.fail(span, out, &Error{Kind: UpstreamError, Message: "render service returned an unusable application url", Attempts: attempts, Err: err})
	}
	simple := s.startURL(req, groupID, serverIP)

	s.counters.RecordPlacement(chosen.Type, task.Render)
	out.NodeID = serverIP
	out.Group = chosen.Type
	_ = out.Finish(task.Success)
	span.SetAttributes(attribute.String("node.group", string(chosen.Type)), attribute.String("render.server", serverIP))

	s.publish(notify.Event{
		Type:    notify.ScheduleProcess,
		Status:  notify.StatusSuccess,
		Message: fmt.Sprintf("%s placed in %dms on render server %s", task.Render.Label(), out.DurationMs(), serverIP),
		Data:    map[string]string{"ip": serverIP, "url": simple},
	})
	counts := s.counters.Snapshot()
	s.publish(notify.Event{
		Type:    notify.ScheduleResult,
		Status:  notify.StatusSuccess,
		Message: fmt.Sprintf("[%s-%d] placed on %s group server %s, took %dms", task.Render.Label(), reqID, chosen.Type, serverIP, out.DurationMs()),
		Data: map[string]any{
			"outcome":      out,
			"selectedNode": map[string]any{"ip": serverIP, "group": chosen.Type, "url": simple},
			"priorities":   byGroup,
			"duration":     out.DurationMs(),
			"counts":       counts,
		},
	})
	s.publish(notify.Event{Type: notify.ScheduleCount, Data: counts})
	s.log.Info("render placed",
		zap.Uint64("request", reqID),
		zap.String("group", string(chosen.Type)),
		zap.String("server", serverIP),
		zap.Int("attempts", len(attempts)),
		zap.Duration("took", out.Duration))

	took := out.DurationMs()
	return &RenderPlacement{
		FinalURL:           simple,
		SimpleURL:          simple,
		Distances:          byGroup,
		SortedPriority:     sorted,
		Attempts:           attempts,
		Group:              chosen.Type,
		GroupID:            groupID,
		ApplicationURL:     appURL,
		RenderServerIP:     serverIP,
		PlayerMode:         req.PlayerMode,
		RequestCount:       reqID,
		ScheduleDurationMs: took,
		ScheduleDuration:   took,
		Outcome:            out,
	}, nil
}

// rankGroups orders the groups by ascending distance; equal distances keep the fixed group order.
func (s *Scheduler) rankGroups() ([]GroupDistance, map[node.Group]GroupDistance) {
	dist := s.distances.Distances(node.Groups)
	sorted := make([]GroupDistance, 0, len(node.Groups))
	for _, g := range node.Groups {
		sorted = append(sorted, GroupDistance{Type: g, Distance: dist[g]})
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Distance < sorted[j].Distance })

	byGroup := make(map[node.Group]GroupDistance, len(sorted))
	for i := range sorted {
		sorted[i].Priority = i
		byGroup[sorted[i].Type] = sorted[i]
	}
	return sorted, byGroup
}

func (s *Scheduler) startURL(req RenderRequest, groupID, serverIP string) string {
	r := s.cfg.Render
	return fmt.Sprintf("http://%s:%d/webclient/?appliId=%s&groupId=%s&codeRate=%d&frameRate=%d&playerMode=%s&renderServerIp=%s",
		r.Host, r.RenderPort,
		url.QueryEscape(req.AppliID), url.QueryEscape(groupID),
		r.CodeRate, r.FrameRate,
		url.QueryEscape(req.PlayerMode), url.QueryEscape(serverIP))
}

// renderServerIP extracts the renderServerIp query parameter from the allocated application url.
func renderServerIP(appURL string) (string, error) {
	if appURL == "" {
		return "", errors.New("application url is empty")
	}
	u, err := url.Parse(appURL)
	if err != nil {
		return "", fmt.Errorf("parse application url: %w", err)
	}
	ip := u.Query().Get("renderServerIp")
	if ip == "" {
		return "", errors.New("application url has no renderServerIp parameter")
	}
	return ip, nil
}

func (s *Scheduler) fail(span trace.Span, out *task.Outcome, err *Error) error {
	_ = out.Finish(err.Kind.Status())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Kind.String())

	s.publish(notify.Failure("%s placement failed: %s", out.Kind.Label(), err.Message))
	s.publish(notify.Event{
		Type:    notify.ScheduleResult,
		Status:  notify.StatusError,
		Message: fmt.Sprintf("[%s-%d] placement failed: %s", out.Kind.Label(), out.RequestID, err.Message),
		Data: map[string]any{
			"outcome": out,
			"error":   map[string]string{"message": err.Error(), "type": err.Kind.String()},
		},
	})
	s.log.Warn("placement failed",
		zap.String("kind", string(out.Kind)),
		zap.Uint64("request", out.RequestID),
		zap.String("reason", err.Kind.String()),
		zap.Error(err))
	return err
}

func (s *Scheduler) progress(out *task.Outcome, format string, args ...any) {
	out.Note(format, args...)
	s.publish(notify.Process(format, args...))
}

func (s *Scheduler) publish(ev notify.Event) {
	if s.bus == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	s.bus.Publish(ev)
}

func osLabel(os string) string {
	if os == "" {
		return "any operating system"
	}
	return os + " nodes"
}
