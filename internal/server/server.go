package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/substrender/internal/controller"
	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/render"
	"github.com/ChuLiYu/substrender/internal/scene"
	"github.com/ChuLiYu/substrender/pkg/types"
)

var log = slog.Default()

// Server implements RenderService over a Controller and the scene it renders.
type Server struct {
	ctrl     *controller.Controller
	renderer *render.Renderer
	scene    *scene.Scene
}

var _ RenderServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(ctrl *controller.Controller, sc *scene.Scene) *Server {
	return &Server{
		ctrl:     ctrl,
		renderer: ctrl.Renderer(),
		scene:    sc,
	}
}

// Push applies input values and pushes the named instances (all instances when none are named).
//
//	{"instances": ["wood_a"], "values": {"wood_a": {"level": [0.7]}}}
func (s *Server) Push(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	var names []string
	for _, v := range fields["instances"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	values := fields["values"].GetStructValue().GetFields()
	if len(names) == 0 {
		for _, inst := range s.scene.Instances {
			names = append(names, inst.Name)
		}
	}

	insts := make([]*graph.Instance, 0, len(names))
	for _, name := range names {
		inst, ok := s.scene.Find(name)
		if !ok {
			return nil, status.Errorf(codes.NotFound, "unknown instance %q", name)
		}
		insts = append(insts, inst)
	}

	var pushed bool
	err := s.ctrl.Update(func() error {
		// 依名稱排序套用，錯誤訊息才穩定
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, name := range keys {
			inst, ok := s.scene.Find(name)
			if !ok {
				return status.Errorf(codes.NotFound, "unknown instance %q", name)
			}
			if err := applyValues(inst, values[name].GetStructValue()); err != nil {
				return status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
			}
		}
		pushed = s.renderer.PushList(insts)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug("Instances pushed", "count", len(insts), "pushed", pushed)
	return structpb.NewStruct(map[string]any{"pushed": pushed})
}

func applyValues(inst *graph.Instance, values *structpb.Struct) error {
	for id, v := range values.GetFields() {
		in, err := inst.Input(id)
		if err != nil {
			return err
		}
		var comps []float32
		if list := v.GetListValue(); list != nil {
			for _, c := range list.GetValues() {
				comps = append(comps, float32(c.GetNumberValue()))
			}
		} else {
			comps = []float32{float32(v.GetNumberValue())}
		}
		if err := in.SetValue(comps...); err != nil {
			return err
		}
	}
	return nil
}

// Run launches the pushed jobs. {"flags": "async|replace"}
func (s *Server) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	flags, err := types.ParseRunFlags(req.GetFields()["flags"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	uid := s.renderer.Run(flags)
	return structpb.NewStruct(map[string]any{"job": uint32(uid)})
}

// Cancel cancels a job, or every job when "job" is 0 or missing.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid := jobUID(req)
	var canceled bool
	if uid == 0 {
		canceled = s.renderer.CancelAll()
	} else {
		canceled = s.renderer.Cancel(uid)
	}
	return structpb.NewStruct(map[string]any{"canceled": canceled})
}

// IsPending reports whether a job is still pending or computing.
func (s *Server) IsPending(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid := jobUID(req)
	if uid == 0 {
		return nil, status.Error(codes.InvalidArgument, "job is required")
	}
	return structpb.NewStruct(map[string]any{"pending": s.renderer.IsPending(uid)})
}

// Flush waits until every job has been processed.
func (s *Server) Flush(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	done := make(chan struct{})
	go func() {
		s.renderer.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	return structpb.NewStruct(map[string]any{})
}

// SetOptions switches the engine hard resources.
//
//	{"memory_budget": "256 MiB", "cores": 2}
func (s *Server) SetOptions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	opts := s.renderer.Options()
	fields := req.GetFields()
	if v, ok := fields["memory_budget"]; ok {
		budget, err := parseBudget(v)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		opts.MemoryBudget = budget
	}
	if v, ok := fields["cores"]; ok {
		cores := int(v.GetNumberValue())
		if cores <= 0 {
			return nil, status.Errorf(codes.InvalidArgument, "cores must be positive, got %d", cores)
		}
		opts.CoresCount = cores
	}

	s.renderer.SetOptions(opts)
	log.Info("Render options changed", "options", opts.String())
	return structpb.NewStruct(map[string]any{
		"memory_budget": float64(opts.MemoryBudget),
		"cores":         opts.CoresCount,
		"options":       opts.String(),
	})
}

func parseBudget(v *structpb.Value) (uint64, error) {
	if str, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		budget, err := humanize.ParseBytes(str.StringValue)
		if err != nil {
			return 0, fmt.Errorf("invalid memory budget: %w", err)
		}
		return budget, nil
	}
	n := v.GetNumberValue()
	if n < 0 {
		return 0, fmt.Errorf("invalid memory budget %v", n)
	}
	return uint64(n), nil
}

// Status reports renderer and controller state.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st := s.renderer.Stats()
	return structpb.NewStruct(map[string]any{
		"renderer": map[string]any{
			"state":          st.State.String(),
			"held":           st.Held,
			"engine":         float64(st.EngineUID),
			"memory_budget":  humanize.IBytes(st.Hard.MemoryBudget),
			"cores":          st.Hard.Cores(),
			"instances":      st.Instances,
			"jobs":           st.Jobs,
			"pending_jobs":   st.PendingJobs,
			"processed_jobs": float64(st.ProcessedJobs),
		},
		"controller": s.ctrl.Status(),
	})
}

func jobUID(req *structpb.Struct) types.JobUID {
	return types.JobUID(req.GetFields()["job"].GetNumberValue())
}
