package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/substrender/pkg/types"
)

// Client is a RenderService client.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a RenderService at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Invoke calls a method with a raw request.
func (c *Client) Invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("invalid %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Push sets input values and pushes instances; no names means every instance in the scene.
func (c *Client) Push(ctx context.Context, names []string, values map[string]map[string][]float32) (bool, error) {
	req := map[string]any{}
	if len(names) > 0 {
		list := make([]any, len(names))
		for i, n := range names {
			list[i] = n
		}
		req["instances"] = list
	}
	if len(values) > 0 {
		vs := make(map[string]any, len(values))
		for name, inputs := range values {
			in := make(map[string]any, len(inputs))
			for id, comps := range inputs {
				list := make([]any, len(comps))
				for i, v := range comps {
					list[i] = float64(v)
				}
				in[id] = list
			}
			vs[name] = in
		}
		req["values"] = vs
	}

	resp, err := c.Invoke(ctx, "Push", req)
	if err != nil {
		return false, err
	}
	pushed, _ := resp["pushed"].(bool)
	return pushed, nil
}

// Run launches the pushed jobs.
func (c *Client) Run(ctx context.Context, flags types.RunFlags) (types.JobUID, error) {
	resp, err := c.Invoke(ctx, "Run", map[string]any{"flags": flags.String()})
	if err != nil {
		return 0, err
	}
	return types.JobUID(number(resp["job"])), nil
}

// Cancel cancels a job; 0 cancels all.
func (c *Client) Cancel(ctx context.Context, uid types.JobUID) (bool, error) {
	resp, err := c.Invoke(ctx, "Cancel", map[string]any{"job": uint32(uid)})
	if err != nil {
		return false, err
	}
	canceled, _ := resp["canceled"].(bool)
	return canceled, nil
}

// IsPending reports whether a job is still pending.
func (c *Client) IsPending(ctx context.Context, uid types.JobUID) (bool, error) {
	resp, err := c.Invoke(ctx, "IsPending", map[string]any{"job": uint32(uid)})
	if err != nil {
		return false, err
	}
	pending, _ := resp["pending"].(bool)
	return pending, nil
}

// Flush waits for every job to be processed.
func (c *Client) Flush(ctx context.Context) error {
	_, err := c.Invoke(ctx, "Flush", map[string]any{})
	return err
}

// SetOptions switches the engine hard resources; a zero field is left unchanged.
func (c *Client) SetOptions(ctx context.Context, opts types.RenderOptions) (string, error) {
	req := map[string]any{}
	if opts.MemoryBudget > 0 {
		req["memory_budget"] = float64(opts.MemoryBudget)
	}
	if opts.CoresCount > 0 {
		req["cores"] = opts.CoresCount
	}
	resp, err := c.Invoke(ctx, "SetOptions", req)
	if err != nil {
		return "", err
	}
	s, _ := resp["options"].(string)
	return s, nil
}

// Status returns the server status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.Invoke(ctx, "Status", map[string]any{})
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}
