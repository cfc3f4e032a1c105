package runner

import (
	"context"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"web/aqmap/cluster"
)

// Client is a Service backed by a remote runner.
type Client struct {
	conn *grpc.ClientConn
}

var _ Service = (*Client)(nil)

// Dial connects to the runner at target. Without options the connection is
// plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial runner %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (Resp, error) {
	var resp Resp
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, &resp, grpc.CallContentSubtype(codecName))
	return resp, fromStatus(err)
}

func (c *Client) CreateView(ctx context.Context, req CreateViewRequest) (ViewInfo, error) {
	return invoke[ViewInfo](ctx, c, "CreateView", &req)
}

func (c *Client) GetView(ctx context.Context, req IDRequest) (ViewInfo, error) {
	return invoke[ViewInfo](ctx, c, "GetView", &req)
}

func (c *Client) ListViews(ctx context.Context, req Empty) (ListViewsResponse, error) {
	return invoke[ListViewsResponse](ctx, c, "ListViews", &req)
}

func (c *Client) CloseView(ctx context.Context, req IDRequest) (Empty, error) {
	return invoke[Empty](ctx, c, "CloseView", &req)
}

func (c *Client) MoveView(ctx context.Context, req MoveRequest) (ViewInfo, error) {
	return invoke[ViewInfo](ctx, c, "MoveView", &req)
}

func (c *Client) Interact(ctx context.Context, req InteractRequest) (ViewInfo, error) {
	return invoke[ViewInfo](ctx, c, "Interact", &req)
}

func (c *Client) Configure(ctx context.Context, req ConfigureRequest) (ViewInfo, error) {
	return invoke[ViewInfo](ctx, c, "Configure", &req)
}

func (c *Client) Refresh(ctx context.Context, req RefreshRequest) (ViewInfo, error) {
	return invoke[ViewInfo](ctx, c, "Refresh", &req)
}

func (c *Client) Leaves(ctx context.Context, req LeavesRequest) (LeavesResponse, error) {
	return invoke[LeavesResponse](ctx, c, "Leaves", &req)
}

func (c *Client) Summary(ctx context.Context, req IDRequest) (SummaryResponse, error) {
	return invoke[SummaryResponse](ctx, c, "Summary", &req)
}

func (c *Client) GeoJSON(ctx context.Context, req GeoJSONRequest) (geojson.FeatureCollection, error) {
	return invoke[geojson.FeatureCollection](ctx, c, "GeoJSON", &req)
}

func (c *Client) SaveSnapshot(ctx context.Context, req SnapshotRequest) (cluster.SnapshotInfo, error) {
	return invoke[cluster.SnapshotInfo](ctx, c, "SaveSnapshot", &req)
}

func (c *Client) ListSnapshots(ctx context.Context, req Empty) (ListSnapshotsResponse, error) {
	return invoke[ListSnapshotsResponse](ctx, c, "ListSnapshots", &req)
}
