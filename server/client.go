package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the exec service over Connect.
type Client struct {
	run         *connect.Client[RunRequest, RunResponse]
	assemble    *connect.Client[AssembleRequest, AssembleResponse]
	disassemble *connect.Client[DisassembleRequest, DisassembleResponse]
}

// NewClient creates a Connect client for the server at baseURL, such as
// "http://localhost:8765". A nil httpClient selects http.DefaultClient.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(cborCodec{})}, opts...)
	return &Client{
		run:         connect.NewClient[RunRequest, RunResponse](httpClient, baseURL+RunProcedure, opts...),
		assemble:    connect.NewClient[AssembleRequest, AssembleResponse](httpClient, baseURL+AssembleProcedure, opts...),
		disassemble: connect.NewClient[DisassembleRequest, DisassembleResponse](httpClient, baseURL+DisassembleProcedure, opts...),
	}
}

// Run executes a program remotely.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	resp, err := c.run.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Assemble assembles source remotely.
func (c *Client) Assemble(ctx context.Context, req *AssembleRequest) (*AssembleResponse, error) {
	resp, err := c.assemble.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Disassemble lists a program remotely.
func (c *Client) Disassemble(ctx context.Context, req *DisassembleRequest) (*DisassembleResponse, error) {
	resp, err := c.disassemble.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// GRPCClient calls the exec service over gRPC. It needs no generated
// stubs: calls go through ClientConn.Invoke with the CBOR codec forced.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a gRPC client for target ("host:port"). The connection
// is established lazily on the first call.
func DialGRPC(target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(cborCodec{})),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Run executes a program remotely.
func (c *GRPCClient) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	var resp RunResponse
	if err := c.conn.Invoke(ctx, RunProcedure, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Assemble assembles source remotely.
func (c *GRPCClient) Assemble(ctx context.Context, req *AssembleRequest) (*AssembleResponse, error) {
	var resp AssembleResponse
	if err := c.conn.Invoke(ctx, AssembleProcedure, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Disassemble lists a program remotely.
func (c *GRPCClient) Disassemble(ctx context.Context, req *DisassembleRequest) (*DisassembleResponse, error) {
	var resp DisassembleResponse
	if err := c.conn.Invoke(ctx, DisassembleProcedure, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
