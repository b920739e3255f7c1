// File: ipc/rpc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Control plane: JSON-RPC 2.0 over loopback HTTP. The listener serves the
// "Control" service; dialers and the CLI call it with ControlClient.

package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/momentics/hioload-ipc/api"
)

// rpcCodeBase maps api.ErrorCode into the JSON-RPC server error range.
const rpcCodeBase = -32000

// ConnectArgs asks the listener for a new connection.
type ConnectArgs struct {
	Version      int  `json:"version"`
	PID          int  `json:"pid"`
	PreferSocket bool `json:"prefer_socket"`
	RingSize     int  `json:"ring_size,omitempty"`
	// Replace releases an earlier offer the dialer could not attach.
	Replace      uint64 `json:"replace,omitempty"`
	ReplaceToken string `json:"replace_token,omitempty"`
}

// ConnectReply describes the offered transport. Ring names are from the
// dialer's point of view.
type ConnectReply struct {
	ConnID   uint64 `json:"conn_id"`
	Token    string `json:"token"`
	Tier     string `json:"tier"`
	SendRing string `json:"send_ring,omitempty"`
	RecvRing string `json:"recv_ring,omitempty"`
	RingSize int    `json:"ring_size,omitempty"`
	ShmDir   string `json:"shm_dir,omitempty"`
	DataAddr string `json:"data_addr"`
	Reason   string `json:"reason,omitempty"`
}

// AttachedArgs confirms the dialer mapped the offered rings.
type AttachedArgs struct {
	ConnID uint64 `json:"conn_id"`
	Token  string `json:"token"`
}

// AttachedReply is empty on success.
type AttachedReply struct {
	OK bool `json:"ok"`
}

// StatsArgs takes no parameters.
type StatsArgs struct{}

// HealthArgs takes no parameters.
type HealthArgs struct{}

// Health statuses.
const (
	StatusServing    = "SERVING"
	StatusDegraded   = "DEGRADED"
	StatusNotServing = "NOT_SERVING"
)

// HealthReply summarizes listener health.
type HealthReply struct {
	Status       string `json:"status"`
	PID          int    `json:"pid"`
	Conns        int    `json:"conns"`
	OpenBreakers int    `json:"open_breakers"`
}

type controlService struct {
	l *Listener
}

func (s *controlService) Connect(r *http.Request, args *ConnectArgs, reply *ConnectReply) error {
	return rpcError(s.l.offer(r.Context(), args, reply))
}

func (s *controlService) Attached(r *http.Request, args *AttachedArgs, reply *AttachedReply) error {
	if err := s.l.attached(args.ConnID, args.Token); err != nil {
		return rpcError(err)
	}
	reply.OK = true
	return nil
}

func (s *controlService) Stats(r *http.Request, args *StatsArgs, reply *ListenerStats) error {
	*reply = s.l.Stats()
	return nil
}

func (s *controlService) Health(r *http.Request, args *HealthArgs, reply *HealthReply) error {
	*reply = s.l.Health()
	return nil
}

func newRPCServer(l *Listener) (*rpc.Server, error) {
	srv := rpc.NewServer()
	srv.RegisterCodec(json2.NewCodec(), "application/json")
	if err := srv.RegisterService(&controlService{l: l}, "Control"); err != nil {
		return nil, err
	}
	return srv, nil
}

func rpcError(err error) error {
	if err == nil {
		return nil
	}
	return &json2.Error{
		Code:    json2.ErrorCode(rpcCodeBase - int(api.CodeOf(err))),
		Message: err.Error(),
	}
}

// ControlClient calls a listener's control service.
type ControlClient struct {
	url  string
	http *http.Client
}

// NewControlClient resolves the rendezvous file for name in runtimeDir.
func NewControlClient(runtimeDir, name string) (*ControlClient, error) {
	path, err := rendezvousPath(runtimeDir, name)
	if err != nil {
		return nil, err
	}
	rdv, err := readRendezvous(path)
	if err != nil {
		return nil, err
	}
	return newControlClient(rdv.Control), nil
}

func newControlClient(url string) *ControlClient {
	return &ControlClient{
		url: url,
		http: &http.Client{
			Timeout:   HandshakeTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// Stats fetches the listener's connection and metrics snapshot.
func (c *ControlClient) Stats(ctx context.Context) (ListenerStats, error) {
	var st ListenerStats
	err := c.call(ctx, "Control.Stats", &StatsArgs{}, &st)
	return st, err
}

// Health fetches the listener's health summary.
func (c *ControlClient) Health(ctx context.Context) (HealthReply, error) {
	var h HealthReply
	err := c.call(ctx, "Control.Health", &HealthArgs{}, &h)
	return h, err
}

func (c *ControlClient) connect(ctx context.Context, args *ConnectArgs) (ConnectReply, error) {
	var reply ConnectReply
	err := c.call(ctx, "Control.Connect", args, &reply)
	return reply, err
}

func (c *ControlClient) attached(ctx context.Context, id uint64, token string) error {
	var reply AttachedReply
	return c.call(ctx, "Control.Attached", &AttachedArgs{ConnID: id, Token: token}, &reply)
}

func (c *ControlClient) call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return fmt.Errorf("ipc: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ipc: %s: %w", method, api.ErrTimeout)
		}
		return fmt.Errorf("ipc: %s: %w", method, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ipc: %s: status %d", method, resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		var jerr *json2.Error
		if errors.As(err, &jerr) {
			code := api.ErrorCode(rpcCodeBase - int(jerr.Code))
			if code == api.ErrCodeOK {
				// plain E_SERVER from the codec itself
				code = api.ErrCodeInternal
			}
			return fmt.Errorf("ipc: %s: %s: %w", method, jerr.Message, code.Sentinel())
		}
		return fmt.Errorf("ipc: %s: %w", method, err)
	}
	return nil
}

// probeAlive reports whether a listener answers at url.
func probeAlive(url string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := newControlClient(url).Health(ctx)
	return err == nil
}
