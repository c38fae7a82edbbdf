// cluster_admin.go: JSON-RPC administration of cluster settings
//
// ClusterAdminService exposes the ClusterManager over HTTP JSON-RPC 2.0 so
// dashboards can read and write worker settings:
//
//	Cluster.GetSettings  {}                               -> {"settings": [...]}
//	Cluster.PutSetting   {"worker_id","key","value"}      -> {}
//	Cluster.Workers      {}                               -> {"workers": [...]}
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// ClusterAdminPath is the HTTP path the admin service is served on.
const ClusterAdminPath = "/rpc"

// GetSettingsArgs is empty; it exists for the JSON-RPC signature.
type GetSettingsArgs struct{}

// GetSettingsReply carries all worker settings.
type GetSettingsReply struct {
	Settings []ClusterSetting `json:"settings"`
}

// PutSettingArgs identifies one setting and its new value.
type PutSettingArgs struct {
	WorkerID string `json:"worker_id"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// PutSettingReply is empty.
type PutSettingReply struct{}

// WorkersArgs is empty.
type WorkersArgs struct{}

// WorkersReply lists the registered workers.
type WorkersReply struct {
	Active  bool            `json:"active"`
	Workers []ClusterWorker `json:"workers"`
}

// ClusterAdminService is the JSON-RPC receiver registered as "Cluster".
type ClusterAdminService struct {
	manager *ClusterManager
	logger  Logger
}

// GetSettings returns the settings of every worker.
func (s *ClusterAdminService) GetSettings(r *http.Request, _ *GetSettingsArgs, reply *GetSettingsReply) error {
	settings, err := s.manager.Settings(r.Context())
	if err != nil {
		return err
	}
	reply.Settings = settings
	return nil
}

// PutSetting writes one setting.
func (s *ClusterAdminService) PutSetting(r *http.Request, args *PutSettingArgs, _ *PutSettingReply) error {
	if args.WorkerID == "" || args.Key == "" {
		return NewClusterError("worker_id and key are required", nil)
	}
	s.logger.Info("Cluster setting update requested", "worker_id", args.WorkerID, "key", args.Key)
	return s.manager.PutSetting(r.Context(), args.WorkerID, args.Key, args.Value)
}

// Workers lists the registered workers.
func (s *ClusterAdminService) Workers(_ *http.Request, _ *WorkersArgs, reply *WorkersReply) error {
	r := s.manager.Registry()
	reply.Active = r != nil
	reply.Workers = []ClusterWorker{}
	if r != nil {
		reply.Workers = r.Workers()
	}
	return nil
}

// NewClusterAdminHandler builds the HTTP handler serving the service.
func NewClusterAdminHandler(manager *ClusterManager, logger Logger) (http.Handler, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(&ClusterAdminService{manager: manager, logger: logger}, "Cluster"); err != nil {
		return nil, NewClusterError("failed to register admin service", err)
	}

	mux := http.NewServeMux()
	mux.Handle(ClusterAdminPath, server)
	return mux, nil
}

// ClusterAdminServer is a running admin HTTP server.
type ClusterAdminServer struct {
	server   *http.Server
	listener net.Listener
	address  string
	done     chan struct{}
}

// ListenClusterAdmin serves the admin service on address.
func ListenClusterAdmin(address string, manager *ClusterManager, logger Logger) (*ClusterAdminServer, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	handler, err := NewClusterAdminHandler(manager, logger)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, NewClusterError("failed to listen for admin service", err).WithContext("address", address)
	}

	s := &ClusterAdminServer{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		address:  address,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("Cluster admin server stopped", "error", err)
		}
	}()
	logger.Info("Cluster admin service listening", "address", ln.Addr().String())
	return s, nil
}

// Address returns the configured address.
func (s *ClusterAdminServer) Address() string { return s.address }

// URL returns the service endpoint URL.
func (s *ClusterAdminServer) URL() string {
	return "http://" + s.listener.Addr().String() + ClusterAdminPath
}

// Close shuts the server down.
func (s *ClusterAdminServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}

// ClusterAdminClient calls a ClusterAdminService.
type ClusterAdminClient struct {
	endpoint   string
	httpClient *http.Client
	config     BaseConfig
}

// NewClusterAdminClient creates a client for endpoint. config.Timeout bounds
// each HTTP request; config.RetryAttempts retries transport failures.
func NewClusterAdminClient(endpoint string, config BaseConfig) *ClusterAdminClient {
	config.ApplyDefaults()
	return &ClusterAdminClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}
}

// GetSettings fetches all worker settings.
func (c *ClusterAdminClient) GetSettings(ctx context.Context) ([]ClusterSetting, error) {
	var reply GetSettingsReply
	if err := c.call(ctx, "Cluster.GetSettings", &GetSettingsArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Settings, nil
}

// PutSetting writes one setting.
func (c *ClusterAdminClient) PutSetting(ctx context.Context, workerID, key, value string) error {
	return c.call(ctx, "Cluster.PutSetting", &PutSettingArgs{WorkerID: workerID, Key: key, Value: value}, &PutSettingReply{})
}

// Workers lists the registered workers.
func (c *ClusterAdminClient) Workers(ctx context.Context) (WorkersReply, error) {
	var reply WorkersReply
	err := c.call(ctx, "Cluster.Workers", &WorkersArgs{}, &reply)
	return reply, err
}

func (c *ClusterAdminClient) call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return NewSerializationError("failed to encode admin request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := 100 * time.Millisecond * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return NewTransportError("failed to create admin request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = NewTransportError("admin request failed", err).WithContext("method", method)
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}
		err = decodeAdminResponse(resp, reply)
		if err != nil {
			return err
		}
		return nil
	}
	return lastErr
}

func decodeAdminResponse(resp *http.Response, reply any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewTransportError("admin request rejected", nil).WithContext("status", resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		if rpcErr, ok := err.(*json2.Error); ok {
			return NewRPCError(rpcErr.Message, nil).WithContext("rpc_code", int(rpcErr.Code))
		}
		return NewSerializationError("failed to decode admin response", err)
	}
	return nil
}
