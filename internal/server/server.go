// Package server is the client-facing HTTP surface: the batch sync
// endpoint, the health summary and the Prometheus scrape handler.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/cluster"
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
	"github.com/fluxgrid/fluxgrid/internal/service"
)

// HttpSyncRequest is one client sync round: pending operations to apply
// and the maps to pull deltas for.
type HttpSyncRequest struct {
	ClientID   string              `json:"clientId"`
	ClientHlc  string              `json:"clientHlc,omitempty"`
	Operations []protocol.ClientOp `json:"operations,omitempty"`
	SyncMaps   []SyncMapRequest    `json:"syncMaps,omitempty"`
}

// SyncMapRequest pulls one map's changes since the given HLC string; an
// empty Since pulls the full map.
type SyncMapRequest struct {
	MapName string `json:"mapName"`
	Since   string `json:"since,omitempty"`
}

// MapDelta is one changed record in a sync response.
type MapDelta struct {
	MapName   string  `json:"mapName"`
	Key       string  `json:"key"`
	Value     any     `json:"value,omitempty"`
	Timestamp string  `json:"timestamp"`
	TTLMs     *uint64 `json:"ttlMs,omitempty"`
	EventType string  `json:"eventType"`
}

// HttpSyncResponse answers a sync round.
type HttpSyncResponse struct {
	ServerHlc string          `json:"serverHlc"`
	Ack       *protocol.OpAck `json:"ack,omitempty"`
	Deltas    []MapDelta      `json:"deltas,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
}

// ClusterHealth is the /health summary.
type ClusterHealth struct {
	NodeID           string         `json:"nodeId"`
	Ready            bool           `json:"ready"`
	MasterID         string         `json:"masterId,omitempty"`
	Members          map[string]int `json:"members"`
	PartitionVersion uint64         `json:"partitionVersion"`
	OwnedPartitions  int            `json:"ownedPartitions"`
	ActiveMigrations int            `json:"activeMigrations"`
	Services         []string       `json:"services"`
}

// Server serves the HTTP API for one node.
type Server struct {
	router     *operation.Router
	container  *service.Container
	clock      *hlc.HLC
	state      *cluster.State
	table      *partition.Table
	migrations *cluster.MigrationManager
	logger     *zap.Logger

	http *http.Server
}

// Options configures the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New wires the HTTP server and its routes.
func New(router *operation.Router, container *service.Container, clock *hlc.HLC,
	state *cluster.State, migrations *cluster.MigrationManager, opts Options,
	logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:     router,
		container:  container,
		clock:      clock,
		state:      state,
		table:      state.Table(),
		migrations: migrations,
		logger:     logger,
	}

	m := mux.NewRouter()
	m.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	m.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      m,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Start serves until Shutdown; it blocks like http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req HttpSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed sync request: "+err.Error())
		return
	}
	if req.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	resp := HttpSyncResponse{}

	if req.ClientHlc != "" {
		remote, err := hlc.Parse(req.ClientHlc)
		if err != nil {
			resp.Errors = append(resp.Errors, "bad clientHlc: "+err.Error())
		} else if err := s.clock.Update(remote); err != nil {
			// Strict mode refuses writes from clients too far ahead.
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if len(req.Operations) > 0 {
		batch := &protocol.OpBatch{Ops: req.Operations}
		reply, err := s.router.Dispatch(r.Context(), req.ClientID, operation.OriginClient, batch)
		if err != nil {
			status := http.StatusInternalServerError
			if griderr.CodeOf(err) == griderr.CodeOverloaded {
				status = http.StatusServiceUnavailable
			}
			s.writeError(w, status, err.Error())
			return
		}
		if ack, ok := reply.(*protocol.OpAck); ok {
			resp.Ack = ack
		}
	}

	for _, sm := range req.SyncMaps {
		deltas, err := s.mapDeltas(sm)
		if err != nil {
			resp.Errors = append(resp.Errors, sm.MapName+": "+err.Error())
			continue
		}
		resp.Deltas = append(resp.Deltas, deltas...)
	}

	resp.ServerHlc = s.clock.Now().String()
	s.writeJSON(w, http.StatusOK, resp)
}

// mapDeltas lists the LWW records of one map changed after since. The
// boundary instant itself is excluded: the client already holds it.
func (s *Server) mapDeltas(sm SyncMapRequest) ([]MapDelta, error) {
	var since hlc.Timestamp
	if sm.Since != "" {
		parsed, err := hlc.Parse(sm.Since)
		if err != nil {
			return nil, err
		}
		since = parsed
	}

	lww, ok := s.container.LookupLWW(sm.MapName)
	if !ok {
		return nil, nil
	}
	var deltas []MapDelta
	for key, rec := range lww.Records() {
		if sm.Since != "" && !rec.Timestamp.After(since) {
			continue
		}
		delta := MapDelta{
			MapName:   sm.MapName,
			Key:       key,
			Timestamp: rec.Timestamp.String(),
			TTLMs:     rec.TTLMillis,
			EventType: protocol.EventRemove,
		}
		if rec.Value != nil {
			delta.Value = *rec.Value
			delta.EventType = protocol.EventPut
		}
		deltas = append(deltas, delta)
	}
	return deltas, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := s.state.View()
	members := make(map[string]int)
	for _, m := range view.Members {
		members[string(m.State)]++
	}
	masterID := ""
	if master, ok := view.Master(); ok {
		masterID = master.NodeID
	}

	health := ClusterHealth{
		NodeID:           s.clock.NodeID(),
		Ready:            s.router.Ready(),
		MasterID:         masterID,
		Members:          members,
		PartitionVersion: s.table.Version(),
		OwnedPartitions:  len(s.table.OwnedBy(s.clock.NodeID())),
		ActiveMigrations: len(s.migrations.Active()),
		Services:         s.router.Services(),
	}
	status := http.StatusOK
	if !health.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
