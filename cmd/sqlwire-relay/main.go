// Command sqlwire-relay serves the sqlwire relay protocol over gRPC, backed
// by an embedded SQLite database. Clients dial it with relay://ADDR DSNs.
//
// An optional HTTP listener exposes a JSON status endpoint and a one-shot
// query endpoint for debugging.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sqlwire/sqlwire/internal/wire"
)

var (
	flagDB    = flag.String("db", ":memory:", "SQLite database path")
	flagGRPC  = flag.String("grpc", ":9090", "gRPC listen address")
	flagHTTP  = flag.String("http", "", "HTTP listen address (empty to disable)")
	flagVerbo = flag.Bool("v", false, "Verbose logging")
)

// relay bridges the wire protocol onto a local transport. Each incoming
// fragment becomes a Send/Await pair on the embedded backend, so the relay
// inherits the transport's cancellation semantics for free.
type relay struct {
	backend *wire.SQLiteTransport

	mu      sync.Mutex
	started time.Time
	served  int64
}

func (r *relay) Execute(ctx context.Context, req *wire.RelayExecuteRequest) (*wire.RelayExecuteResponse, error) {
	handleID, err := uuid.Parse(req.HandleID)
	if err != nil {
		return &wire.RelayExecuteResponse{Error: fmt.Sprintf("bad handle id: %v", err)}, nil
	}
	var notices []string
	var noticeMu sync.Mutex
	inner := &wire.Request{
		HandleID: handleID,
		Text:     req.SQL,
		Args:     req.Args,
		IsQuery:  req.IsQuery,
		OnNotice: func(msg string) {
			noticeMu.Lock()
			notices = append(notices, msg)
			noticeMu.Unlock()
		},
	}
	id, err := r.backend.Send(ctx, inner)
	if err != nil {
		return &wire.RelayExecuteResponse{Error: err.Error(), Notices: notices}, nil
	}
	resp, err := r.backend.Await(ctx, id)
	r.mu.Lock()
	r.served++
	r.mu.Unlock()
	if err != nil {
		return &wire.RelayExecuteResponse{Error: err.Error(), Notices: notices}, nil
	}
	out := &wire.RelayExecuteResponse{Notices: notices}
	switch resp.Kind {
	case wire.KindRows:
		out.Kind = wire.RelayKindRows
		out.Columns = resp.Rows.Columns
		out.Rows = resp.Rows.Data
	case wire.KindUpdateCount:
		out.Kind = wire.RelayKindUpdateCount
		out.RowsAffected = resp.RowsAffected
	default:
		out.Kind = wire.RelayKindNone
	}
	if *flagVerbo {
		log.Printf("executed %q for handle %s", req.SQL, req.HandleID)
	}
	return out, nil
}

func (r *relay) Cancel(ctx context.Context, req *wire.RelayCancelRequest) (*wire.RelayCancelResponse, error) {
	handleID, err := uuid.Parse(req.HandleID)
	if err != nil {
		return &wire.RelayCancelResponse{}, nil
	}
	_ = r.backend.CancelRequest(ctx, handleID)
	if *flagVerbo {
		log.Printf("cancel signal for handle %s", req.HandleID)
	}
	return &wire.RelayCancelResponse{}, nil
}

func (r *relay) CloseHandle(_ context.Context, req *wire.RelayCloseRequest) (*wire.RelayCloseResponse, error) {
	handleID, err := uuid.Parse(req.HandleID)
	if err != nil {
		return &wire.RelayCloseResponse{}, nil
	}
	_ = r.backend.CloseHandle(handleID)
	return &wire.RelayCloseResponse{}, nil
}

// HTTP debug surface.

func (r *relay) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	served := r.served
	started := r.started
	r.mu.Unlock()
	writeJSON(w, map[string]any{
		"ok":      true,
		"uptime":  time.Since(started).String(),
		"served":  served,
		"db":      *flagDB,
		"version": "dev",
	})
}

func (r *relay) handleQuery(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		SQL string `json:"sql"`
	}
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp, _ := r.Execute(req.Context(), &wire.RelayExecuteRequest{
		HandleID: uuid.New().String(),
		SQL:      in.SQL,
		IsQuery:  true,
	})
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	flag.Parse()

	backend, err := wire.OpenSQLite(*flagDB)
	if err != nil {
		log.Fatalf("open backend: %v", err)
	}
	defer backend.Close()

	r := &relay{backend: backend, started: time.Now()}
	encoding.RegisterCodec(wire.JSONCodec{})

	lis, err := net.Listen("tcp", *flagGRPC)
	if err != nil {
		log.Fatalf("gRPC listen error: %v", err)
	}
	gs := grpc.NewServer()
	wire.RegisterRelayServer(gs, r)

	if *flagHTTP != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/status", r.handleStatus)
		mux.HandleFunc("/api/query", r.handleQuery)
		go func() {
			log.Printf("HTTP listening on %s", *flagHTTP)
			if err := http.ListenAndServe(*flagHTTP, mux); err != nil {
				log.Printf("HTTP serve error: %v", err)
			}
		}()
	}

	log.Printf("gRPC listening on %s", *flagGRPC)
	if err := gs.Serve(lis); err != nil {
		log.Fatalf("gRPC serve error: %v", err)
	}
}
