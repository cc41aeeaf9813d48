// Package server exposes the custody engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trackware/custodyd/coordinator"
	"github.com/trackware/custodyd/faults"
	"github.com/trackware/custodyd/monitor"
	"github.com/trackware/custodyd/queue"
	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/repository/models"
	"github.com/trackware/custodyd/scanner"
	"github.com/trackware/custodyd/telemetry"
	"github.com/trackware/custodyd/wallet"
)

// WebServer handles HTTP requests.
type WebServer struct {
	httpAddr    string
	server      *http.Server
	logger      cmtlog.Logger
	nodeID      string
	startTime   time.Time
	coordinator *coordinator.Coordinator
	ingestor    *telemetry.Ingestor
	pending     *queue.Queue
	monitor     *monitor.Monitor
	repository  *repository.Repository
	resolver    *scanner.Resolver
}

// NewWebServer wires the engine's entry points into an HTTP mux.
func NewWebServer(
	nodeID, httpPort string,
	coord *coordinator.Coordinator,
	ingestor *telemetry.Ingestor,
	pending *queue.Queue,
	mon *monitor.Monitor,
	repo *repository.Repository,
	resolver *scanner.Resolver,
	logger cmtlog.Logger,
) *WebServer {
	mux := http.NewServeMux()

	ws := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		logger:      logger,
		nodeID:      nodeID,
		startTime:   time.Now(),
		coordinator: coord,
		ingestor:    ingestor,
		pending:     pending,
		monitor:     mon,
		repository:  repo,
		resolver:    resolver,
	}

	// Register routes
	mux.HandleFunc("/", ws.handleRoot)
	mux.HandleFunc("/health", ws.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/items", ws.handleItems)
	mux.HandleFunc("/items/", ws.handleItemAPI)
	mux.HandleFunc("/transfers", ws.handleTransfers)
	mux.HandleFunc("/transfers/", ws.handleTransferAPI)
	mux.HandleFunc("/telemetry", ws.handleTelemetry)
	mux.HandleFunc("/alerts/", ws.handleAlertAPI)
	mux.HandleFunc("/scans", ws.handleScans)
	mux.HandleFunc("/parties", ws.handleParties)
	mux.HandleFunc("/pending", ws.handlePending)
	mux.HandleFunc("/pending/drain", ws.handleDrain)

	return ws
}

// Start starts the web server.
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := ws.monitor.LastStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":         ws.nodeID,
		"uptime":          time.Since(ws.startTime).String(),
		"ledger_online":   status.Online,
		"store_reachable": status.StoreReachable,
		"degraded":        ws.monitor.IsDegraded(),
		"pending_ops":     ws.pending.Count(),
		"dead_letters":    ws.pending.DeadCount(),
	})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := ws.monitor.LastStatus()
	code := http.StatusOK
	if ws.monitor.IsDegraded() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ledger_online":   status.Online,
		"store_reachable": status.StoreReachable,
		"degraded":        ws.monitor.IsDegraded(),
	})
}

func (ws *WebServer) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var input coordinator.RegisterItemInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	result, err := ws.coordinator.RegisterItem(r.Context(), input)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleItemAPI routes /items/{id} and /items/{id}/thresholds.
func (ws *WebServer) handleItemAPI(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		JSONError(w, "Invalid item ID", http.StatusBadRequest)
		return
	}
	itemID := pathParts[2]

	switch {
	case len(pathParts) == 3 && r.Method == http.MethodGet:
		item, err := ws.repository.GetItem(r.Context(), itemID)
		if err != nil {
			ws.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(pathParts) == 4 && pathParts[3] == "thresholds" && r.Method == http.MethodPut:
		var cfg models.ThresholdConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			JSONError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		cfg.ItemID = itemID
		if err := ws.repository.PutThreshold(r.Context(), &cfg); err != nil {
			ws.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)

	default:
		JSONError(w, "Not found", http.StatusNotFound)
	}
}

type transferRequest struct {
	ItemID     string `json:"item_id"`
	ToParty    string `json:"to_party"`
	ToLocation string `json:"to_location"`
	Notes      string `json:"notes,omitempty"`
}

func (ws *WebServer) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	result, err := ws.coordinator.InitiateTransfer(r.Context(), req.ItemID, req.ToParty, req.ToLocation, req.Notes)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type transferActionRequest struct {
	Party    string `json:"party,omitempty"`
	Location string `json:"location,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleTransferAPI routes /transfers/{id} and
// /transfers/{id}/{approve|deliver|confirm|cancel}.
func (ws *WebServer) handleTransferAPI(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		JSONError(w, "Invalid shipment ID", http.StatusBadRequest)
		return
	}
	shipmentID := pathParts[2]

	if len(pathParts) == 3 {
		if r.Method != http.MethodGet {
			JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		shipment, err := ws.repository.GetShipment(r.Context(), shipmentID)
		if err != nil {
			ws.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, shipment)
		return
	}

	if len(pathParts) != 4 || r.Method != http.MethodPost {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	var req transferActionRequest
	if r.Body != nil {
		// An empty body is fine for actions that need no parameters.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var (
		result *coordinator.TransferResult
		err    error
	)
	switch pathParts[3] {
	case "approve":
		result, err = ws.coordinator.ApproveTransfer(r.Context(), shipmentID, req.Party)
	case "deliver":
		result, err = ws.coordinator.CompleteDelivery(r.Context(), shipmentID, req.Location)
	case "confirm":
		result, err = ws.coordinator.ConfirmDelivery(r.Context(), shipmentID, req.Party)
	case "cancel":
		result, err = ws.coordinator.CancelTransfer(r.Context(), shipmentID, req.Reason)
	default:
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		ws.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (ws *WebServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var reading telemetry.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	result, err := ws.ingestor.Ingest(r.Context(), reading)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	code := http.StatusOK
	if result.Acceptance == "pending" {
		code = http.StatusAccepted
	}
	writeJSON(w, code, result)
}

// handleAlertAPI routes /alerts/{id} and /alerts/{id}/ack.
func (ws *WebServer) handleAlertAPI(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		JSONError(w, "Invalid alert ID", http.StatusBadRequest)
		return
	}
	alertID := pathParts[2]

	switch {
	case len(pathParts) == 3 && r.Method == http.MethodGet:
		alert, err := ws.repository.GetAlert(r.Context(), alertID)
		if err != nil {
			ws.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)

	case len(pathParts) == 4 && pathParts[3] == "ack" && r.Method == http.MethodPost:
		alert, err := ws.ingestor.Acknowledge(r.Context(), alertID)
		if err != nil {
			ws.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)

	default:
		JSONError(w, "Not found", http.StatusNotFound)
	}
}

func (ws *WebServer) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var scan scanner.Scan
	if err := json.NewDecoder(r.Body).Decode(&scan); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	item, err := ws.resolver.Resolve(r.Context(), scan)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (ws *WebServer) handleParties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parties, err := ws.repository.ListParties(r.Context())
	if err != nil {
		ws.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parties)
}

func (ws *WebServer) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	letters, err := ws.pending.DeadLetters()
	if err != nil {
		ws.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending_count": ws.pending.Count(),
		"dead_count":    ws.pending.DeadCount(),
		"dead_letters":  letters,
	})
}

// handleDrain triggers an immediate replay pass. Concurrent triggers
// coalesce inside the queue.
func (ws *WebServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := ws.pending.Drain(r.Context()); err != nil {
		ws.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending_count": ws.pending.Count(),
		"dead_count":    ws.pending.DeadCount(),
	})
}

// writeError maps engine errors onto HTTP status codes.
func (ws *WebServer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidInput),
		errors.Is(err, telemetry.ErrInvalidReading),
		errors.Is(err, scanner.ErrInvalidScan),
		errors.Is(err, wallet.ErrInvalidThreshold):
		JSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, scanner.ErrUnknownTag),
		errors.Is(err, wallet.ErrUnknownWallet),
		errors.Is(err, wallet.ErrUnknownOperation):
		JSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, wallet.ErrNotASigner):
		JSONError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, coordinator.ErrShipmentConflict),
		errors.Is(err, coordinator.ErrInvalidTransition),
		errors.Is(err, wallet.ErrTerminal),
		errors.Is(err, wallet.ErrNotYetApproved):
		JSONError(w, err.Error(), http.StatusConflict)
	case faults.IsTransient(err):
		JSONError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		ws.logger.Error("Request failed", "err", err)
		JSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, struct {
		Error string `json:"error"`
	}{Error: message})
}
