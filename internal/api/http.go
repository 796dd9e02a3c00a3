package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/openmifare/mcrw-agent/internal/agent"
	"github.com/openmifare/mcrw-agent/internal/logging"
	"github.com/openmifare/mcrw-agent/internal/mifare"
	"github.com/openmifare/mcrw-agent/internal/reader"
	"github.com/openmifare/mcrw-agent/internal/settings"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// Operations is the card operation surface the API serves. The production
// implementation runs real PC/SC; tests inject a simulated one.
type Operations interface {
	ListReaders() ([]reader.Reader, error)
	Execute(readerName string, req agent.Request) (*agent.Result, error)
	ReadUID(readerName string) (string, error)
}

// agentOperations backs Operations with the agent package and a context
// factory.
type agentOperations struct {
	factory reader.ContextFactory
}

func (a agentOperations) ListReaders() ([]reader.Reader, error) {
	return agent.ListReaders(a.factory)
}

func (a agentOperations) Execute(readerName string, req agent.Request) (*agent.Result, error) {
	return agent.Execute(a.factory, readerName, req)
}

func (a agentOperations) ReadUID(readerName string) (string, error) {
	return agent.ReadUID(a.factory, readerName)
}

var ops Operations = agentOperations{factory: reader.DefaultContextFactory{}}

// SetOps replaces the operation backend. Used by tests.
func SetOps(o Operations) {
	ops = o
}

// shutdownHandler is called when a shutdown is requested via API
var shutdownHandler func()

// SetShutdownHandler sets the callback for shutdown requests
func SetShutdownHandler(handler func()) {
	shutdownHandler = handler
}

// NewMux constructs and returns the HTTP mux for the API.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/readers", corsMiddleware(handleListReaders))
	mux.HandleFunc("/v1/readers/", corsMiddleware(handleReaderRoutes)) // Note the trailing slash for sub-paths
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(handleShutdown))
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				// Send to Sentry if enabled
				logging.CapturePanic(rec, stack, context)

				// Log to in-memory logger
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				// Write crash log to file
				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				// Print to stderr
				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				// Send 500 response
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Wrap with recovery middleware
		recoveryMiddleware(next)(w, r)
	}
}

func handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	readers, err := ops.ListReaders()
	if err != nil {
		logging.Error(logging.CatReader, "Failed to list readers", map[string]any{
			"error": err.Error(),
		})
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, readers)
}

func handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/readers/{index}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing endpoint (use /mifare or /uid)",
		})
		return
	}

	readerIndex, err := strconv.Atoi(parts[2])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reader index",
		})
		return
	}

	readers, err := ops.ListReaders()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "reader index out of range",
		})
		return
	}

	readerName := readers[readerIndex].Name

	switch parts[3] {
	case "mifare":
		handleMifareOp(w, r, readerName)
	case "uid":
		handleReaderUID(w, r, readerName)
	default:
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown endpoint",
		})
	}
}

// handleMifareOp executes one logical card operation.
// POST /v1/readers/{n}/mifare with an operation request body.
func handleMifareOp(w http.ResponseWriter, r *http.Request, readerName string) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req agent.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	if !agent.KnownOp(req.Op) {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown operation %q", req.Op),
		})
		return
	}

	result, err := ops.Execute(readerName, req)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Mifare operation failed", map[string]any{
			"reader": readerName,
			"op":     req.Op,
			"error":  err.Error(),
		})
		respondJSON(w, operationErrorStatus(err), map[string]string{
			"error": err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleReaderUID reads the UID of the card on the reader.
// GET /v1/readers/{n}/uid
func handleReaderUID(w http.ResponseWriter, r *http.Request, readerName string) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	uid, err := ops.ReadUID(readerName)
	if err != nil {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"uid": uid,
	})
}

// operationErrorStatus maps operation failures to HTTP statuses: caller
// mistakes are 400, card refusals are 502, transport trouble is 500.
func operationErrorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrUnknownOp),
		errors.Is(err, mifare.ErrInvalidKey),
		errors.Is(err, mifare.ErrBlockRange),
		errors.Is(err, mifare.ErrSectorRange),
		errors.Is(err, mifare.ErrSectorTrailer),
		errors.Is(err, mifare.ErrDataLength),
		errors.Is(err, mifare.ErrDataEncoding):
		return http.StatusBadRequest
	}

	var statusErr *mifare.StatusError
	if errors.As(err, &statusErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// Check if we can list readers (basic health check)
	readers, err := ops.ListReaders()
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"readerCount": len(readers),
	})
}

func handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if shutdownHandler == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go func() {
		shutdownHandler()
	}()
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		// Min level filter
		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			switch strings.ToLower(levelStr) {
			case "debug":
				l := logging.LevelDebug
				minLevel = &l
			case "info":
				l := logging.LevelInfo
				minLevel = &l
			case "warn":
				l := logging.LevelWarn
				minLevel = &l
			case "error":
				l := logging.LevelError
				minLevel = &l
			}
		}

		// Category filter
		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		entries := logging.Get().GetEntries(limit, minLevel, category)
		stats := logging.Get().Stats()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"stats":   stats,
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	// Check if requesting a specific crash log
	filename := query.Get("file")
	if filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
			if limit > 100 {
				limit = 100
			}
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s := settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting":  s.CrashReporting,
			"preferredReader": s.PreferredReader,
		})

	case http.MethodPost:
		var req struct {
			CrashReporting  *bool   `json:"crashReporting"`
			PreferredReader *string `json:"preferredReader"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.CrashReporting != nil {
			if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}
		if req.PreferredReader != nil {
			if err := settings.SetPreferredReader(*req.PreferredReader); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}

		s := settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting":  s.CrashReporting,
			"preferredReader": s.PreferredReader,
			"message":         "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}
