package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"
)

const apiKeyEnv = "INSTALL_API_KEY"
const listenHostEnv = "INSTALL_API_HOST"
const listenPortEnv = "INSTALL_API_PORT"
const dbPathEnv = "INSTALL_API_DB_PATH"
const sshTimeoutEnv = "INSTALL_API_SSH_TIMEOUT_SECONDS"
const execTimeoutEnv = "INSTALL_API_EXEC_TIMEOUT_SECONDS"

const dbFileName = "protection.db"
const installEndpoint = "/api/install"

var scriptNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type appConfig struct {
	Host           string
	Port           int
	APIKey         string
	DBPath         string
	DataDir        string
	TasksDir       string
	ScriptsBaseURL string
	SSHTimeout     time.Duration
	ExecTimeout    time.Duration
	TaskFileMaxAge time.Duration
	Protection     ProtectionConfig
}

func parseIntEnvWithDefault(envKey string, defaultValue int) int {
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %d", envKey, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

func parseFloatEnvWithDefault(envKey string, defaultValue float64) float64 {
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %v", envKey, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func defaultDBPath() string {
	if p := strings.TrimSpace(os.Getenv(dbPathEnv)); p != "" {
		return p
	}
	if dirExists("/data") {
		return filepath.Join("/data", dbFileName)
	}
	return filepath.Join("data", dbFileName)
}

func loadAppConfigFromEnv() appConfig {
	cfg := appConfig{
		Host:           strings.TrimSpace(os.Getenv(listenHostEnv)),
		APIKey:         strings.TrimSpace(os.Getenv(apiKeyEnv)),
		DBPath:         defaultDBPath(),
		DataDir:        strings.TrimSpace(os.Getenv(dataDirEnv)),
		TasksDir:       strings.TrimSpace(os.Getenv(tasksDirEnv)),
		ScriptsBaseURL: strings.TrimSpace(os.Getenv(scriptsBaseURLEnv)),
		Protection:     loadProtectionConfigFromEnv(),
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	cfg.Port = parseIntEnvWithDefault(listenPortEnv, 8080)
	if cfg.Port < 1 || cfg.Port > 65535 {
		log.Printf("Invalid %s=%d, using default 8080", listenPortEnv, cfg.Port)
		cfg.Port = 8080
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.TasksDir == "" {
		cfg.TasksDir = filepath.Join(filepath.Dir(cfg.DBPath), "tasks")
	}
	if cfg.ScriptsBaseURL == "" {
		cfg.ScriptsBaseURL = defaultScriptsBaseURL
	}

	sshTimeout := parseIntEnvWithDefault(sshTimeoutEnv, 15)
	if sshTimeout < 1 {
		log.Printf("Invalid %s=%d, must be >= 1, using default 15", sshTimeoutEnv, sshTimeout)
		sshTimeout = 15
	}
	cfg.SSHTimeout = time.Duration(sshTimeout) * time.Second

	execTimeout := parseIntEnvWithDefault(execTimeoutEnv, 3600)
	if execTimeout < 1 {
		log.Printf("Invalid %s=%d, must be >= 1, using default 3600", execTimeoutEnv, execTimeout)
		execTimeout = 3600
	}
	cfg.ExecTimeout = time.Duration(execTimeout) * time.Second

	defaultMaxAge := int(defaultTaskFileMaxAge / time.Second)
	taskMaxAge := parseIntEnvWithDefault(taskFileMaxAgeEnv, defaultMaxAge)
	if taskMaxAge < 1 {
		log.Printf("Invalid %s=%d, must be >= 1, using default %d", taskFileMaxAgeEnv, taskMaxAge, defaultMaxAge)
		taskMaxAge = defaultMaxAge
	}
	cfg.TaskFileMaxAge = time.Duration(taskMaxAge) * time.Second

	return cfg
}

func stringsEqualConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// apiKeyMiddleware guards write endpoints when a key is configured. The key
// is accepted from the X-API-Key header or the api_key query parameter.
func apiKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		provided := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if provided == "" {
			provided = strings.TrimSpace(c.Query("api_key"))
		}
		if !stringsEqualConstantTime(provided, apiKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid or missing API key",
			})
			return
		}
		c.Next()
	}
}

func isValidScriptName(name string) bool {
	return scriptNamePattern.MatchString(name)
}

func isValidServerIP(value string) bool {
	return net.ParseIP(strings.TrimSpace(value)) != nil
}

// reportExecution maps one execution result onto the external response
// shape. It never adds information that is not present in the result.
func reportExecution(res ExecutionResult) gin.H {
	body := gin.H{"success": res.Succeeded, "output": nil, "error": nil}
	if res.Output != "" {
		body["output"] = res.Output
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	return body
}

// reportDenial maps an admission denial onto the external response shape,
// attaching the offending address and the request count when the limiter
// produced one.
func reportDenial(decision admissionDecision, address string) gin.H {
	body := gin.H{
		"success":    false,
		"error":      decision.Reason,
		"blocked_ip": address,
	}
	if decision.Count > 0 {
		body["requests_count"] = decision.Count
	}
	return body
}

type apiServer struct {
	cfg      appConfig
	gate     *admissionGate
	registry *blockRegistry
	catalog  *scriptCatalog
	tasks    *taskTracker
	executor *orchestrator
}

type installRequest struct {
	ScriptName string `json:"script_name"`
	ServerIP   string `json:"server_ip"`
	Password   string `json:"server_root_password"`
	Additional string `json:"additional"`
}

func (req installRequest) missingFields() []string {
	var missing []string
	if strings.TrimSpace(req.ScriptName) == "" {
		missing = append(missing, "script_name")
	}
	if strings.TrimSpace(req.ServerIP) == "" {
		missing = append(missing, "server_ip")
	}
	if req.Password == "" {
		missing = append(missing, "server_root_password")
	}
	return missing
}

func (s *apiServer) handleInstall(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid or missing JSON body"})
		return
	}
	if missing := req.missingFields(); len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Missing required fields: " + strings.Join(missing, ", "),
		})
		return
	}
	req.ScriptName = strings.TrimSpace(req.ScriptName)
	req.ServerIP = strings.TrimSpace(req.ServerIP)
	if !isValidScriptName(req.ScriptName) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid script_name format"})
		return
	}
	if !isValidServerIP(req.ServerIP) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid server_ip format"})
		return
	}

	address := strings.TrimSpace(c.ClientIP())
	decision := s.gate.Check(address, installEndpoint, time.Now())
	if decision.StorageFailed {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": decision.Reason})
		return
	}
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, reportDenial(decision, address))
		return
	}

	if s.executor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "SSH capability unavailable"})
		return
	}

	taskID := installTaskID(req.ScriptName, req.ServerIP, req.Additional)
	ex := newExecution()
	if _, err := s.tasks.Begin(taskID, req.ScriptName, req.ServerIP, ex); err != nil {
		if errors.Is(err, errTaskInProgress) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error(), "task_id": taskID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to register task"})
		return
	}

	command, err := s.catalog.Resolve(req.ScriptName, req.Additional)
	if err != nil {
		// The task never started; release its pin so a corrected request
		// is not mistaken for a duplicate.
		s.tasks.Abort(taskID)
		if kind, ok := executionErrorKind(err); ok && kind == errKindScriptNotFound {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to resolve script"})
		return
	}

	execReq := ExecutionRequest{
		ScriptName:   req.ScriptName,
		ServerIP:     req.ServerIP,
		RootPassword: req.Password,
		Additional:   req.Additional,
		Command:      command,
	}
	go s.runInstallTask(taskID, execReq, ex)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"task_id": taskID,
		"message": "Installation started",
	})
}

func (s *apiServer) runInstallTask(taskID string, req ExecutionRequest, ex *execution) {
	res := s.executor.Execute(context.Background(), req, ex)
	s.tasks.Complete(taskID, res)
	if res.Succeeded {
		log.Printf("Install task %s (%s on %s) completed", taskID, req.ScriptName, req.ServerIP)
	} else {
		log.Printf("Install task %s (%s on %s) failed: %v", taskID, req.ScriptName, req.ServerIP, res.Err)
	}
}

func (s *apiServer) handleInstallStatus(c *gin.Context) {
	taskID := strings.TrimSpace(c.Param("task_id"))
	status, output, errMsg, found := s.tasks.Lookup(taskID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Task not found"})
		return
	}
	body := gin.H{
		"success": true,
		"task_id": taskID,
		"status":  status,
		"output":  output,
		"error":   nil,
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	c.JSON(http.StatusOK, body)
}

func (s *apiServer) handleScriptsList(c *gin.Context) {
	lang := c.DefaultQuery("lang", defaultLang)
	scripts, err := s.catalog.List(lang)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Data file not found", "scripts": []any{}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "scripts": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(scripts), "scripts": scripts})
}

func (s *apiServer) handleScriptGet(c *gin.Context) {
	lang := c.DefaultQuery("lang", defaultLang)
	scriptName := c.Param("script_name")
	script, err := s.catalog.Find(lang, scriptName)
	if err != nil {
		if errors.Is(err, errScriptNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "Script with script_name \"" + scriptName + "\" not found",
				"result":  nil,
			})
			return
		}
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Data file not found", "result": nil})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "result": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": script})
}

func (s *apiServer) handleProtectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"enabled":              s.cfg.Protection.Enabled,
		"max_requests":         s.cfg.Protection.MaxRequests,
		"window_seconds":       s.cfg.Protection.WindowSeconds,
		"block_duration_hours": s.cfg.Protection.BlockDurationHours,
	})
}

func (s *apiServer) handleProtectionBlocked(c *gin.Context) {
	entries, err := s.registry.ListBlocked(time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": errStorageUnavailable.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(entries), "blocked_ips": entries})
}

type blockIPRequest struct {
	IPAddress     string  `json:"ip_address"`
	Reason        string  `json:"reason"`
	Permanent     bool    `json:"permanent"`
	DurationHours float64 `json:"duration_hours"`
}

func (s *apiServer) handleProtectionBlock(c *gin.Context) {
	var req blockIPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid or missing JSON body"})
		return
	}
	if !isValidServerIP(req.IPAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid ip_address format"})
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = manualBlockReason
	}
	duration := s.cfg.Protection.blockDuration()
	if req.DurationHours > 0 {
		duration = time.Duration(req.DurationHours * float64(time.Hour))
	}
	address := strings.TrimSpace(req.IPAddress)
	if err := s.registry.Block(address, reason, req.Permanent, duration, time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": errStorageUnavailable.Error()})
		return
	}
	log.Printf("IP %s blocked: %s", address, reason)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "IP blocked", "ip_address": address})
}

func (s *apiServer) handleProtectionUnblock(c *gin.Context) {
	var req struct {
		IPAddress string `json:"ip_address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid or missing JSON body"})
		return
	}
	address := strings.TrimSpace(req.IPAddress)
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields: ip_address"})
		return
	}
	if err := s.registry.Unblock(address); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": errStorageUnavailable.Error()})
		return
	}
	log.Printf("IP %s unblocked", address)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "IP unblocked", "ip_address": address})
}

func (s *apiServer) handleProtectionStats(c *gin.Context) {
	address := strings.TrimSpace(c.Query("ip_address"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	records, err := s.gate.ledger().Stats(address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": errStorageUnavailable.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(records), "requests": records})
}

func newRouter(s *apiServer) *gin.Engine {
	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "Install Scripts API",
			"version": "1.0.0",
			"endpoints": gin.H{
				"/":                             "API information (this page)",
				"/health":                       "Health check endpoint",
				"/api/scripts_list":             "List all available installation scripts (supports ?lang=ru|en)",
				"/api/script/<script_name>":     "Get information about a single script (supports ?lang=ru|en)",
				"/api/install":                  "Run an installation script on a remote server (POST)",
				"/api/install/status/<task_id>": "Get the status and output of an installation task",
				"/api/protection/status":        "Rate limiting configuration",
				"/api/protection/blocked":       "List currently blocked IPs",
				"/api/protection/block":         "Manually block an IP (POST)",
				"/api/protection/unblock":       "Unblock an IP (POST)",
				"/api/protection/stats":         "Recent request log entries",
			},
		})
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "message": "API is running"})
	})

	r.GET("/api/scripts_list", s.handleScriptsList)
	r.GET("/api/script/:script_name", s.handleScriptGet)

	protected := r.Group("/", apiKeyMiddleware(s.cfg.APIKey))
	protected.POST("/api/install", s.handleInstall)
	protected.GET("/api/install/status/:task_id", s.handleInstallStatus)
	protected.GET("/api/protection/status", s.handleProtectionStatus)
	protected.GET("/api/protection/blocked", s.handleProtectionBlocked)
	protected.POST("/api/protection/block", s.handleProtectionBlock)
	protected.POST("/api/protection/unblock", s.handleProtectionUnblock)
	protected.GET("/api/protection/stats", s.handleProtectionStats)

	return r
}

func main() {
	_ = godotenv.Load()
	cfg := loadAppConfigFromEnv()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	db, err := openProtectionDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open protection database: %v", err)
	}
	store := newSQLiteProtectionStore(db)
	gate := newAdmissionGate(cfg.Protection, store)
	if cfg.Protection.Enabled {
		log.Printf("Rate limiter initialized: max %d requests per %d seconds", cfg.Protection.MaxRequests, cfg.Protection.WindowSeconds)
	} else {
		log.Printf("Rate limiter is disabled")
	}
	if cfg.APIKey == "" {
		log.Printf("API key auth is disabled (set %s to enable it)", apiKeyEnv)
	}

	server := &apiServer{
		cfg:      cfg,
		gate:     gate,
		registry: &blockRegistry{store: store},
		catalog:  newScriptCatalog(cfg.DataDir, cfg.ScriptsBaseURL),
		tasks:    newTaskTracker(cfg.TasksDir),
		executor: newOrchestrator(cfg.SSHTimeout, cfg.ExecTimeout),
	}
	server.tasks.startCleanup(context.Background(), cfg.TaskFileMaxAge)

	r := newRouter(server)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	log.Printf("Starting install scripts API on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
