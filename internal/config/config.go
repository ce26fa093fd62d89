package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Environment string
	DataDir     string
	LogFile     string

	BaseURL          string
	OrgName          string
	TenantName       string
	AccessToken      string
	AccessTokenFile  string
	DefaultFolderKey string
	HTTPTimeoutSec   int
	TLSSkipVerify    bool
	TLSCAFile        string

	ProcessesPollSec  int
	ProcessesStaleSec int
	InstancesPollSec  int
	InstancesStaleSec int
	InstancePollSec   int
	InstanceStaleSec  int
	BpmnPollSec       int
	BpmnStaleSec      int
	HistoryPollSec    int
	HistoryStaleSec   int
	VariablesPollSec  int
	VariablesStaleSec int

	EvictionGraceSec    int
	CancelConfirmTTLSec int
	HealthStaleSec      int

	AuditEnabled bool
	AuditDBPath  string

	MCPAddr string
}

func FromEnv() Config {
	dataDir := stringOrDefault("MAESTRO_DATA_DIR", defaultDataDir())

	return Config{
		Environment: stringOrDefault("MAESTRO_ENV", "development"),
		DataDir:     dataDir,
		LogFile:     stringOrDefault("MAESTRO_LOG_FILE", filepath.Join(dataDir, "maestro-console.log")),

		BaseURL:          strings.TrimRight(stringOrDefault("MAESTRO_BASE_URL", "https://cloud.uipath.com"), "/"),
		OrgName:          strings.TrimSpace(os.Getenv("MAESTRO_ORG_NAME")),
		TenantName:       strings.TrimSpace(os.Getenv("MAESTRO_TENANT_NAME")),
		AccessToken:      strings.TrimSpace(os.Getenv("MAESTRO_ACCESS_TOKEN")),
		AccessTokenFile:  strings.TrimSpace(os.Getenv("MAESTRO_ACCESS_TOKEN_FILE")),
		DefaultFolderKey: strings.TrimSpace(os.Getenv("MAESTRO_DEFAULT_FOLDER_KEY")),
		HTTPTimeoutSec:   intOrDefault("MAESTRO_HTTP_TIMEOUT_SECONDS", 30),
		TLSSkipVerify:    boolOrDefault("MAESTRO_TLS_SKIP_VERIFY", false),
		TLSCAFile:        strings.TrimSpace(os.Getenv("MAESTRO_TLS_CA_FILE")),

		ProcessesPollSec:  intOrDefault("MAESTRO_PROCESSES_POLL_SECONDS", 30),
		ProcessesStaleSec: intOrDefault("MAESTRO_PROCESSES_STALE_SECONDS", 30),
		InstancesPollSec:  intOrDefault("MAESTRO_INSTANCES_POLL_SECONDS", 10),
		InstancesStaleSec: intOrDefault("MAESTRO_INSTANCES_STALE_SECONDS", 10),
		InstancePollSec:   intOrDefault("MAESTRO_INSTANCE_POLL_SECONDS", 5),
		InstanceStaleSec:  intOrDefault("MAESTRO_INSTANCE_STALE_SECONDS", 5),
		BpmnPollSec:       intOrDefault("MAESTRO_BPMN_POLL_SECONDS", 10),
		BpmnStaleSec:      intOrDefault("MAESTRO_BPMN_STALE_SECONDS", 30),
		HistoryPollSec:    intOrDefault("MAESTRO_HISTORY_POLL_SECONDS", 5),
		HistoryStaleSec:   intOrDefault("MAESTRO_HISTORY_STALE_SECONDS", 5),
		VariablesPollSec:  intOrDefault("MAESTRO_VARIABLES_POLL_SECONDS", 10),
		VariablesStaleSec: intOrDefault("MAESTRO_VARIABLES_STALE_SECONDS", 10),

		EvictionGraceSec:    nonNegativeIntOrDefault("MAESTRO_EVICTION_GRACE_SECONDS", 0),
		CancelConfirmTTLSec: intOrDefault("MAESTRO_CANCEL_CONFIRM_TTL_SECONDS", 120),
		HealthStaleSec:      intOrDefault("MAESTRO_HEALTH_STALE_SECONDS", 90),

		AuditEnabled: boolOrDefault("MAESTRO_AUDIT_ENABLED", true),
		AuditDBPath:  stringOrDefault("MAESTRO_AUDIT_DB_PATH", filepath.Join(dataDir, "audit.sqlite")),

		MCPAddr: strings.TrimSpace(os.Getenv("MAESTRO_MCP_ADDR")),
	}
}

// Validate reports settings the registry client cannot work without.
func (c Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.BaseURL) == "" {
		problems = append(problems, errors.New("MAESTRO_BASE_URL is required"))
	}
	if strings.TrimSpace(c.OrgName) == "" {
		problems = append(problems, errors.New("MAESTRO_ORG_NAME is required"))
	}
	if strings.TrimSpace(c.TenantName) == "" {
		problems = append(problems, errors.New("MAESTRO_TENANT_NAME is required"))
	}
	if strings.TrimSpace(c.AccessToken) == "" && strings.TrimSpace(c.AccessTokenFile) == "" {
		problems = append(problems, errors.New("MAESTRO_ACCESS_TOKEN or MAESTRO_ACCESS_TOKEN_FILE is required"))
	}
	return errors.Join(problems...)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && strings.TrimSpace(dir) != "" {
		return filepath.Join(dir, "maestro-console")
	}
	return filepath.Join(os.TempDir(), "maestro-console")
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func nonNegativeIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
