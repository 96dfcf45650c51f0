// Package config loads the agent runtime's settings using the same
// three-layer priority the runtime's framework uses: defaults, then
// environment variables, then functional options, in that order, followed
// by a Validate pass that can fail the process at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apexrun/agentruntime/apexerr"
)

// Environment is the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// LogLevel mirrors the runtime's log verbosity knob.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARNING"
	LogError LogLevel = "ERROR"
)

// BackendConfig configures the client to the external orchestrator backend.
type BackendConfig struct {
	Host          string
	HTTPPort      int
	GRPCPort      int
	UseGRPC       bool
	TimeoutSecs   float64
	MaxRetries    int
}

// HTTPBaseURL returns the REST base URL for the backend.
func (b BackendConfig) HTTPBaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.HTTPPort)
}

// RedisConfig configures the task/result/CNP key-value bus.
type RedisConfig struct {
	URL                string
	PoolSize           int
	TaskQueueKey       string
	ResultQueueKey     string
	HeartbeatKeyPrefix string
	HeartbeatTTLSecs   int
}

// LLMConfig configures provider access for the LLM adapter.
type LLMConfig struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
	DefaultModel    string
	TimeoutSecs     float64
	MaxRetries      int
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled        bool
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
	Environment    string
	SampleRate     float64
	ConsoleExport  bool
}

// WorkerConfig configures a single worker process.
type WorkerConfig struct {
	WorkerID                      string
	NumAgents                     int
	PollIntervalSecs              float64
	HeartbeatIntervalSecs         float64
	MaxTaskDurationSecs           int
	GracefulShutdownTimeoutSecs   int
}

// RoutingConfig configures the FrugalGPT cascade router.
type RoutingConfig struct {
	Enabled             bool
	Cascade             []string
	ConfidenceThreshold float64
	MaxEscalations      int
}

// Settings is the fully assembled application configuration.
type Settings struct {
	Environment Environment
	Debug       bool
	LogLevel    LogLevel
	LogJSON     bool

	Backend  BackendConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Tracing  TracingConfig
	Worker   WorkerConfig
	Routing  RoutingConfig
}

// IsProduction reports whether Settings.Environment is production.
func (s *Settings) IsProduction() bool { return s.Environment == EnvProduction }

// IsDevelopment reports whether Settings.Environment is development.
func (s *Settings) IsDevelopment() bool { return s.Environment == EnvDevelopment }

// DefaultCascade is the default cheapest-first model escalation chain.
var DefaultCascade = []string{"gpt-4o-mini", "claude-3-haiku", "gpt-4o", "claude-3.5-sonnet"}

// Default returns Settings populated with the runtime's baked-in defaults,
// matching original_source/config.py field-for-field.
func Default() *Settings {
	return &Settings{
		Environment: EnvDevelopment,
		Debug:       false,
		LogLevel:    LogInfo,
		LogJSON:     true,
		Backend: BackendConfig{
			Host:        "localhost",
			HTTPPort:    8080,
			GRPCPort:    50051,
			UseGRPC:     false,
			TimeoutSecs: 30.0,
			MaxRetries:  3,
		},
		Redis: RedisConfig{
			URL:                "redis://localhost:6379",
			PoolSize:           10,
			TaskQueueKey:       "apex:tasks:queue",
			ResultQueueKey:     "apex:tasks:results",
			HeartbeatKeyPrefix: "apex:workers:heartbeat:",
			HeartbeatTTLSecs:   30,
		},
		LLM: LLMConfig{
			DefaultModel: "gpt-4o-mini",
			TimeoutSecs:  120.0,
			MaxRetries:   3,
		},
		Tracing: TracingConfig{
			Enabled:        true,
			ServiceName:    "apex-agents",
			ServiceVersion: "0.1.0",
			Environment:    "development",
			SampleRate:     1.0,
			ConsoleExport:  false,
		},
		Worker: WorkerConfig{
			NumAgents:                   5,
			PollIntervalSecs:            1.0,
			HeartbeatIntervalSecs:       10.0,
			MaxTaskDurationSecs:         300,
			GracefulShutdownTimeoutSecs: 30,
		},
		Routing: RoutingConfig{
			Enabled:             false,
			Cascade:             append([]string(nil), DefaultCascade...),
			ConfidenceThreshold: 0.7,
			MaxEscalations:      len(DefaultCascade) - 1,
		},
	}
}

// Option is a functional option applied after environment loading, the
// highest-priority layer.
type Option func(*Settings)

func WithEnvironment(env Environment) Option {
	return func(s *Settings) { s.Environment = env }
}

func WithDebug(debug bool) Option {
	return func(s *Settings) { s.Debug = debug }
}

func WithWorkerID(id string) Option {
	return func(s *Settings) { s.Worker.WorkerID = id }
}

func WithNumAgents(n int) Option {
	return func(s *Settings) { s.Worker.NumAgents = n }
}

func WithBackendURL(host string, port int) Option {
	return func(s *Settings) { s.Backend.Host = host; s.Backend.HTTPPort = port }
}

func WithRedisURL(url string) Option {
	return func(s *Settings) { s.Redis.URL = url }
}

// Load builds Settings from defaults, then environment variables, then
// opts, then validates the result. Mirrors core/config.go's NewConfig.
func Load(opts ...Option) (*Settings, error) {
	s := Default()
	s.loadFromEnv()

	for _, opt := range opts {
		opt(s)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) loadFromEnv() {
	// General
	if v, ok := lookup("APEX_ENVIRONMENT"); ok {
		s.Environment = Environment(strings.ToLower(v))
	}
	if v, ok := lookupBool("APEX_DEBUG"); ok {
		s.Debug = v
	}
	if v, ok := lookup("APEX_LOG_LEVEL"); ok {
		s.LogLevel = LogLevel(strings.ToUpper(v))
	}
	if v, ok := lookupBool("APEX_LOG_JSON"); ok {
		s.LogJSON = v
	}

	// Backend
	if v, ok := lookup("APEX_BACKEND_HOST"); ok {
		s.Backend.Host = v
	}
	if v, ok := lookupInt("APEX_BACKEND_HTTP_PORT"); ok {
		s.Backend.HTTPPort = v
	}
	if v, ok := lookupInt("APEX_BACKEND_GRPC_PORT"); ok {
		s.Backend.GRPCPort = v
	}
	if v, ok := lookupBool("APEX_BACKEND_USE_GRPC"); ok {
		s.Backend.UseGRPC = v
	}
	if v, ok := lookupFloat("APEX_BACKEND_TIMEOUT_SECONDS"); ok {
		s.Backend.TimeoutSecs = v
	}
	if v, ok := lookupInt("APEX_BACKEND_MAX_RETRIES"); ok {
		s.Backend.MaxRetries = v
	}

	// Redis
	if v, ok := lookup("APEX_REDIS_URL"); ok {
		s.Redis.URL = v
	}
	if v, ok := lookupInt("APEX_REDIS_POOL_SIZE"); ok {
		s.Redis.PoolSize = v
	}
	if v, ok := lookup("APEX_REDIS_TASK_QUEUE_KEY"); ok {
		s.Redis.TaskQueueKey = v
	}
	if v, ok := lookup("APEX_REDIS_RESULT_QUEUE_KEY"); ok {
		s.Redis.ResultQueueKey = v
	}
	if v, ok := lookup("APEX_REDIS_HEARTBEAT_KEY_PREFIX"); ok {
		s.Redis.HeartbeatKeyPrefix = v
	}
	if v, ok := lookupInt("APEX_REDIS_HEARTBEAT_TTL_SECONDS"); ok {
		s.Redis.HeartbeatTTLSecs = v
	}

	// LLM
	if v, ok := lookup("APEX_LLM_OPENAI_API_KEY"); ok {
		s.LLM.OpenAIAPIKey = v
	}
	if v, ok := lookup("APEX_LLM_ANTHROPIC_API_KEY"); ok {
		s.LLM.AnthropicAPIKey = v
	}
	if v, ok := lookup("APEX_LLM_DEFAULT_MODEL"); ok {
		s.LLM.DefaultModel = v
	}
	if v, ok := lookupFloat("APEX_LLM_TIMEOUT_SECONDS"); ok {
		s.LLM.TimeoutSecs = v
	}
	if v, ok := lookupInt("APEX_LLM_MAX_RETRIES"); ok {
		s.LLM.MaxRetries = v
	}

	// Tracing
	if v, ok := lookupBool("APEX_TRACING_ENABLED"); ok {
		s.Tracing.Enabled = v
	}
	if v, ok := lookup("APEX_TRACING_OTLP_ENDPOINT"); ok {
		s.Tracing.OTLPEndpoint = v
	}
	if v, ok := lookup("APEX_TRACING_SERVICE_NAME"); ok {
		s.Tracing.ServiceName = v
	}
	if v, ok := lookup("APEX_TRACING_SERVICE_VERSION"); ok {
		s.Tracing.ServiceVersion = v
	}
	if v, ok := lookup("APEX_TRACING_ENVIRONMENT"); ok {
		s.Tracing.Environment = v
	}
	if v, ok := lookupFloat("APEX_TRACING_SAMPLE_RATE"); ok {
		s.Tracing.SampleRate = v
	}
	if v, ok := lookupBool("APEX_TRACING_CONSOLE_EXPORT"); ok {
		s.Tracing.ConsoleExport = v
	}

	// Worker
	if v, ok := lookup("APEX_WORKER_WORKER_ID"); ok {
		s.Worker.WorkerID = v
	}
	if v, ok := lookupInt("APEX_WORKER_NUM_AGENTS"); ok {
		s.Worker.NumAgents = v
	}
	if v, ok := lookupFloat("APEX_WORKER_POLL_INTERVAL_SECONDS"); ok {
		s.Worker.PollIntervalSecs = v
	}
	if v, ok := lookupFloat("APEX_WORKER_HEARTBEAT_INTERVAL_SECONDS"); ok {
		s.Worker.HeartbeatIntervalSecs = v
	}
	if v, ok := lookupInt("APEX_WORKER_MAX_TASK_DURATION_SECONDS"); ok {
		s.Worker.MaxTaskDurationSecs = v
	}
	if v, ok := lookupInt("APEX_WORKER_GRACEFUL_SHUTDOWN_TIMEOUT_SECONDS"); ok {
		s.Worker.GracefulShutdownTimeoutSecs = v
	}

	// Routing
	if v, ok := lookupBool("APEX_ROUTING_ENABLED"); ok {
		s.Routing.Enabled = v
	}
	if v, ok := lookup("APEX_ROUTING_CASCADE"); ok {
		s.Routing.Cascade = strings.Split(v, ",")
	}
	if v, ok := lookupFloat("APEX_ROUTING_CONFIDENCE_THRESHOLD"); ok {
		s.Routing.ConfidenceThreshold = v
	}
	if v, ok := lookupInt("APEX_ROUTING_MAX_ESCALATIONS"); ok {
		s.Routing.MaxEscalations = v
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupBool(key string) (bool, bool) {
	v, ok := lookup(key)
	if !ok {
		return false, false
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on", true
}

func lookupInt(key string) (int, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupFloat(key string) (float64, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Validate checks field bounds and the LLM API key requirement. Mirrors
// LLMConfig.validate_api_keys and the Field(ge=..., le=...) bounds on
// WorkerConfig in original_source/config.py.
func (s *Settings) Validate() error {
	if s.LLM.OpenAIAPIKey == "" && s.LLM.AnthropicAPIKey == "" {
		return apexerr.New("Settings.Validate", apexerr.KindConfiguration,
			fmt.Errorf("%w: at least one of APEX_LLM_OPENAI_API_KEY or APEX_LLM_ANTHROPIC_API_KEY must be set", apexerr.ErrMissingConfiguration))
	}

	if s.Worker.NumAgents < 1 || s.Worker.NumAgents > 100 {
		return apexerr.New("Settings.Validate", apexerr.KindConfiguration,
			fmt.Errorf("%w: worker.num_agents must be in [1, 100], got %d", apexerr.ErrInvalidConfiguration, s.Worker.NumAgents))
	}
	if s.Worker.PollIntervalSecs < 0.1 || s.Worker.PollIntervalSecs > 60 {
		return apexerr.New("Settings.Validate", apexerr.KindConfiguration,
			fmt.Errorf("%w: worker.poll_interval_seconds must be in [0.1, 60], got %v", apexerr.ErrInvalidConfiguration, s.Worker.PollIntervalSecs))
	}
	if s.Worker.HeartbeatIntervalSecs < 1 || s.Worker.HeartbeatIntervalSecs > 60 {
		return apexerr.New("Settings.Validate", apexerr.KindConfiguration,
			fmt.Errorf("%w: worker.heartbeat_interval_seconds must be in [1, 60], got %v", apexerr.ErrInvalidConfiguration, s.Worker.HeartbeatIntervalSecs))
	}
	if s.Worker.MaxTaskDurationSecs < 10 || s.Worker.MaxTaskDurationSecs > 3600 {
		return apexerr.New("Settings.Validate", apexerr.KindConfiguration,
			fmt.Errorf("%w: worker.max_task_duration_seconds must be in [10, 3600], got %d", apexerr.ErrInvalidConfiguration, s.Worker.MaxTaskDurationSecs))
	}
	if s.Worker.GracefulShutdownTimeoutSecs < 5 || s.Worker.GracefulShutdownTimeoutSecs > 300 {
		return apexerr.New("Settings.Validate", apexerr.KindConfiguration,
			fmt.Errorf("%w: worker.graceful_shutdown_timeout_seconds must be in [5, 300], got %d", apexerr.ErrInvalidConfiguration, s.Worker.GracefulShutdownTimeoutSecs))
	}
	if s.Tracing.SampleRate < 0 || s.Tracing.SampleRate > 1 {
		return apexerr.New("Settings.Validate", apexerr.KindConfiguration,
			fmt.Errorf("%w: tracing.sample_rate must be in [0, 1], got %v", apexerr.ErrInvalidConfiguration, s.Tracing.SampleRate))
	}

	return nil
}

// PollInterval returns the worker poll interval as a time.Duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSecs * float64(time.Second))
}

// HeartbeatInterval returns the worker heartbeat interval as a time.Duration.
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSecs * float64(time.Second))
}

// MaxTaskDuration returns the max task duration as a time.Duration.
func (w WorkerConfig) MaxTaskDuration() time.Duration {
	return time.Duration(w.MaxTaskDurationSecs) * time.Second
}

// GracefulShutdownTimeout returns the graceful shutdown timeout as a
// time.Duration.
func (w WorkerConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(w.GracefulShutdownTimeoutSecs) * time.Second
}
