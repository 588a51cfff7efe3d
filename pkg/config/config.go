package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

type PipelineConfig struct {
	AWSRegion    string
	AWSEndpoint  string
	AWSAccessKey string
	AWSSecretKey string

	Bucket      string
	Key         string
	CampaignTag string
	TemplateDir string

	Provider            string
	SESConfigurationSet string
	ResendAPIKey        string
	UnsubscribeURL      string
	RequestURL          string

	InvalidLogPath string
	DBDSN          string
	RedisURL       string
	CacheTTL       time.Duration

	ValidationConcurrency  int
	SuppressionConcurrency int
	MXConcurrency          int

	BatchSize       int
	SendConcurrency int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	BatchDelay      time.Duration
	SendTimeout     time.Duration
}

type APIConfig struct {
	Port            string
	QueueBackend    string
	QueueCapacity   int
	RMQURL          string
	Queue           string
	ShutdownTimeout time.Duration
	Pipeline        PipelineConfig
}

type WorkerConfig struct {
	RMQURL      string
	Queue       string
	MaxRetries  int
	MetricsPort string
	Pipeline    PipelineConfig
}

const (
	ProviderSES    = "ses"
	ProviderResend = "resend"

	QueueMemory = "memory"
	QueueRMQ    = "rmq"
)

var (
	API    APIConfig
	Worker WorkerConfig
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("required env %s is not set", k)
	}
	return v
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("env %s: want positive integer, got %q", k, v)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("env %s: want duration, got %q", k, v)
	}
	return d, nil
}

// LoadPipeline reads the settings shared by every process that runs campaigns.
func LoadPipeline() (PipelineConfig, error) {
	c := PipelineConfig{
		AWSRegion:           getenv("AWS_REGION", "us-east-1"),
		AWSEndpoint:         os.Getenv("AWS_ENDPOINT_URL"),
		AWSAccessKey:        os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:        os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Bucket:              os.Getenv("CAMPAIGN_BUCKET"),
		Key:                 os.Getenv("CAMPAIGN_KEY"),
		CampaignTag:         os.Getenv("CAMPAIGN_TAG"),
		TemplateDir:         getenv("TEMPLATE_DIR", "templates"),
		Provider:            getenv("EMAIL_PROVIDER", ProviderSES),
		SESConfigurationSet: os.Getenv("SES_CONFIGURATION_SET"),
		ResendAPIKey:        os.Getenv("RESEND_API_KEY"),
		UnsubscribeURL:      os.Getenv("UNSUBSCRIBE_URL"),
		RequestURL:          os.Getenv("REQUEST_URL"),
		InvalidLogPath:      getenv("INVALID_LOG_PATH", "invalid_recipients.log"),
		DBDSN:               os.Getenv("DB_DSN"),
		RedisURL:            os.Getenv("REDIS_URL"),
	}

	var err error
	ints := []struct {
		dst *int
		key string
		def int
	}{
		{&c.ValidationConcurrency, "VALIDATION_CONCURRENCY", 20},
		{&c.SuppressionConcurrency, "SUPPRESSION_CONCURRENCY", 3},
		{&c.MXConcurrency, "MX_CONCURRENCY", 5},
		{&c.BatchSize, "BATCH_SIZE", 10},
		{&c.SendConcurrency, "SEND_CONCURRENCY", 3},
		{&c.MaxRetries, "SEND_MAX_RETRIES", 5},
	}
	for _, f := range ints {
		if *f.dst, err = getenvInt(f.key, f.def); err != nil {
			return PipelineConfig{}, err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&c.CacheTTL, "VALIDATION_CACHE_TTL", 24 * time.Hour},
		{&c.RetryBaseDelay, "SEND_RETRY_BASE_DELAY", 500 * time.Millisecond},
		{&c.BatchDelay, "BATCH_DELAY", 2 * time.Second},
		{&c.SendTimeout, "SEND_TIMEOUT", 30 * time.Second},
	}
	for _, f := range durations {
		if *f.dst, err = getenvDuration(f.key, f.def); err != nil {
			return PipelineConfig{}, err
		}
	}

	switch c.Provider {
	case ProviderSES:
	case ProviderResend:
		if c.ResendAPIKey == "" {
			return PipelineConfig{}, fmt.Errorf("env RESEND_API_KEY is required for provider %q", c.Provider)
		}
	default:
		return PipelineConfig{}, fmt.Errorf("env EMAIL_PROVIDER: unknown provider %q", c.Provider)
	}
	return c, nil
}

func mustPipeline() PipelineConfig {
	p, err := LoadPipeline()
	if err != nil {
		log.Fatal(err)
	}
	return p
}

func MustLoadAPI() {
	capacity, err := getenvInt("QUEUE_CAPACITY", 16)
	if err != nil {
		log.Fatal(err)
	}
	shutdown, err := getenvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		log.Fatal(err)
	}

	API = APIConfig{
		Port:            getenv("PORT", "8080"),
		QueueBackend:    getenv("QUEUE_BACKEND", QueueMemory),
		QueueCapacity:   capacity,
		Queue:           getenv("QUEUE", "campaign_runs"),
		ShutdownTimeout: shutdown,
	}
	switch API.QueueBackend {
	case QueueMemory:
		API.Pipeline = mustPipeline()
	case QueueRMQ:
		API.RMQURL = mustEnv("RMQ_URL")
		// campaign-worker runs the pipeline; the API only needs the default source.
		API.Pipeline = PipelineConfig{
			Bucket:      os.Getenv("CAMPAIGN_BUCKET"),
			Key:         os.Getenv("CAMPAIGN_KEY"),
			CampaignTag: os.Getenv("CAMPAIGN_TAG"),
		}
	default:
		log.Fatalf("env QUEUE_BACKEND: unknown backend %q", API.QueueBackend)
	}
}

func MustLoadWorker() {
	retries, err := getenvInt("WORKER_MAX_RETRIES", 3)
	if err != nil {
		log.Fatal(err)
	}
	Worker = WorkerConfig{
		RMQURL:      mustEnv("RMQ_URL"),
		Queue:       getenv("QUEUE", "campaign_runs"),
		MaxRetries:  retries,
		MetricsPort: getenv("METRICS_PORT", "9091"),
		Pipeline:    mustPipeline(),
	}
}
