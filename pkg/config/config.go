package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName string
	Debug   bool
	Port    string

	// Logging
	LogLevel string
	LogJSON  bool

	// Database
	DatabaseType string
	DatabaseURL  string

	// Backend selection ("kubernetes" or "docker")
	Backend string

	// Kubernetes
	Kubeconfig         string
	NamespacePrefix    string // per-tenant namespaces are <prefix>-<namespace>
	JobsNamespace      string // shared namespace for one-shot exec jobs
	PodReadyTimeoutSec int

	// Session defaults
	DefaultTTLMinutes       int
	DefaultImage            string
	PersistentStorageSizeGB int

	// Shell limits
	ShellIdleTimeoutMinutes int
	ShellMaxDurationHours   int

	// Billing: per-user-type hourly rates (USD/hour)
	RateFree       float64
	RatePro        float64
	RateEnterprise float64
	RateAdmin      float64

	// Billing: symbolic tier multipliers
	MultiplierSmall  float64
	MultiplierMedium float64
	MultiplierLarge  float64
	MultiplierGPU    float64

	// Billing: storage monthly rates (USD per GB per month)
	StorageRateBucket    float64
	StorageRateFilestore float64

	// Billing: credit purchases
	CreditMinPurchase  float64
	CreditBonusPercent float64

	// Storage quotas per user type
	QuotaBucketsFree       int
	QuotaBucketsPro        int
	QuotaBucketsEnterprise int
	QuotaFilestoresFree    int
	QuotaFilestoresPro     int
	QuotaFilestoresEnt     int

	// Session monitor
	MonitorMaxDurationHours      float64
	MonitorMaxCostUSD            float64
	MonitorCheckIntervalMinutes  int
	MonitorMinSessionAgeMinutes  float64
	MonitorGracePeriodMinutes    float64
	MonitorLowCreditRunwayFrac   float64
	MonitorHourlyRateClampUSD    float64
	MonitorZombieIntervalMinutes int

	// InfluxDB (time-series event storage)
	InfluxDBURL    string
	InfluxDBToken  string
	InfluxDBOrg    string
	InfluxDBBucket string
}

var AppConfig *Config

// Load loads configuration from environment
func Load() *Config {
	// Load .env file if exists
	_ = godotenv.Load()

	config := &Config{
		AppName:      getEnv("APP_NAME", "SessionForge"),
		Debug:        getEnvBool("DEBUG", true),
		Port:         getEnv("PORT", "8000"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		LogJSON:      getEnvBool("LOG_JSON", false),
		DatabaseType: getEnv("DATABASE_TYPE", "postgres"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		Backend:            getEnv("BACKEND", "kubernetes"),
		Kubeconfig:         getEnv("KUBECONFIG", ""),
		NamespacePrefix:    getEnv("K8S_NAMESPACE_PREFIX", "sf"),
		JobsNamespace:      getEnv("JOBS_NAMESPACE", "sf-jobs"),
		PodReadyTimeoutSec: getEnvInt("POD_READY_TIMEOUT_SEC", 120),

		DefaultTTLMinutes:       getEnvInt("SESSION_DEFAULT_TTL_MINUTES", 60),
		DefaultImage:            getEnv("SESSION_DEFAULT_IMAGE", "ubuntu:24.04"),
		PersistentStorageSizeGB: getEnvInt("SESSION_PERSISTENT_STORAGE_GB", 10),

		ShellIdleTimeoutMinutes: getEnvInt("SHELL_IDLE_TIMEOUT_MINUTES", 30),
		ShellMaxDurationHours:   getEnvInt("SHELL_MAX_DURATION_HOURS", 8),

		RateFree:       getEnvFloat("RATE_FREE", 0.05),
		RatePro:        getEnvFloat("RATE_PRO", 0.025),
		RateEnterprise: getEnvFloat("RATE_ENTERPRISE", 0.01),
		RateAdmin:      getEnvFloat("RATE_ADMIN", 0.0),

		MultiplierSmall:  getEnvFloat("MULTIPLIER_SMALL", 1.0),
		MultiplierMedium: getEnvFloat("MULTIPLIER_MEDIUM", 1.5),
		MultiplierLarge:  getEnvFloat("MULTIPLIER_LARGE", 2.0),
		MultiplierGPU:    getEnvFloat("MULTIPLIER_GPU", 5.0),

		StorageRateBucket:    getEnvFloat("STORAGE_RATE_BUCKET", 0.02),
		StorageRateFilestore: getEnvFloat("STORAGE_RATE_FILESTORE", 0.17),

		CreditMinPurchase:  getEnvFloat("CREDIT_MIN_PURCHASE", 10.0),
		CreditBonusPercent: getEnvFloat("CREDIT_BONUS_PERCENT", 0.0),

		QuotaBucketsFree:       getEnvInt("QUOTA_BUCKETS_FREE", 1),
		QuotaBucketsPro:        getEnvInt("QUOTA_BUCKETS_PRO", 5),
		QuotaBucketsEnterprise: getEnvInt("QUOTA_BUCKETS_ENTERPRISE", 20),
		QuotaFilestoresFree:    getEnvInt("QUOTA_FILESTORES_FREE", 1),
		QuotaFilestoresPro:     getEnvInt("QUOTA_FILESTORES_PRO", 3),
		QuotaFilestoresEnt:     getEnvInt("QUOTA_FILESTORES_ENTERPRISE", 10),

		MonitorMaxDurationHours:      getEnvFloat("MONITOR_MAX_DURATION_HOURS", 48),
		MonitorMaxCostUSD:            getEnvFloat("MONITOR_MAX_COST_USD", 500),
		MonitorCheckIntervalMinutes:  getEnvInt("MONITOR_CHECK_INTERVAL_MINUTES", 30),
		MonitorMinSessionAgeMinutes:  getEnvFloat("MONITOR_MIN_SESSION_AGE_MINUTES", 60),
		MonitorGracePeriodMinutes:    getEnvFloat("MONITOR_GRACE_PERIOD_MINUTES", 15),
		MonitorLowCreditRunwayFrac:   getEnvFloat("MONITOR_LOW_CREDIT_RUNWAY_FRACTION", 0.1),
		MonitorHourlyRateClampUSD:    getEnvFloat("MONITOR_HOURLY_RATE_CLAMP_USD", 1000),
		MonitorZombieIntervalMinutes: getEnvInt("MONITOR_ZOMBIE_INTERVAL_MINUTES", 10),

		InfluxDBURL:    getEnv("INFLUXDB_URL", ""),
		InfluxDBToken:  getEnv("INFLUXDB_TOKEN", ""),
		InfluxDBOrg:    getEnv("INFLUXDB_ORG", "sessionforge"),
		InfluxDBBucket: getEnv("INFLUXDB_BUCKET", "events"),
	}

	AppConfig = config
	return config
}

// HourlyRate returns the base hourly rate for a user type.
// Unknown types fall back to the free rate.
func (c *Config) HourlyRate(userType string) float64 {
	switch userType {
	case "pro":
		return c.RatePro
	case "enterprise":
		return c.RateEnterprise
	case "admin":
		return c.RateAdmin
	default:
		return c.RateFree
	}
}

// TierMultiplier returns the multiplier for a symbolic resource tier.
// Unknown tiers fall back to small (1.0).
func (c *Config) TierMultiplier(tier string) float64 {
	switch tier {
	case "medium":
		return c.MultiplierMedium
	case "large":
		return c.MultiplierLarge
	case "gpu":
		return c.MultiplierGPU
	default:
		return c.MultiplierSmall
	}
}

// StorageMonthlyRate returns the per-GB monthly rate for a storage type.
func (c *Config) StorageMonthlyRate(storageType string) float64 {
	if storageType == "filestore" {
		return c.StorageRateFilestore
	}
	return c.StorageRateBucket
}

// StorageQuota returns the maximum number of storage resources of the given
// type for a user type. Admins are unlimited (-1).
func (c *Config) StorageQuota(userType, storageType string) int {
	if userType == "admin" {
		return -1
	}
	if storageType == "filestore" {
		switch userType {
		case "pro":
			return c.QuotaFilestoresPro
		case "enterprise":
			return c.QuotaFilestoresEnt
		default:
			return c.QuotaFilestoresFree
		}
	}
	switch userType {
	case "pro":
		return c.QuotaBucketsPro
	case "enterprise":
		return c.QuotaBucketsEnterprise
	default:
		return c.QuotaBucketsFree
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Invalid boolean for %s, using default: %v", key, defaultValue)
			return defaultValue
		}
		return boolVal
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("Invalid integer for %s, using default: %d", key, defaultValue)
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Printf("Invalid float for %s, using default: %.2f", key, defaultValue)
			return defaultValue
		}
		return floatVal
	}
	return defaultValue
}
