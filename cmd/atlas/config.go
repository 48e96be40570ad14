package main

import (
	"time"

	"github.com/spf13/viper"
)

// settings is the resolved configuration with precedence:
// 1. Command-line flag (if set)
// 2. Environment variable (ATLAS_*)
// 3. Config file
// 4. Default value
type settings struct {
	DataDir      string
	ArtifactsDir string
	Seed         string

	BlobURL        string
	GCSBucket      string
	GCSObject      string
	GCSCredentials string

	DocsURL   string
	DocsToken string

	Principal   string
	ProposalTTL time.Duration
	Memory      bool
	MetricsAddr string

	Verbose bool
	Quiet   bool
}

func loadSettings() settings {
	return settings{
		DataDir:        GetConfigString("data-dir", "atlas-data"),
		ArtifactsDir:   GetConfigString("artifacts", "artifacts"),
		Seed:           GetConfigString("seed", ""),
		BlobURL:        GetConfigString("blob-url", ""),
		GCSBucket:      GetConfigString("gcs-bucket", ""),
		GCSObject:      GetConfigString("gcs-object", "master.db.zst"),
		GCSCredentials: GetConfigString("gcs-credentials", ""),
		DocsURL:        GetConfigString("docs-url", ""),
		DocsToken:      GetConfigString("docs-token", ""),
		Principal:      GetConfigString("principal", ""),
		ProposalTTL:    viper.GetDuration("proposal-ttl"),
		Memory:         GetConfigBool("memory"),
		MetricsAddr:    GetConfigString("metrics-addr", ""),
		Verbose:        GetConfigBool("verbose"),
		Quiet:          GetConfigBool("quiet"),
	}
}

// GetConfigString retrieves a string config value, falling back to defaultValue when unset
func GetConfigString(key string, defaultValue string) string {
	val := viper.GetString(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// GetConfigInt retrieves an int config value with proper precedence
func GetConfigInt(key string, defaultValue int) int {
	val := viper.GetInt(key)
	if val == 0 {
		return defaultValue
	}
	return val
}

// GetConfigBool retrieves a bool config value
func GetConfigBool(key string) bool {
	return viper.GetBool(key)
}
