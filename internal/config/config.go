package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NetworkConfig describes one chain endpoint and its bridge contracts.
type NetworkConfig struct {
	Name               string `json:"name"`
	RPCURL             string `json:"rpcUrl"`
	ChainID            int64  `json:"chainId"`
	Domain             uint32 `json:"domain"`
	USDC               string `json:"usdc"`
	TokenMessenger     string `json:"tokenMessenger"`
	MessageTransmitter string `json:"messageTransmitter"`
}

// DeploymentConfig models deployments.json: the two bridge networks plus the
// medical contracts on the source chain.
type DeploymentConfig struct {
	Source      NetworkConfig `json:"source"`
	Destination NetworkConfig `json:"destination"`
	Contracts   struct {
		MedicalPassport string `json:"MedicalPassport"`
		Prescription    string `json:"Prescription"`
	} `json:"contracts"`
}

type ServiceConfig struct {
	HTTPPort           int
	HMACSecret         string
	HMACClockSkew      time.Duration
	AttestationBaseURL string
	StoreBackend       string // memory | file | postgres
	StoreDir           string
	PostgresDSN        string
}

type ChainConfig struct {
	PrivateKey string
}

// AppConfig ties together deployment info, service settings and chain access.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
}

const (
	defaultDeploymentsPath    = "../deployments.json"
	defaultAttestationBaseURL = "https://iris-api.circle.com/v2/messages"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:           envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:         envOr("API_HMAC_SECRET", ""),
		HMACClockSkew:      time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		AttestationBaseURL: envOr("ATTESTATION_BASE_URL", defaultAttestationBaseURL),
		StoreBackend:       envOr("STORE_BACKEND", "file"),
		StoreDir:           envOr("STORE_DIR", filepath.Join(os.TempDir(), "medrails")),
		PostgresDSN:        envOr("POSTGRES_DSN", ""),
	}

	chainCfg := ChainConfig{
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	if url := envOr("SOURCE_RPC_URL", ""); url != "" {
		deployCfg.Source.RPCURL = url
	}
	if url := envOr("DESTINATION_RPC_URL", ""); url != "" {
		deployCfg.Destination.RPCURL = url
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
	}, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
