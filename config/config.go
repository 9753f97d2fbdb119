package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// ServerUrlKey is the url of the operator REST api
	ServerUrlKey = "SERVER_URL"
	// IndexerUrlKey is the url of the indexer REST api, defaults to the server url
	IndexerUrlKey = "INDEXER_URL"
	// NetworkKey is the bitcoin network the operator runs on
	NetworkKey = "NETWORK"
	// DatadirKey is the local data directory of the persisted state
	DatadirKey = "DATADIR"
	// StoreTypeKey selects the store implementation
	StoreTypeKey = "STORE_TYPE"
	// RequestTimeoutKey is the deadline applied to remote calls with none
	RequestTimeoutKey = "REQUEST_TIMEOUT"
	// SubmitIntervalKey is the period of the intent submission loop
	SubmitIntervalKey = "SUBMIT_INTERVAL"
	// WatchdogIntervalKey is the period of the vtxo sync watchdog
	WatchdogIntervalKey = "WATCHDOG_INTERVAL"
	// TermsCacheTTLKey is how long the operator terms are cached
	TermsCacheTTLKey = "TERMS_CACHE_TTL"
	// LogLevelKey is one of the logrus level names
	LogLevelKey = "LOG_LEVEL"

	envPrefix = "ARKPAY"
)

var (
	defaultDatadir          = btcutil.AppDataDir("arkpay", false)
	defaultNetwork          = arklib.Bitcoin.Name
	defaultStoreType        = types.KVStore
	defaultRequestTimeout   = 15 * time.Second
	defaultSubmitInterval   = 10 * time.Second
	defaultWatchdogInterval = time.Minute
	defaultTermsCacheTTL    = 5 * time.Minute
	defaultLogLevel         = log.InfoLevel.String()

	supportedStores = supportedType{
		types.InMemoryStore: {},
		types.KVStore:       {},
		types.SQLStore:      {},
	}
	supportedNetworks = supportedType{
		arklib.Bitcoin.Name:          {},
		arklib.BitcoinTestNet.Name:   {},
		arklib.BitcoinTestNet4.Name:  {},
		arklib.BitcoinSigNet.Name:    {},
		arklib.BitcoinMutinyNet.Name: {},
		arklib.BitcoinRegTest.Name:   {},
	}
)

type Config struct {
	ServerUrl        string
	IndexerUrl       string
	Network          arklib.Network
	Datadir          string
	StoreType        string
	RequestTimeout   time.Duration
	SubmitInterval   time.Duration
	WatchdogInterval time.Duration
	TermsCacheTTL    time.Duration
	LogLevel         log.Level
}

func (c Config) String() string {
	cfg := map[string]any{
		"server_url":        c.ServerUrl,
		"indexer_url":       c.IndexerUrl,
		"network":           c.Network.Name,
		"datadir":           c.Datadir,
		"store_type":        c.StoreType,
		"request_timeout":   c.RequestTimeout.String(),
		"submit_interval":   c.SubmitInterval.String(),
		"watchdog_interval": c.WatchdogInterval.String(),
		"terms_cache_ttl":   c.TermsCacheTTL.String(),
		"log_level":         c.LogLevel.String(),
	}
	// nolint
	buf, _ := json.MarshalIndent(cfg, "", "  ")
	return string(buf)
}

// StoreDir is where the persistent stores keep their files.
func (c Config) StoreDir() string {
	if c.StoreType == types.InMemoryStore {
		return ""
	}
	return filepath.Join(c.Datadir, c.StoreType)
}

func (c Config) Validate() error {
	if c.ServerUrl == "" {
		return fmt.Errorf("missing server url")
	}
	if err := validateUrl(c.ServerUrl); err != nil {
		return fmt.Errorf("invalid server url: %s", err)
	}
	if err := validateUrl(c.IndexerUrl); err != nil {
		return fmt.Errorf("invalid indexer url: %s", err)
	}
	if !supportedStores.supports(c.StoreType) {
		return fmt.Errorf("store type not supported, please select one of: %s", supportedStores)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.SubmitInterval <= 0 {
		return fmt.Errorf("submit interval must be positive")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog interval must be positive")
	}
	if c.TermsCacheTTL <= 0 {
		return fmt.Errorf("terms cache ttl must be positive")
	}
	return nil
}

// LoadConfig reads the ARKPAY_* environment variables, and the optional
// config.json file in the datadir, into a validated Config. The datadir is
// created if missing.
func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	viper.SetDefault(DatadirKey, defaultDatadir)
	viper.SetDefault(NetworkKey, defaultNetwork)
	viper.SetDefault(StoreTypeKey, defaultStoreType)
	viper.SetDefault(RequestTimeoutKey, defaultRequestTimeout)
	viper.SetDefault(SubmitIntervalKey, defaultSubmitInterval)
	viper.SetDefault(WatchdogIntervalKey, defaultWatchdogInterval)
	viper.SetDefault(TermsCacheTTLKey, defaultTermsCacheTTL)
	viper.SetDefault(LogLevelKey, defaultLogLevel)

	if err := initDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}
	if err := readConfigFile(); err != nil {
		return nil, err
	}

	network := strings.ToLower(viper.GetString(NetworkKey))
	if !supportedNetworks.supports(network) {
		return nil, fmt.Errorf(
			"network not supported, please select one of: %s", supportedNetworks,
		)
	}

	logLevel, err := log.ParseLevel(viper.GetString(LogLevelKey))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s", err)
	}

	serverUrl := strings.TrimSuffix(viper.GetString(ServerUrlKey), "/")
	indexerUrl := strings.TrimSuffix(viper.GetString(IndexerUrlKey), "/")
	if indexerUrl == "" {
		indexerUrl = serverUrl
	}

	cfg := &Config{
		ServerUrl:        serverUrl,
		IndexerUrl:       indexerUrl,
		Network:          utils.NetworkFromString(network),
		Datadir:          viper.GetString(DatadirKey),
		StoreType:        viper.GetString(StoreTypeKey),
		RequestTimeout:   viper.GetDuration(RequestTimeoutKey),
		SubmitInterval:   viper.GetDuration(SubmitIntervalKey),
		WatchdogInterval: viper.GetDuration(WatchdogIntervalKey),
		TermsCacheTTL:    viper.GetDuration(TermsCacheTTLKey),
		LogLevel:         logLevel,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readConfigFile merges the datadir config.json, when present, below the
// environment variables.
func readConfigFile() error {
	path := filepath.Join(viper.GetString(DatadirKey), "config.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %s", path, err)
	}
	return nil
}

func initDatadir() error {
	datadir := viper.GetString(DatadirKey)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

func validateUrl(rawUrl string) error {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	sort.Strings(types)
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
