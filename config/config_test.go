package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/config"
	"github.com/arkade-os/arkpay-sdk/types"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		viper.Reset()
		datadir := filepath.Join(t.TempDir(), "arkpay")
		t.Setenv("ARKPAY_DATADIR", datadir)
		t.Setenv("ARKPAY_SERVER_URL", "http://localhost:7070/")

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		require.Equal(t, "http://localhost:7070", cfg.ServerUrl)
		require.Equal(t, cfg.ServerUrl, cfg.IndexerUrl)
		require.Equal(t, arklib.Bitcoin.Name, cfg.Network.Name)
		require.Equal(t, types.KVStore, cfg.StoreType)
		require.Equal(t, 10*time.Second, cfg.SubmitInterval)
		require.Equal(t, log.InfoLevel, cfg.LogLevel)
		require.Equal(t, filepath.Join(datadir, types.KVStore), cfg.StoreDir())
		require.DirExists(t, datadir)
		require.Contains(t, cfg.String(), "\"store_type\": \"kv\"")
	})

	t.Run("overrides", func(t *testing.T) {
		viper.Reset()
		t.Setenv("ARKPAY_DATADIR", t.TempDir())
		t.Setenv("ARKPAY_SERVER_URL", "https://ark.example.com")
		t.Setenv("ARKPAY_INDEXER_URL", "https://indexer.example.com")
		t.Setenv("ARKPAY_NETWORK", "regtest")
		t.Setenv("ARKPAY_STORE_TYPE", "inmemory")
		t.Setenv("ARKPAY_SUBMIT_INTERVAL", "2s")
		t.Setenv("ARKPAY_LOG_LEVEL", "debug")

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		require.Equal(t, "https://indexer.example.com", cfg.IndexerUrl)
		require.Equal(t, arklib.BitcoinRegTest.Name, cfg.Network.Name)
		require.Equal(t, 2*time.Second, cfg.SubmitInterval)
		require.Equal(t, log.DebugLevel, cfg.LogLevel)
		require.Empty(t, cfg.StoreDir())
	})

	t.Run("config file", func(t *testing.T) {
		viper.Reset()
		datadir := t.TempDir()
		t.Setenv("ARKPAY_DATADIR", datadir)
		t.Setenv("ARKPAY_NETWORK", "signet")
		err := os.WriteFile(
			filepath.Join(datadir, "config.json"),
			[]byte(`{"server_url": "http://127.0.0.1:7070", "network": "regtest"}`),
			0600,
		)
		require.NoError(t, err)

		cfg, err := config.LoadConfig()
		require.NoError(t, err)
		require.Equal(t, "http://127.0.0.1:7070", cfg.ServerUrl)
		require.Equal(t, arklib.BitcoinSigNet.Name, cfg.Network.Name)
	})

	t.Run("invalid", func(t *testing.T) {
		fixtures := []struct {
			name string
			env  map[string]string
			err  string
		}{
			{
				name: "missing server url",
				env:  map[string]string{},
				err:  "missing server url",
			},
			{
				name: "bad scheme",
				env:  map[string]string{"ARKPAY_SERVER_URL": "ftp://localhost"},
				err:  "invalid server url",
			},
			{
				name: "unknown store",
				env: map[string]string{
					"ARKPAY_SERVER_URL": "http://localhost:7070",
					"ARKPAY_STORE_TYPE": "postgres",
				},
				err: "store type not supported",
			},
			{
				name: "unknown network",
				env: map[string]string{
					"ARKPAY_SERVER_URL": "http://localhost:7070",
					"ARKPAY_NETWORK":    "liquid",
				},
				err: "network not supported",
			},
			{
				name: "bad log level",
				env: map[string]string{
					"ARKPAY_SERVER_URL": "http://localhost:7070",
					"ARKPAY_LOG_LEVEL":  "loud",
				},
				err: "invalid log level",
			},
		}
		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				viper.Reset()
				t.Setenv("ARKPAY_DATADIR", t.TempDir())
				for k, v := range f.env {
					t.Setenv(k, v)
				}

				cfg, err := config.LoadConfig()
				require.Error(t, err)
				require.ErrorContains(t, err, f.err)
				require.Nil(t, cfg)
			})
		}
	})
}
