package utils

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var ErrConnectionClosedByServer = errors.New("connection closed by server")

var ErrNotEnoughFunds = errors.New("not enough funds")

// CoinSelect picks coins until amount is covered, latest expiry first so
// that coins close to expiry are left for settlement. If the change would be
// below dust, one more coin is added when available, otherwise the change
// is dropped.
func CoinSelect[T any](
	coins []T, amount, dust int64, value func(T) int64, expiresAt func(T) time.Time,
	withoutExpirySorting bool,
) ([]T, int64, error) {
	sorted := make([]T, len(coins))
	copy(sorted, coins)
	if !withoutExpirySorting {
		sort.SliceStable(sorted, func(i, j int) bool {
			return !expiresAt(sorted[i]).Before(expiresAt(sorted[j]))
		})
	}

	selected, notSelected := make([]T, 0), make([]T, 0)
	selectedAmount := int64(0)
	for _, c := range sorted {
		if selectedAmount >= amount {
			notSelected = append(notSelected, c)
			continue
		}
		selected = append(selected, c)
		selectedAmount += value(c)
	}

	if selectedAmount < amount {
		return nil, 0, fmt.Errorf("%w to cover amount %d", ErrNotEnoughFunds, amount)
	}

	change := selectedAmount - amount
	if change > 0 && change < dust {
		if len(notSelected) > 0 {
			selected = append(selected, notSelected[0])
			change += value(notSelected[0])
		} else {
			change = 0
		}
	}
	return selected, change, nil
}

func ParseBitcoinAddress(addr string, net chaincfg.Params) (
	bool, []byte, error,
) {
	btcAddr, err := btcutil.DecodeAddress(addr, &net)
	if err != nil {
		return false, nil, nil
	}

	onchainScript, err := txscript.PayToAddrScript(btcAddr)
	if err != nil {
		return false, nil, err
	}
	return true, onchainScript, nil
}

func NetworkFromString(net string) arklib.Network {
	switch net {
	case arklib.BitcoinTestNet.Name:
		return arklib.BitcoinTestNet
	case arklib.BitcoinTestNet4.Name:
		return arklib.BitcoinTestNet4
	case arklib.BitcoinSigNet.Name:
		return arklib.BitcoinSigNet
	case arklib.BitcoinMutinyNet.Name:
		return arklib.BitcoinMutinyNet
	case arklib.BitcoinRegTest.Name:
		return arklib.BitcoinRegTest
	case arklib.Bitcoin.Name:
		fallthrough
	default:
		return arklib.Bitcoin
	}
}

func ToBitcoinNetwork(net arklib.Network) chaincfg.Params {
	switch net.Name {
	case arklib.Bitcoin.Name:
		return chaincfg.MainNetParams
	case arklib.BitcoinTestNet.Name:
		return chaincfg.TestNet3Params
	case arklib.BitcoinSigNet.Name:
		return chaincfg.SigNetParams
	case arklib.BitcoinMutinyNet.Name:
		return arklib.MutinyNetSigNetParams
	case arklib.BitcoinRegTest.Name:
		return chaincfg.RegressionNetParams
	default:
		return chaincfg.MainNetParams
	}
}

type ChunkJSONStream struct {
	Msg []byte
	Err error
}

// ListenToJSONStream reads the newline delimited JSON stream served at url
// and forwards every line to chunkCh. It closes chunkCh when the stream
// ends; the last chunk carries the error that ended it.
func ListenToJSONStream(
	ctx context.Context, httpClient *http.Client, url string, chunkCh chan<- ChunkJSONStream,
) {
	defer close(chunkCh)

	send := func(chunk ChunkJSONStream) bool {
		select {
		case chunkCh <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var resp *http.Response
	for resp == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			send(ChunkJSONStream{Err: err})
			return
		}
		req.Header.Set("Accept", "application/x-ndjson")

		resp, err = httpClient.Do(req)
		if err != nil {
			send(ChunkJSONStream{Err: err})
			return
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			// nolint:errcheck
			resp.Body.Close()

			// retry on cloudflare timeouts
			if resp.StatusCode == 524 && ctx.Err() == nil {
				resp = nil
				continue
			}

			send(ChunkJSONStream{Err: ParseHTTPError(resp.StatusCode, body)})
			return
		}
	}
	// nolint:errcheck
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		msg, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				err = ErrConnectionClosedByServer
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			send(ChunkJSONStream{Err: err})
			return
		}
		msg = bytes.TrimSpace(msg)
		if len(msg) == 0 {
			continue
		}
		if !send(ChunkJSONStream{Msg: msg}) {
			return
		}
	}
}

func GroupBy[T any](items []T, keyFn func(T) string) map[string][]T {
	result := make(map[string][]T)

	for _, item := range items {
		key := keyFn(item)
		result[key] = append(result[key], item)
	}

	return result
}

// Chunk splits items in slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		return [][]T{items}
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for size < len(items) {
		items, chunks = items[size:], append(chunks, items[:size])
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
