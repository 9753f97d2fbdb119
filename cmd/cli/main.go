package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	arksdk "github.com/arkade-os/arkpay-sdk"
	"github.com/arkade-os/arkpay-sdk/config"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet/singlekey"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const (
	PrivateKeyEnvVar = "ARKPAY_PRIVKEY"
)

var (
	Version    string
	arkService arksdk.ArkService
)

func main() {
	app := cli.NewApp()
	app.Version = Version
	app.Name = "arkpay"
	app.Usage = "settle offchain payments with an Ark operator"
	app.Commands = append(
		app.Commands,
		&termsCommand,
		&receiveCommand,
		&balanceCommand,
		&vtxosCommand,
		&sendCommand,
		&settleCommand,
		&intentsCommand,
		&cancelCommand,
		&runCommand,
		&versionCommand,
	)
	app.Flags = []cli.Flag{datadirFlag, serverUrlFlag, walletFlag, privateKeyFlag, verboseFlag}
	app.Before = func(ctx *cli.Context) error {
		if cmd := ctx.Args().First(); cmd == "" || cmd == "help" || cmd == versionCommand.Name {
			return nil
		}
		svc, err := getArkService(ctx)
		if err != nil {
			return fmt.Errorf("error initializing ark service: %v", err)
		}
		arkService = svc
		return nil
	}
	app.After = func(ctx *cli.Context) error {
		if arkService != nil {
			arkService.Stop()
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(fmt.Errorf("error: %v", err))
		os.Exit(1)
	}
}

var (
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Specify the data directory",
	}
	serverUrlFlag = &cli.StringFlag{
		Name:  "server-url",
		Usage: "the url of the Ark server to connect to",
	}
	walletFlag = &cli.StringFlag{
		Name:  "wallet",
		Usage: "id of the wallet to operate",
		Value: "default",
	}
	privateKeyFlag = &cli.StringFlag{
		Name:    "prvkey",
		Usage:   "hex encoded private key of the wallet",
		EnvVars: []string{PrivateKeyEnvVar},
	}
	verboseFlag = &cli.BoolFlag{
		Name:        "verbose",
		Usage:       "enable debug logs",
		Value:       false,
		DefaultText: "false",
	}
	toFlag = &cli.StringFlag{
		Name:  "to",
		Usage: "recipient address",
	}
	amountFlag = &cli.Uint64Flag{
		Name:  "amount",
		Usage: "amount to send in sats",
	}
	receiversFlag = &cli.StringFlag{
		Name:  "receivers",
		Usage: "JSON encoded receivers of the send transaction",
	}
	withoutExpirySortingFlag = &cli.BoolFlag{
		Name:  "without-expiry-sorting",
		Usage: "select coins in store order instead of latest expiry first",
	}
	intentIdFlag = &cli.StringFlag{
		Name:     "id",
		Usage:    "id of the intent",
		Required: true,
	}
	waitFlag = &cli.DurationFlag{
		Name:  "wait",
		Usage: "how long to wait for the intent to be settled",
		Value: 10 * time.Minute,
	}
)

var (
	termsCommand = cli.Command{
		Name:  "terms",
		Usage: "Shows the terms of the Ark server",
		Action: func(ctx *cli.Context) error {
			return terms(ctx)
		},
	}
	receiveCommand = cli.Command{
		Name:  "receive",
		Usage: "Shows an offchain address of the wallet",
		Action: func(ctx *cli.Context) error {
			return receive(ctx)
		},
	}
	balanceCommand = cli.Command{
		Name:  "balance",
		Usage: "Shows the offchain balance of the wallet",
		Action: func(ctx *cli.Context) error {
			return balance(ctx)
		},
	}
	vtxosCommand = cli.Command{
		Name:  "vtxos",
		Usage: "Lists the vtxos of the wallet",
		Action: func(ctx *cli.Context) error {
			return vtxos(ctx)
		},
	}
	sendCommand = cli.Command{
		Name:  "send",
		Usage: "Send funds offchain",
		Action: func(ctx *cli.Context) error {
			return send(ctx)
		},
		Flags: []cli.Flag{receiversFlag, toFlag, amountFlag, withoutExpirySortingFlag},
	}
	settleCommand = cli.Command{
		Name:  "settle",
		Usage: "Settle the wallet's coins in the next batch",
		Action: func(ctx *cli.Context) error {
			return settle(ctx)
		},
		Flags: []cli.Flag{receiversFlag, toFlag, amountFlag, waitFlag},
	}
	intentsCommand = cli.Command{
		Name:  "intents",
		Usage: "Lists the intents",
		Action: func(ctx *cli.Context) error {
			return intents(ctx)
		},
	}
	cancelCommand = cli.Command{
		Name:  "cancel",
		Usage: "Cancels an intent not yet in a batch",
		Action: func(ctx *cli.Context) error {
			return arkService.CancelIntent(ctx.Context, ctx.String(intentIdFlag.Name))
		},
		Flags: []cli.Flag{intentIdFlag},
	}
	runCommand = cli.Command{
		Name:  "run",
		Usage: "Keeps the vtxos in sync and settles the pending intents until interrupted",
		Action: func(ctx *cli.Context) error {
			return run(ctx)
		},
	}
	versionCommand = cli.Command{
		Name:  "version",
		Usage: "Display version information",
		Action: func(ctx *cli.Context) error {
			fmt.Printf("arkpay version: %s\n", Version)
			return nil
		},
	}
)

func terms(ctx *cli.Context) error {
	t, err := arkService.GetTerms(ctx.Context)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"signer_pubkey":         fmt.Sprintf("%x", t.SignerPubKey.SerializeCompressed()),
		"network":               t.Network.Name,
		"unilateral_exit_delay": t.UnilateralExitDelay.Value,
		"dust":                  t.Dust,
	})
}

func receive(ctx *cli.Context) error {
	addr, err := arkService.NewContract(ctx.Context, ctx.String(walletFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"offchain_address": addr})
}

func balance(ctx *cli.Context) error {
	b, err := arkService.Balance(ctx.Context, ctx.String(walletFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(b)
}

func vtxos(ctx *cli.Context) error {
	spendable, spent, err := arkService.ListVtxos(ctx.Context, ctx.String(walletFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"spendable": spendable, "spent": spent})
}

func send(ctx *cli.Context) error {
	receivers, err := getReceivers(ctx)
	if err != nil {
		return err
	}
	if len(receivers) <= 0 {
		return fmt.Errorf("missing receivers")
	}

	opts := make([]arksdk.Option, 0)
	if ctx.Bool(withoutExpirySortingFlag.Name) {
		opts = append(opts, arksdk.WithoutExpirySorting)
	}
	txid, err := arkService.SendOffChain(ctx.Context, ctx.String(walletFlag.Name), receivers, opts...)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"txid": txid})
}

// settle creates an intent and runs the service until it leaves the batch.
func settle(ctx *cli.Context) error {
	receivers, err := getReceivers(ctx)
	if err != nil {
		return err
	}

	in, err := arkService.CreateIntent(ctx.Context, ctx.String(walletFlag.Name), receivers)
	if err != nil {
		return err
	}
	log.Infof("created intent %s, waiting for a batch", in.ID)

	waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration(waitFlag.Name))
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("intent %s not settled yet, run 'arkpay run' to keep waiting", in.ID)
		case <-ticker.C:
			list, err := arkService.ListIntents(waitCtx)
			if err != nil {
				return err
			}
			for _, i := range list {
				if i.ID == in.ID && i.State.IsTerminal() {
					return printIntent(i)
				}
			}
		}
	}
}

func intents(ctx *cli.Context) error {
	list, err := arkService.ListIntents(ctx.Context)
	if err != nil {
		return err
	}
	res := make([]map[string]any, 0, len(list))
	for _, i := range list {
		res = append(res, intentToMap(i))
	}
	return printJSON(res)
}

func run(ctx *cli.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	events := arkService.Subscribe(64)
	defer arkService.Unsubscribe(events)

	for {
		select {
		case <-sigChan:
			log.Info("shutting down")
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			for _, vtxo := range event.Vtxos {
				log.Infof("%s %s (%d sats)", event.Type, vtxo.Outpoint, vtxo.Amount)
			}
		}
	}
}

func getArkService(ctx *cli.Context) (arksdk.ArkService, error) {
	if datadir := ctx.String(datadirFlag.Name); datadir != "" {
		viper.Set(config.DatadirKey, datadir)
	}
	if serverUrl := ctx.String(serverUrlFlag.Name); serverUrl != "" {
		viper.Set(config.ServerUrlKey, serverUrl)
	}
	if ctx.Bool(verboseFlag.Name) {
		viper.Set(config.LogLevelKey, log.DebugLevel.String())
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	log.Debugf("config: %s", cfg)

	privateKey, err := readPrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	signer, err := singlekey.NewSignerFromHex(privateKey)
	if err != nil {
		return nil, err
	}

	svc, err := arksdk.NewArkService(cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx.Context); err != nil {
		svc.Stop()
		return nil, err
	}
	if err := svc.AddWallet(ctx.Context, ctx.String(walletFlag.Name), signer); err != nil {
		svc.Stop()
		return nil, err
	}
	return svc, nil
}

func getReceivers(ctx *cli.Context) ([]types.Receiver, error) {
	if receiversJSON := ctx.String(receiversFlag.Name); receiversJSON != "" {
		return parseReceivers(receiversJSON)
	}
	to := ctx.String(toFlag.Name)
	if to == "" {
		return nil, nil
	}
	amount := ctx.Uint64(amountFlag.Name)
	if amount == 0 {
		return nil, fmt.Errorf("missing amount")
	}
	return []types.Receiver{{To: to, Amount: amount}}, nil
}

func parseReceivers(receiversJSON string) ([]types.Receiver, error) {
	list := make([]struct {
		To     string `json:"to"`
		Amount uint64 `json:"amount"`
	}, 0)
	if err := json.Unmarshal([]byte(receiversJSON), &list); err != nil {
		return nil, err
	}

	receivers := make([]types.Receiver, 0, len(list))
	for _, v := range list {
		receivers = append(receivers, types.Receiver{To: v.To, Amount: v.Amount})
	}
	return receivers, nil
}

func readPrivateKey(ctx *cli.Context) (string, error) {
	privateKey := ctx.String(privateKeyFlag.Name)
	if len(privateKey) == 0 {
		fmt.Print("wallet private key: ")
		buf, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		privateKey = string(buf)
	}
	return privateKey, nil
}

func intentToMap(i types.Intent) map[string]any {
	return map[string]any{
		"id":                  i.ID,
		"wallet":              i.WalletID,
		"state":               i.State.String(),
		"locked_vtxos":        i.LockedVtxos,
		"batch_id":            i.BatchID,
		"commitment_txid":     i.CommitmentTxid,
		"cancellation_reason": i.CancellationReason,
	}
}

func printIntent(i types.Intent) error {
	return printJSON(intentToMap(i))
}

func printJSON(resp any) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}
