package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/dav"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/repository"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

var (
	version     = "dev"
	configPath  = flag.String("config", model.DefaultConfigPath(), "Path to the YAML configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
)

const usage = `usage: mailsync [flags] <command> [args]

commands:
  init                    write a default configuration file
  sync [account]          run one sync pass (all accounts when omitted)
  daemon                  poll every account until interrupted
  set-password <account>  store an account password in the keyring
  remove-password <account>
                          delete an account password from the keyring
  status                  show queue and sync state per account
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsync version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	if args[0] == "init" {
		if err := runInit(*configPath); err != nil {
			logger.WithError(err).Fatal("Failed to write configuration")
		}
		return
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if args[0] == "set-password" {
		if len(args) != 2 {
			logger.Fatal("set-password needs exactly one account id")
		}
		if err := runSetPassword(cfg, args[1]); err != nil {
			logger.WithError(err).Fatal("Failed to store password")
		}
		return
	}

	if args[0] == "remove-password" {
		if len(args) != 2 {
			logger.Fatal("remove-password needs exactly one account id")
		}
		if _, err := cfg.Account(args[1]); err != nil {
			logger.WithError(err).Fatal("Unknown account")
		}
		if err := credential.DeleteAccountPassword(args[1]); err != nil {
			logger.WithError(err).Fatal("Failed to remove password")
		}
		fmt.Printf("removed password for %s\n", args[1])
		return
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create data directory")
	}
	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open mailbox store")
	}
	defer db.Close()

	client := dav.NewClient(cfg.HTTP, logger)
	engine := sync.NewEngine(db, cfg, sync.NewDAVConnector(client), logger)
	mailbox := repository.NewMailbox(db, engine, engine, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "sync":
		err = runSync(ctx, engine, args[1:])
	case "daemon":
		err = runDaemon(ctx, engine, cfg, logger)
	case "status":
		err = runStatus(ctx, db, mailbox, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Error("Command failed")
		db.Close()
		os.Exit(1)
	}
}

func runInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := model.SaveConfig(path, model.DefaultAppConfig()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func runSetPassword(cfg *model.AppConfig, accountID string) error {
	if _, err := cfg.Account(accountID); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "password for %s: ", accountID)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("empty password")
	}

	return credential.SetAccountPassword(accountID, password)
}

func runSync(ctx context.Context, engine *sync.Engine, args []string) error {
	if len(args) > 0 {
		res, err := engine.RunSyncPass(ctx, args[0])
		if res != nil {
			printResult(*res)
		}
		return err
	}

	results, err := engine.SyncAll(ctx)
	for _, res := range results {
		printResult(*res)
	}
	return err
}

func printResult(res model.SyncResult) {
	status := "ok"
	if !res.Success {
		status = "failed"
	}
	fmt.Printf("%-16s %-6s new=%d updated=%d skipped=%d deleted=%d replayed=%d failed=%d\n",
		res.AccountID, status, res.New, res.Updated, res.Skipped,
		res.Deleted, res.Replayed, res.Failed)
}

func runDaemon(
	ctx context.Context,
	engine *sync.Engine,
	cfg *model.AppConfig,
	logger *logrus.Logger,
) error {
	var ids []string
	for _, acc := range cfg.Accounts {
		if acc.SyncEnabled {
			ids = append(ids, acc.ID)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no account has sync enabled")
	}

	interval := time.Duration(cfg.Sync.PollIntervalSec) * time.Second
	poller := sync.NewPoller(engine, ids, interval, logger)
	poller.Start()
	logger.WithField("accounts", ids).WithField("interval", interval).Info("Polling started")

	// SIGHUP asks for an immediate pass on every account.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
			poller.Stop()
			return nil
		case <-hup:
			poller.TriggerAll()
		case res := <-poller.Results():
			if !res.Success {
				continue
			}
			logger.WithField("account", res.AccountID).
				WithField("new", res.New).
				Debug("Pass delivered")
		}
	}
}

func runStatus(
	ctx context.Context,
	db store.Store,
	mailbox *repository.Mailbox,
	cfg *model.AppConfig,
) error {
	pending, err := mailbox.PendingOperations(ctx)
	if err != nil {
		return err
	}
	failed, err := mailbox.FailedOperations(ctx, cfg.Sync.MaxRetries)
	if err != nil {
		return err
	}

	perAccount := make(map[string]int)
	for _, op := range pending {
		perAccount[op.AccountID]++
	}

	for _, acc := range cfg.Accounts {
		state, err := db.GetSyncState(ctx, acc.ID)
		if err != nil {
			return err
		}
		last := "never"
		if state.LastSyncAt > 0 {
			last = time.UnixMilli(state.LastSyncAt).Format(time.RFC3339)
		}
		fmt.Printf("%-16s sync=%-5t last=%s queued=%d\n",
			acc.ID, acc.SyncEnabled, last, perAccount[acc.ID])
	}

	for _, op := range failed {
		lastErr := ""
		if op.LastError != nil {
			lastErr = *op.LastError
		}
		fmt.Printf("parked #%d %s %s (%d retries): %s\n",
			op.ID, op.Type, op.EmailID, op.RetryCount, lastErr)
	}
	return nil
}
