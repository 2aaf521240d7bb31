package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli"
	"github.com/warpdl/racecard/cmd/common"
	"github.com/warpdl/racecard/internal/config"
	"github.com/warpdl/racecard/internal/export"
	"github.com/warpdl/racecard/pkg/credman"
	"github.com/warpdl/racecard/pkg/credman/keyring"
	"github.com/warpdl/racecard/pkg/logger"
)

// credentialStore is swapped in tests to keep the OS keyring out of them.
var credentialStore = func(cfg config.Config, l logger.Logger) credman.Store {
	return newCredentials(cfg, l)
}

// credsAccount resolves the account of the URL argument, or of the
// configured export URL when none is given.
func credsAccount(ctx *cli.Context, cfg config.Config) (string, error) {
	rawURL := ctx.Args().First()
	if rawURL == "" {
		rawURL = cfg.Export.URL
	}
	if rawURL == "" {
		return "", errors.New("export URL is required")
	}
	return export.Account(rawURL)
}

func credsSet(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "creds", "load_config", err)
		return nil
	}
	account, err := credsAccount(ctx, cfg)
	if err != nil {
		return common.PrintErrWithCmdHelp(ctx, err)
	}
	secret, err := readSecret(stdin)
	if err != nil {
		common.PrintRuntimeErr(ctx, "creds", "read", err)
		return nil
	}
	l, err := newLogger(cfg)
	if err != nil {
		common.PrintRuntimeErr(ctx, "creds", "new_logger", err)
		return nil
	}
	defer l.Close()
	if err := credentialStore(cfg, l).Set(account, secret); err != nil {
		common.PrintRuntimeErr(ctx, "creds", "set", err)
		return nil
	}
	fmt.Fprintf(stdout, "Password stored for %s\n", account)
	return nil
}

// readSecret reads one line from r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func credsGet(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "creds", "load_config", err)
		return nil
	}
	account, err := credsAccount(ctx, cfg)
	if err != nil {
		return common.PrintErrWithCmdHelp(ctx, err)
	}
	_, err = credentialStore(cfg, logger.NewNopLogger()).Get(account)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		fmt.Fprintf(stdout, "No password stored for %s\n", account)
	case err != nil:
		common.PrintRuntimeErr(ctx, "creds", "get", err)
	default:
		fmt.Fprintf(stdout, "A password is stored for %s\n", account)
	}
	return nil
}

func credsDelete(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		common.PrintRuntimeErr(ctx, "creds", "load_config", err)
		return nil
	}
	account, err := credsAccount(ctx, cfg)
	if err != nil {
		return common.PrintErrWithCmdHelp(ctx, err)
	}
	err = credentialStore(cfg, logger.NewNopLogger()).Delete(account)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		fmt.Fprintf(stdout, "No password stored for %s\n", account)
	case err != nil:
		common.PrintRuntimeErr(ctx, "creds", "delete", err)
	default:
		fmt.Fprintf(stdout, "Password removed for %s\n", account)
	}
	return nil
}
