package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/api/rest"
	"github.com/iggydv12/aidchain/internal/config"
	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/logging"
	"github.com/iggydv12/aidchain/internal/node"
	"github.com/iggydv12/aidchain/internal/storage"
	"github.com/iggydv12/aidchain/internal/storage/local"
)

var (
	cfgFile  string
	roleFlag string
	keyOut   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aidchain",
		Short: "aidchain: permissioned ledger for emergency coordination networks",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a ledger node",
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&roleFlag, "role", "r", "", "Node role: 'coordinator' | 'relay' | 'endpoint' (overrides node.role)")

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node key and print its node id",
		RunE:  runKeygen,
	}
	keygenCmd.Flags().StringVarP(&keyOut, "out", "o", "", "Key file to write (default: node.keyFile)")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the archived chain offline",
		RunE:  runVerify,
	}

	rootCmd.AddCommand(startCmd, keygenCmd, verifyCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	return cfg, logger, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if roleFlag != "" {
		cfg.Node.Role = roleFlag
	}
	if _, err := identity.ParseRole(cfg.Node.Role); err != nil {
		return err
	}

	handler := func(e *node.Engine) http.Handler {
		return rest.New(e, logger).Handler()
	}
	return node.NewController(cfg, handler, logger).Run(cmd.Context())
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	path := keyOut
	if path == "" {
		path = cfg.Node.KeyFile
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s already exists", path)
	}

	k, err := identity.Generate(identity.RoleNone)
	if err != nil {
		return err
	}
	if err := k.Save(path); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), k.LocalNodeID())
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	kv, err := local.Open(cfg.Storage.Engine, cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer kv.Close()

	chain, err := storage.NewArchive(kv, logger).Load(identity.Verifier{})
	if err != nil {
		return fmt.Errorf("archive load: %w", err)
	}
	if err := ledger.VerifyChain(identity.Verifier{}, chain); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "INVALID at or before height %d: %s (%v)\n",
			chain[len(chain)-1].Height, ledger.ReasonOf(err), err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d blocks, head %s\n", len(chain), chain[len(chain)-1].Hash)
	return nil
}
