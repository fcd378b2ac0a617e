package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"confsyncd/core"
)

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var env, debugAddr string

	cmd := &cobra.Command{
		Use:   "confsyncd",
		Short: "configuration-management client-server protocol daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env, debugAddr)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "configuration environment overlay to merge over confsyncd.yaml")
	cmd.Flags().StringVar(&debugAddr, "debug-addr", "", "address for the debug HTTP endpoint (disabled if empty)")
	return cmd
}

func run(env, debugAddr string) error {
	cfg, err := core.Load(env)
	if err != nil {
		return core.Wrap(err, "load config")
	}

	lv, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lv = log.InfoLevel
	}
	core.Logger().SetLevel(lv)

	priv, err := core.LoadPrivateKey(cfg.PrivateKeyPath(), os.Getenv("CONFSYNCD_KEY_PASSPHRASE"))
	if err != nil {
		return core.Wrap(err, "load private key")
	}

	keys, err := core.NewKeyStore(cfg.PPKeysDir(), core.ParseTrustList(cfg.Auth.TrustKeysFrom))
	if err != nil {
		return core.Wrap(err, "open key store")
	}

	if err := os.MkdirAll(cfg.StateDir(), 0700); err != nil {
		return core.Wrap(err, "create state dir")
	}
	seen, err := core.OpenLastseen(cfg.LastseenPath(), cfg.Lastseen.ForgetRate, cfg.Lastseen.GCHorizon)
	if err != nil {
		return core.Wrap(err, "open lastseen store")
	}
	defer seen.Close()

	rules, err := loadRules(cfg.Access.RulesFile)
	if err != nil {
		return core.Wrap(err, "load access rules")
	}

	var terminating int32
	srv := &core.Server{
		Config:     cfg,
		Keys:       keys,
		Seen:       seen,
		Rules:      rules,
		Shortcuts:  core.ShortcutTable{},
		Executor:   core.NullExecutor{},
		PrivateKey: priv,
		Variables:  map[string]string{},
		Terminating: func() bool {
			return atomic.LoadInt32(&terminating) != 0
		},
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Listen.Addr, cfg.Listen.Port))
	if err != nil {
		return core.Wrap(err, "listen")
	}
	log.WithField("addr", ln.Addr()).Info("confsyncd listening")

	if debugAddr != "" {
		go serveDebug(debugAddr, srv)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown requested, draining connections")
		atomic.StoreInt32(&terminating, 1)
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&terminating) != 0 {
				return nil
			}
			log.WithError(err).Warn("accept failed")
			continue
		}
		go core.ServeConn(srv, conn)
	}
}

// loadRules reads an access-rule file. A missing file is not an error: the
// daemon starts with an empty, deny-all rule set.
func loadRules(path string) ([]core.AccessRule, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return core.LoadAccessRules(path)
}
