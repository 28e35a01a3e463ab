package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dnsfwd/dnsfwd/config"
	"github.com/dnsfwd/dnsfwd/proxy"
)

const (
	listenAddrV4 = "127.0.0.1:53"
	listenAddrV6 = "[::1]:53"
)

type options struct {
	configPath string
	logLevel   uint32
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dnsfwd",
		Short: "Caching DNS forwarder for the loopback interface",
		Long: `Caching DNS forwarder for the loopback interface.

Listens for DNS queries over UDP on 127.0.0.1:53 and [::1]:53, forwards
them in parallel to a configured set of upstream resolvers over plain DNS
or DNS-over-TLS, and returns the first useful answer. Positive answers
are cached for five minutes.
`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=Panic .. 6=Trace")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the forwarder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt)
		},
	}
	runCmd.Flags().StringVarP(&opt.configPath, "config", "c", "", "path to the TOML configuration file")
	_ = runCmd.MarkFlagRequired("config")

	exampleCmd := &cobra.Command{
		Use:   "example",
		Short: "Print a sample configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.Example())
		},
	}

	cmd.AddCommand(runCmd, exampleCmd)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options) error {
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	log.SetLevel(log.Level(opt.logLevel))

	cfg, err := config.Load(opt.configPath)
	if err != nil {
		return err
	}
	for _, u := range cfg.Servers {
		transport := "udp"
		if u.UseTLS {
			transport = "dot"
		}
		log.Infof("upstream %s (%s, %s)", u.Address, transport, u.Description)
	}

	srv := proxy.NewServer(cfg.Servers)
	if err := srv.Listen(listenAddrV4, listenAddrV6); err != nil {
		return fmt.Errorf("binding listeners: %w", err)
	}
	if err := dropPrivileges(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}
