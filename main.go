package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/treemana/splitdns/cache"
	"github.com/treemana/splitdns/config"
	"github.com/treemana/splitdns/log"
	"github.com/treemana/splitdns/udp"
	"github.com/treemana/splitdns/upstream"
)

type flags struct {
	config    string
	host      string
	port      int
	ttl       uint64
	upstreams []string
	verbose   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "splitdns",
		Short: "Forwarding DNS resolver",
		Long: `Forwarding DNS resolver.

It listens for DNS queries over UDP and forwards each one
to all configured upstream resolvers at once. Answers
carrying addresses win over answers without, earlier
configured upstreams win ties. Winning answers are cached
for a fixed TTL.
`,
		Example: `  splitdns --config servers.toml
  splitdns --port 5353 --upstream 8.8.8.8,1.1.1.1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := loadOption(cmd, f, os.LookupEnv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opt)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&f.config, "config", "c", "", "TOML configuration file")
	cmd.Flags().StringVar(&f.host, "host", "0.0.0.0", "bind socket to this host [env HOST]")
	cmd.Flags().IntVarP(&f.port, "port", "p", 53, "bind to this socket port [env PORT]")
	cmd.Flags().Uint64VarP(&f.ttl, "ttl", "t", 5*60, "cache time to live in seconds, 0 disables the cache [env TTL]")
	cmd.Flags().StringSliceVarP(&f.upstreams, "upstream", "u", nil, "upstream resolvers in priority order [env UPSTREAMS]")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")

	return cmd
}

// loadOption layers defaults, the config file, the environment and the flags
// the user actually set, in that order.
func loadOption(cmd *cobra.Command, f flags, lookup func(string) (string, bool)) (*config.Option, error) {
	var opt = config.Default()
	if len(f.config) > 0 {
		var err error
		if opt, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}

	if err := opt.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("host") {
		opt.Server.Host = f.host
	}
	if changed("port") {
		opt.Server.Port = f.port
	}
	if changed("ttl") {
		opt.Cache.TTL = f.ttl
	}
	if changed("upstream") {
		opt.Upstream.Servers = f.upstreams
		opt.Groups = nil
	}
	if changed("verbose") {
		opt.Log.Verbose = f.verbose
	}

	if err := opt.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return opt, nil
}

func run(ctx context.Context, opt *config.Option) error {

	if err := initLog(opt); err != nil {
		return err
	}
	defer func() {
		log.Sync()
		time.Sleep(100 * time.Millisecond)
	}()

	addrs, err := opt.Upstreams()
	if err != nil {
		return err
	}

	var up *upstream.UpStream
	if up, err = upstream.New(addrs, upstream.Options{
		Client: upstream.ClientOptions{
			ConnectTimeout: opt.ConnectTimeout(),
			RequestTimeout: opt.RequestTimeout(),
		},
		Strict: opt.Upstream.Strict,
	}); err != nil {
		log.Sugar.Error(err)
		return err
	}
	defer func() { _ = up.Close() }()

	c := cache.New(cache.Options{
		TTL:      opt.CacheTTL(),
		Capacity: opt.Cache.Capacity,
		GCPeriod: opt.CacheGCPeriod(),
	})

	var server *udp.Server
	if server, err = initServer(opt, up, c); err != nil {
		log.Sugar.Error(err)
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// splitdns is running until os exit
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sc)
	go func() {
		select {
		case s := <-sc:
			log.Sugar.Infof("signal %d %s", s, s)
			cancel()
		case <-ctx.Done():
		}
	}()

	return server.Serve(ctx)
}

func initLog(opt *config.Option) error {
	lc := log.Config{
		File:       opt.Log.File,
		STDOUT:     opt.Log.STDOUT,
		Level:      log.ParseLevel(opt.Log.Level),
		MaxAge:     2,
		MaxSize:    10,
		MaxBackups: 100,
		JsonFormat: opt.Log.JSON,
	}

	if opt.Log.Verbose {
		lc.Level = -1
	}

	if err := log.Init(lc); err != nil {
		fmt.Println("log init error", err)
		return err
	}

	return nil
}

func initServer(opt *config.Option, resolver udp.Resolver, c *cache.Cache) (*udp.Server, error) {
	ip := net.ParseIP(opt.Server.Host)
	if ip == nil {
		return nil, errors.Errorf("invalid host %q", opt.Server.Host)
	}
	log.Sugar.Infof("server %s:%d, cache ttl %s, capacity %d", ip, opt.Server.Port, opt.CacheTTL(), opt.Cache.Capacity)
	return udp.New(ip, opt.Server.Port, resolver, c, udp.Options{BufferSize: opt.Server.BufferSize})
}
