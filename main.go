package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/node"
)

func main() {
	configName := pflag.String("config", "config", "name of the configuration file, without extension")
	configPath := pflag.String("config-path", "./", "directory holding the configuration file")
	dev := pflag.Int("dev", -1, "run as development node N of a local committee, without a configuration file")
	devSize := pflag.Int("dev-committee-size", config.DefaultDevCommitteeSize, "size of the development committee")
	pflag.Parse()

	conf, err := loadConfig(*configName, *configPath, *dev, *devSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load the configuration:", err)
		os.Exit(1)
	}
	if err := run(conf); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(name, path string, dev, devSize int) (*config.Config, error) {
	if dev >= 0 {
		if dev >= devSize {
			return nil, fmt.Errorf("dev node %d is outside a committee of %d", dev, devSize)
		}
		return config.Dev(uint16(dev), devSize), nil
	}
	return config.LoadConfig("narwhal", name, path)
}

func run(conf *config.Config) error {
	n, err := node.New(conf)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.MetricsAddr != "" {
		server := &http.Server{
			Addr:              conf.MetricsAddr,
			Handler:           promhttp.HandlerFor(n.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, "metrics endpoint failed:", err)
			}
		}()
		defer server.Close()
	}

	if err := n.Start(ctx); err != nil {
		return err
	}
	fmt.Println("node starts the mempool!", conf.Name, n.ListenAddr())
	stopped := make(chan error, 1)
	go func() { stopped <- n.Wait() }()
	select {
	case <-ctx.Done():
	case err := <-stopped:
		return errors.Join(err, n.Shutdown())
	}
	return n.Shutdown()
}
