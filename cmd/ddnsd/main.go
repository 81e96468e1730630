package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ddns "github.com/Travis-Britz/ddnsd"
	"golang.org/x/term"
)

var config = struct {
	File           string
	PidFile        string
	Admin          string
	Verbose        bool
	ListServices   bool
	ListInterfaces bool
}{}

func init() {
	flag.StringVar(&config.File, "f", env("DDNSD_CONFIG", "/etc/ddnsd.yaml"), "Path to the configuration file")
	flag.StringVar(&config.PidFile, "pidfile", "", "Write the process ID to this file")
	flag.StringVar(&config.Admin, "admin", "", "Listen address of the admin API, e.g. 127.0.0.1:8788")
	flag.BoolVar(&config.Verbose, "v", false, "Log every outbound request")
	flag.BoolVar(&config.ListServices, "list-services", false, "List the supported services and exit")
	flag.BoolVar(&config.ListInterfaces, "list-interfaces", false, "List the local network interfaces and exit")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	registry := ddns.DefaultRegistry()
	if config.ListServices {
		for _, name := range registry.Names() {
			fmt.Println(name)
		}
		return nil
	}
	if config.ListInterfaces {
		return listInterfaces()
	}

	cfg, err := loadConfig(config.File, term.IsTerminal(int(os.Stdin.Fd())))
	if err != nil {
		return err
	}

	logger := log.Default()
	options := []ddns.Option{
		ddns.WithLogger(logger),
		ddns.WithRegistry(registry),
		ddns.WithConfigLoader(func() (ddns.Config, error) {
			return loadConfig(config.File, false)
		}),
	}
	if config.Verbose {
		options = append(options, ddns.WithRequestLogger(logger))
	}
	d, err := ddns.New(cfg, options...)
	if err != nil {
		return err
	}

	if config.PidFile != "" {
		if err := writePidFile(config.PidFile); err != nil {
			return err
		}
		defer os.Remove(config.PidFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go handleSignals(ctx, d, logger)

	if config.Admin != "" {
		srv := &http.Server{
			Addr:              config.Admin,
			Handler:           ddns.AdminHandler(d, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Printf("admin API is listening on %s", config.Admin)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("admin API: %s", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	return d.Run(ctx)
}

// handleSignals turns the administrative signals into daemon commands:
// SIGHUP reloads the configuration, SIGUSR1 re-checks the WAN address and SIGUSR2 unfreezes every account.
func handleSignals(ctx context.Context, d *ddns.Daemon, logger *log.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				logger.Println("got SIGHUP; reloading config file")
				if _, err := d.Reload(ctx); err != nil {
					logger.Println("continuing with unchanged config")
				}
			case syscall.SIGUSR1:
				logger.Println("got SIGUSR1; checking the WAN address")
				d.Wakeup()
			case syscall.SIGUSR2:
				logger.Println("got SIGUSR2; unfreezing accounts")
				d.Unfreeze()
			}
		}
	}
}

func listInterfaces() error {
	ifaces, err := ddns.Interfaces()
	for _, iface := range ifaces {
		state := "down"
		if iface.Up {
			state = "up"
		}
		fmt.Printf("%s (%s)\n", iface.Name, state)
		for _, p := range iface.Addrs {
			fmt.Printf("\taddr: %s\n", p)
		}
	}
	return err
}

func writePidFile(path string) error {
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("unable to write pid file: %w", err)
	}
	return nil
}

func env(envvar string, defaultvalue string) string {
	e, found := os.LookupEnv(envvar)
	if found {
		return e
	}
	return defaultvalue
}
