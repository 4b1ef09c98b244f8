// Command gatewayd is the multiplexed terminal gateway daemon: it
// fans PTY sessions out over WebSocket (and optionally SSH) to
// however many clients attach to them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trybotster/gatewayd/internal/config"
	"github.com/trybotster/gatewayd/internal/container"
	"github.com/trybotster/gatewayd/internal/gateway"
	"github.com/trybotster/gatewayd/internal/gatewayserver"
	"github.com/trybotster/gatewayd/internal/permission"
	"github.com/trybotster/gatewayd/internal/qr"
	"github.com/trybotster/gatewayd/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))

	rootCmd := &cobra.Command{
		Use:     "gatewayd",
		Short:   "Multiplexed terminal gateway",
		Version: Version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("ssh-addr", "", "also listen for SSH terminal clients on this address")
	serveCmd.Flags().Bool("print-qr", false, "print a QR code for the websocket URL on startup")
	rootCmd.AddCommand(serveCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gatewayd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Printf("Listen address: %s\n", cfg.ListenAddr)
	fmt.Printf("Default shell: %s\n", cfg.DefaultShell)
	fmt.Printf("Auth provider: %s\n", cfg.AuthProvider)
	fmt.Printf("Require auth: %v\n", cfg.RequireAuth)
	fmt.Printf("Allow container exec: %v\n", cfg.AllowContainerExec)
	fmt.Printf("Max sessions (per client / total): %d / %d\n", cfg.MaxSessionsPerClient, cfg.MaxSessionsTotal)
	fmt.Printf("Max clients per session: %d\n", cfg.MaxClientsPerSession)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	checker, auth, err := buildChecker(cfg)
	if err != nil {
		return fmt.Errorf("build permission checker: %w", err)
	}

	var lister *container.Lister
	if cfg.AllowContainerExec {
		lister, err = container.NewLister(cfg.ContainerRuntimePath, cfg.AllowedContainerPatterns)
		if err != nil {
			return fmt.Errorf("build container lister: %w", err)
		}
	}

	spawner := session.DefaultSpawner
	manager := session.NewManager(session.Limits{
		MaxSessionsPerClient: cfg.MaxSessionsPerClient,
		MaxSessionsTotal:     cfg.MaxSessionsTotal,
		MaxClientsPerSession: cfg.MaxClientsPerSession,
		HistorySize:          cfg.HistorySize,
		HistoryEnabled:       cfg.HistoryEnabled,
		IdleTimeout:          cfg.IdleTimeout,
		OrphanTimeout:        cfg.OrphanTimeout,
	}, spawner, slog.Default())
	manager.StartSweeper(time.Minute)
	defer manager.Cleanup()

	gwCfg := gateway.Config{
		RequireAuth:           cfg.RequireAuth,
		AllowAnonymous:        cfg.AllowAnonymous,
		DefaultShell:          cfg.DefaultShell,
		DefaultCwd:            cfg.DefaultCwd,
		AllowedShells:         cfg.AllowedShells,
		AllowedPaths:          cfg.AllowedPaths,
		AllowContainerExec:    cfg.AllowContainerExec,
		DefaultContainerShell: cfg.DefaultContainerShell,
		ContainerRuntimePath:  cfg.ContainerRuntimePath,
	}

	srv := gatewayserver.New(gwCfg, manager, checker, auth, lister, slog.Default())

	printQR, _ := cmd.Flags().GetBool("print-qr")
	if printQR {
		printPairingCode(cfg.ListenAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.ServeWebSocket(ctx, cfg.ListenAddr)
	}()

	sshAddr, _ := cmd.Flags().GetString("ssh-addr")
	if sshAddr != "" {
		listener, err := net.Listen("tcp", sshAddr)
		if err != nil {
			return fmt.Errorf("listen ssh: %w", err)
		}
		go func() {
			errCh <- srv.ServeSSH(ctx, listener)
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildChecker selects a permission.Checker and optional
// gateway.Authenticator according to cfg.AuthProvider. "none" grants
// every operation; "table" starts with no roles, so it denies every
// operation; "token" loads its secret from the OS keyring and returns an
// error (the server does not start) when none is stored there. A comma-
// separated list composes providers in order: the first checker that
// allows an operation wins. Auth attempts go only to the first listed
// provider that has an authenticator; later authenticators are not tried
// when it rejects a credential.
func buildChecker(cfg *config.Config) (permission.Checker, gateway.Authenticator, error) {
	names := strings.Split(cfg.AuthProvider, ",")
	if len(names) == 1 {
		return buildOneChecker(strings.TrimSpace(names[0]))
	}

	composite := permission.CompositeChecker{}
	var auth gateway.Authenticator
	for _, name := range names {
		checker, a, err := buildOneChecker(strings.TrimSpace(name))
		if err != nil {
			return nil, nil, err
		}
		composite.Checkers = append(composite.Checkers, checker)
		if auth == nil && a != nil {
			auth = a
		}
	}
	return composite, auth, nil
}

func buildOneChecker(name string) (permission.Checker, gateway.Authenticator, error) {
	switch name {
	case "", "none":
		return permission.NoopChecker{}, nil, nil
	case "table":
		return permission.NewTableChecker(nil), nil, nil
	case "token":
		secret, err := permission.LoadSecret("gatewayd")
		if err != nil {
			return nil, nil, fmt.Errorf("load token secret: %w", err)
		}
		checker := permission.NewTokenChecker(secret)
		return checker, checker, nil
	case "cookie":
		checker := permission.NewCookieChecker()
		return checker, cookieAuthenticator{checker}, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth provider %q", name)
	}
}

// cookieAuthenticator adapts CookieChecker's membership lookup to the
// gateway.Authenticator shape the connection handler's auth handshake
// expects.
type cookieAuthenticator struct {
	checker *permission.CookieChecker
}

func (c cookieAuthenticator) Authenticate(clientID, credential string) (permission.UserContext, error) {
	user, ok := c.checker.Authenticate(credential)
	if !ok {
		return permission.UserContext{}, fmt.Errorf("permission: unknown cookie")
	}
	user.ClientID = clientID
	return user, nil
}

// printPairingCode prints a QR code for the gateway's websocket URL
// when stdout is a terminal; on a non-interactive stdout it just
// prints the URL.
func printPairingCode(listenAddr string) {
	url := fmt.Sprintf("ws://%s/ws", listenAddr)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(url)
		return
	}
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		width, height = 80, 40
	}
	for _, line := range qr.GenerateLines(url, uint16(width), uint16(height)) {
		fmt.Println(line)
	}
	fmt.Println(url)
}
