package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quillcms/quill/internal/secrets"
	"github.com/quillcms/quill/internal/server"
	"github.com/quillcms/quill/internal/service"
	"github.com/quillcms/quill/internal/token"
)

const banner = `
  ___  _   _ ___ _    _
 / _ \| | | |_ _| |  | |
| (_) | |_| || || |__| |__
 \__\_\\___/|___|____|____|
`

func newServeCmd() *cobra.Command {
	var (
		port      int
		host      string
		dev       bool
		daemon    bool
		rateLimit int
		prefixOpt bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Quill API server",
		Long:  "Start the HTTP server that exposes the Quill REST API for sessions, API keys, posts, and administration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return runServeDaemon()
			}
			return runServe(host, port, dev, rateLimit, prefixOpt)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging, CORS *)")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run the server in the background")
	cmd.Flags().IntVar(&rateLimit, "login-rate-limit", 10, "Login/register requests per minute per IP")
	cmd.Flags().BoolVar(&prefixOpt, "key-prefix-lookup", false, "Narrow API key verification by stored key prefix")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("rate_limit.login", cmd.Flags().Lookup("login-rate-limit"))

	return cmd
}

// runServeDaemon re-executes the current binary detached from the terminal,
// with stdout/stderr redirected to the log file, and records its PID.
func runServeDaemon() error {
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve"}
	for _, a := range os.Args[2:] {
		if a != "--daemon" && a != "-d" {
			args = append(args, a)
		}
	}

	child := exec.Command(os.Args[0], args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}

	if err := writePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	fmt.Printf("Quill server started in the background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Printf("  Stop: quill stop\n")
	return nil
}

func runServe(host string, port int, dev bool, rateLimit int, prefixOpt bool) error {
	fmt.Print(banner)
	fmt.Println()

	// Set up logger
	logLevel := slog.LevelInfo
	if dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	// 1. Initialize the SQLite store
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	logger.Info("store initialized", "path", resolveDataDir())

	// 2. Signing secret manager. The seed is only used on the very first
	// start, before any secret has been persisted.
	seed := viper.GetString("auth.secret_seed")
	sm := secrets.NewManager(st, seed)

	// 3. Token codec. The refresh secret is fixed and survives rotation
	// of the access-token signing secret.
	refreshSecret := viper.GetString("auth.refresh_secret")
	if refreshSecret == "" {
		refreshSecret = "quill-dev-refresh-secret-change-me"
		logger.Warn("auth.refresh_secret not set, using development default")
	}
	codec := token.NewCodec(sm, refreshSecret)

	// 4. Authentication service
	authSvc := service.NewAuthService(st, codec, logger)
	if prefixOpt || viper.GetBool("auth.key_prefix_lookup") {
		authSvc.EnablePrefixLookup()
		logger.Info("api key prefix lookup enabled")
	}

	// 5. Check for first-run (no admin exists)
	hasAdmin, err := st.HasAnyAdmin(context.Background())
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: quill user create --role admin")
	}

	// 6. Build and start HTTP server
	srvCfg := server.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		LoginRateLimit:  rateLimit,
		Version:         versionString(),
	}
	if origins := viper.GetStringSlice("server.cors.allowed_origins"); len(origins) > 0 && !dev {
		srvCfg.CORSOrigins = origins
	}

	srv := server.New(srvCfg, st, authSvc, sm, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ Quill %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
