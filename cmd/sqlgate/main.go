package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sqlgate/internal/api"
	"sqlgate/internal/config"
	"sqlgate/internal/core"
	"sqlgate/internal/data"
	"sqlgate/internal/firewall"
	"sqlgate/internal/logger"
	"sqlgate/internal/pool"
	"sqlgate/internal/service"
	"sqlgate/internal/session"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	// Backend drivers
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "adduser":
			handleAddUser(os.Args[2:])
			return
		case "reset-password":
			handleResetPassword(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		default:
			fmt.Printf("Unknown command: %s\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}

	startServer()
}

func printHelp() {
	fmt.Println("SQLGate - Remote SQL access gateway")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sqlgate                            Start the server")
	fmt.Println("  sqlgate adduser -u <user>          Create an account (interactive)")
	fmt.Println("  sqlgate reset-password -u <user>   Reset an account password (interactive)")
	fmt.Println("  sqlgate help                       Show this help")
}

func promptPassword() (string, bool) {
	fmt.Print("New password: ")
	passBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Printf("Failed to read password: %v\n", err)
		return "", false
	}

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Printf("Failed to read password: %v\n", err)
		return "", false
	}

	if string(passBytes) != string(confirmBytes) {
		fmt.Println("Passwords do not match.")
		return "", false
	}
	if len(passBytes) == 0 {
		fmt.Println("Password cannot be empty.")
		return "", false
	}
	return string(passBytes), true
}

func openUserRepo() (*data.UserRepo, func()) {
	dataDir := os.Getenv("SQLGATE_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}
	db, err := data.InitDB(dataDir)
	if err != nil {
		fmt.Printf("Failed to open internal store: %v\n", err)
		os.Exit(1)
	}
	return data.NewUserRepo(db), func() { db.Close() }
}

func handleAddUser(args []string) {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	username := fs.String("u", "", "Username to create")
	fs.Parse(args)

	if *username == "" {
		fmt.Println("Usage: sqlgate adduser -u <username>")
		os.Exit(1)
	}

	password, ok := promptPassword()
	if !ok {
		os.Exit(1)
	}

	repo, closeRepo := openUserRepo()
	defer closeRepo()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Printf("Failed to hash password: %v\n", err)
		os.Exit(1)
	}
	if _, err := repo.CreateUser(*username, string(hash)); err != nil {
		fmt.Printf("Failed to create user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("User '%s' created.\n", *username)
}

func handleResetPassword(args []string) {
	fs := flag.NewFlagSet("reset-password", flag.ExitOnError)
	username := fs.String("u", "", "Username to reset")
	fs.Parse(args)

	if *username == "" {
		fmt.Println("Usage: sqlgate reset-password -u <username>")
		os.Exit(1)
	}

	password, ok := promptPassword()
	if !ok {
		os.Exit(1)
	}

	repo, closeRepo := openUserRepo()
	defer closeRepo()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Printf("Failed to hash password: %v\n", err)
		os.Exit(1)
	}
	if err := repo.UpdatePassword(*username, string(hash)); err != nil {
		fmt.Printf("Failed to reset password: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Password for user '%s' has been reset successfully.\n", *username)
}

func startServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\nCheck .env, SQLGATE_* variables and databases.json.\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogDir); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info.Println("Starting SQLGate...")

	if pid, ok := service.ReadPortFile(cfg.SemDir, cfg.Port); ok {
		logger.Error.Fatalf("port %d already claimed by pid %d (stale file? remove it and retry)", cfg.Port, pid)
	}

	db, err := data.InitDB(cfg.DataDir)
	if err != nil {
		logger.Error.Fatalf("Failed to init internal store: %v", err)
	}
	defer db.Close()

	userRepo := data.NewUserRepo(db)
	banRepo := data.NewBanRepo(db)
	auditRepo := data.NewAuditRepo(db)

	// Plugins are looked up by name, explicitly, at startup. A typo in
	// databases.json dies here, not at first request.
	registry := core.NewRegistry()
	session.Register(registry)
	firewall.RegisterManagers(registry)
	firewall.RegisterTriggers(registry)

	backends := pool.New()
	defer backends.Close()

	auditLog := logger.NewJSONAudit(os.Stdout)

	authenticators := make(map[string]core.Authenticator, len(cfg.Databases))
	chains := make(map[string]*firewall.Chain, len(cfg.Databases))
	for name, dbCfg := range cfg.Databases {
		if err := backends.Add(dbCfg); err != nil {
			logger.Error.Fatalf("Failed to register database %q: %v", name, err)
		}

		deps := core.PluginDeps{
			Users: userRepo,
			Bans:  banRepo,
			Audit: auditRepo,
			Options: map[string]string{
				"allowlist_table": dbCfg.AllowlistTable,
				"database":        name,
			},
		}

		authName := dbCfg.Authenticator
		if authName == "" {
			authName = "userstore"
		}
		auth, err := registry.BuildAuthenticator(authName, deps)
		if err != nil {
			logger.Error.Fatalf("Database %q: %v", name, err)
		}
		authenticators[name] = auth

		var managers []core.FirewallManager
		for _, mName := range dbCfg.Managers {
			m, err := registry.BuildManager(mName, deps)
			if err != nil {
				logger.Error.Fatalf("Database %q: %v", name, err)
			}
			managers = append(managers, m)
		}
		var triggers []core.Trigger
		for _, tName := range dbCfg.Triggers {
			t, err := registry.BuildTrigger(tName, deps)
			if err != nil {
				logger.Error.Fatalf("Database %q: %v", name, err)
			}
			triggers = append(triggers, t)
		}
		var listeners []core.UpdateListener
		for _, lName := range dbCfg.Listeners {
			l, err := registry.BuildListener(lName, deps)
			if err != nil {
				logger.Error.Fatalf("Database %q: %v", name, err)
			}
			listeners = append(listeners, l)
		}

		chains[name] = firewall.NewChain(name, dbCfg.OperationalMode(), managers, triggers, listeners, auditLog)
	}

	var tokens session.TokenCodec = session.OpaqueTokens{}
	if cfg.TokenMode == "signed" {
		tokens = session.NewSignedTokens(cfg.TokenSecret, cfg.SessionIdleTimeout+time.Hour)
	}

	authority := session.NewAuthority(authenticators, tokens, cfg.SessionIdleTimeout, cfg.SweepInterval)
	executor := service.NewExecutor(backends, authority, chains, cfg.Databases, cfg.LeaseTimeout, auditLog)
	authority.Start()
	defer authority.Stop()

	apiHandler := api.NewHandler(executor, cfg.DebugStackTraces)
	consoleHandler := api.NewConsoleHandler(executor, authority, userRepo, banRepo, auditRepo, cfg.TokenSecret)

	r := chi.NewRouter()
	r.Use(api.LoggingMiddleware)
	r.Use(api.Throttle(cfg.MaxConcurrent, cfg.QueueWait))
	r.Mount("/api", apiHandler.Routes())
	r.Mount("/console", consoleHandler.Routes())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	if err := service.WritePortFile(cfg.SemDir, cfg.Port); err != nil {
		logger.Error.Fatalf("Failed to write port file: %v", err)
	}
	defer service.RemovePortFile(cfg.SemDir, cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info.Printf("Server listening on port %d (%d databases)", cfg.Port, len(cfg.Databases))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error.Fatalf("Server startup failed: %v", err)
		}
	}()

	<-stop
	logger.Info.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error.Printf("Server shutdown error: %v", err)
	}
	logger.Info.Println("Server stopped")
}
