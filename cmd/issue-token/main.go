package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/service"
)

// issue-token signs a development token with the server's JWT secret, for
// local testing without the identity provider.
func main() {
	var (
		kind    string
		userID  string
		name    string
		ttlFlag time.Duration
	)
	flag.StringVar(&kind, "type", string(service.TokenTypeStudent), "Token type: student or proctor")
	flag.StringVar(&userID, "user", "", "User ID to embed in the token (required)")
	flag.StringVar(&name, "name", "", "Display name")
	flag.DurationVar(&ttlFlag, "ttl", 4*time.Hour, "Token lifetime")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	tokenType := service.TokenType(kind)
	if tokenType != service.TokenTypeStudent && tokenType != service.TokenTypeProctor {
		fmt.Fprintln(os.Stderr, "Error: -type must be student or proctor")
		os.Exit(2)
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required")
		flag.PrintDefaults()
		os.Exit(2)
	}

	authService := service.NewAuthService(cfg)
	token, err := authService.GenerateToken(tokenType, userID, name, ttlFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	fmt.Println(token)
}
