// Command token mints a bearer token for an actor, signed with the API's
// configured secret. Intended for local development and operators.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"parcela.org/internal/auth"
	"parcela.org/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("PARCELA_CONFIG"))
	if err != nil {
		fail("load config: %v", err)
	}
	var (
		actor = flag.String("actor", "admin", "Actor ID to place in the subject claim")
		ttl   = flag.Duration("ttl", cfg.Auth.TokenTTL, "Token lifetime")
	)
	flag.Parse()

	if len(cfg.Auth.Secret) < 16 {
		fail("PARCELA_AUTH_SECRET must be at least 16 bytes")
	}
	issuer, err := auth.NewIssuer(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		fail("token issuer: %v", err)
	}
	token, expires, err := issuer.GenerateToken(*actor, *ttl)
	if err != nil {
		fail("generate token: %v", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "actor %s, expires %s\n", *actor, expires.UTC().Format(time.RFC3339))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
