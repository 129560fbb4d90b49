// Command tokengen prints a signed credential for a subject, for exercising
// the gate locally.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gourl/quotagate/internal/auth"
	"github.com/gourl/quotagate/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("tokengen", flag.ContinueOnError)
	subject := fs.String("subject", "", "subject (user_id claim) to issue the token for")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime; 0 issues a token without expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var opts []auth.JWTResolverOption
	if cfg.Auth.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	resolver, err := auth.NewJWTResolver(cfg.Auth.Secret, opts...)
	if err != nil {
		return err
	}

	token, err := resolver.Issue(*subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
