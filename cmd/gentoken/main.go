// Command gentoken mints HS256 tokens for local testing against the edge.
// A token minted with -tenant acme is accepted only on acme's host.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var (
		secret   = flag.String("secret", os.Getenv("JWT_SECRET"), "HMAC secret (default $JWT_SECRET)")
		issuer   = flag.String("iss", "https://auth.example.com", "issuer")
		audience = flag.String("aud", "tenant-edge", "audience")
		subject  = flag.String("sub", "dev-user", "subject")
		tenant   = flag.String("tenant", "", "tenant label to bind the token to")
		claim    = flag.String("tenant-claim", "tenant", "claim name carrying the tenant")
		scope    = flag.String("scope", "read write", "space-separated scopes")
		ttl      = flag.Duration("ttl", 2*time.Hour, "token lifetime")
	)
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "gentoken: -secret or JWT_SECRET is required")
		os.Exit(2)
	}

	claims := jwt.MapClaims{
		"sub":   *subject,
		"iss":   *issuer,
		"aud":   *audience,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(*ttl).Unix(),
		"scope": strings.TrimSpace(*scope),
	}
	if *tenant != "" {
		claims[*claim] = strings.ToLower(*tenant)
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gentoken: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
