// mktoken mints an HMAC-SHA256 bearer token carrying a tenant_id claim, for
// exercising the API by hand.
//
//	mktoken -secret dev-secret -tenant tenant_001 -sub user_123 -email test@example.com
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"sheetbridge/internal/auth"
)

func main() {
	secret := flag.String("secret", os.Getenv("SHEETBRIDGE_JWT_SECRET"), "signing secret (defaults to SHEETBRIDGE_JWT_SECRET)")
	tenant := flag.String("tenant", "tenant_001", "tenant_id claim")
	subject := flag.String("sub", "", "sub claim (optional)")
	email := flag.String("email", "", "email claim (optional)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *secret == "" {
		log.Fatal("a signing secret is required: pass -secret or set SHEETBRIDGE_JWT_SECRET")
	}
	if *tenant == "" {
		log.Fatal("-tenant must not be empty")
	}

	token, err := auth.Issue(*secret, *tenant, *subject, *email, *ttl)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}
	fmt.Println(token)
}
