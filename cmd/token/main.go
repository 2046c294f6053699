// Command token prints a signed access token for local testing of the API.
//
//	go run ./cmd/token -sub op-1 -role OPERATOR
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/session-escrow/internal/middleware"
	"github.com/iliyamo/session-escrow/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: .env not loaded: %v", err)
	}
	sub := flag.String("sub", "", "operator or rider id")
	role := flag.String("role", middleware.RoleRider, "OPERATOR or RIDER")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *sub == "" {
		log.Fatal("JWT_SECRET and -sub are required")
	}
	if *role != middleware.RoleOperator && *role != middleware.RoleRider {
		log.Fatalf("unknown role %q", *role)
	}
	tok, err := utils.NewAccessToken(secret, *sub, *role, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(tok.Token)
}
