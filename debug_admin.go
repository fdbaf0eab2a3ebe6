// debug_admin hashes a dashboard admin password for ADMIN_PASSWORD_HASH:
//
//	go run debug_admin.go 's3cret'
//
// With no arguments it reports the admin auth state resolved from the
// environment, which helps when the dashboard rejects credentials.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/httpserver"
	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
)

func main() {
	if len(os.Args) > 1 {
		hash, err := httpserver.HashPassword(os.Args[1], httpserver.DefaultArgon2Params())
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("AdminUsername: '%s'\n", cfg.AdminUsername)
	fmt.Printf("AdminPasswordHash set: %v\n", cfg.AdminPasswordHash != "")
	fmt.Printf("AdminEnabled(): %v\n", cfg.AdminEnabled())
}
