package main

import (
	"fmt"
	"os"

	"github.com/barryq93/promHANA/internal/utils"
	flag "github.com/spf13/pflag"
)

func main() {
	key := flag.StringP("key", "k", os.Getenv("HANADB_EXPORTER_ENCRYPTION_KEY"), "32-byte encryption key (defaults to HANADB_EXPORTER_ENCRYPTION_KEY)")
	text := flag.StringP("text", "t", "", "Text to encrypt (required)")
	flag.Parse()

	if *key == "" || *text == "" {
		fmt.Println("Usage: go run scripts/encrypt_password.go --key <32-byte-key> --text <plaintext>")
		fmt.Println("Example: go run scripts/encrypt_password.go --key \"32-byte-long-secret-key-here!!!!\" --text \"mypassword\"")
		os.Exit(1)
	}

	encrypted, err := utils.Encrypt(*key, *text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encryption failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Encrypted value: %s\n", encrypted)
	fmt.Println("Copy this value into your config.yml for hana.password or basic_auth.password.")
}
