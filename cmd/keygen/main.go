// Package main generates the secrets an operator needs to seed a deployment:
// a module API key with the hash stored in module_api_keys, and values for
// MPF_JWT_SECRET and ENCRYPTION_KEY. Keys created through the admin API are
// preferred in production because they carry site and module bindings.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"

	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/crypto"
)

func main() {
	command := "apikey"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "apikey":
		prefix := auth.DefaultAPIKeyPrefix
		if len(os.Args) > 2 {
			prefix = os.Args[2]
		}
		key, hash, display, err := auth.GenerateAPIKey(prefix)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("Key:    ", key)
		fmt.Println("Hash:   ", hash)
		fmt.Println("Prefix: ", display)
		fmt.Println()
		fmt.Println("-- bind it with:")
		fmt.Println("-- INSERT INTO module_api_keys (module_id, site_id, name, key_hash, key_prefix, scopes)")
		fmt.Printf("--   VALUES ('<module-id>', '<site-id>', 'seed', '%s', '%s', '[\"read\"]');\n", hash, display)
	case "secrets":
		fmt.Printf("MPF_JWT_SECRET=%s\n", randomString(48))
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(key))
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [apikey [prefix] | secrets]\n", os.Args[0])
		os.Exit(2)
	}
}

// randomString returns n random bytes as unpadded base64url.
func randomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
