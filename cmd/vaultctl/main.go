// Small operator tool for the bridge vault. Reads, writes, deletes and
// lists named secrets using the same sealing as the bridge itself, so
// a test credential can be seeded without pairing.
// Usage: go run ./cmd/vaultctl -db /path/to/vault.db list
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/docflow/scanner-bridge/internal/vault"
)

func main() {
	dbPath := flag.String("db", "vault.db", "path to vault.db")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	v, err := vault.Open(*dbPath)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}
	defer v.Close()

	switch args[0] {
	case "list":
		names, err := v.Names()
		if err != nil {
			log.Fatalf("list: %v", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}

	case "get":
		need(args, 2)
		val, err := v.Get(args[1])
		if errors.Is(err, vault.ErrNotFound) {
			log.Fatalf("%s: not found", args[1])
		}
		if err != nil {
			log.Fatalf("get %s: %v", args[1], err)
		}
		fmt.Println(val)

	case "put":
		need(args, 3)
		if err := v.Put(args[1], args[2]); err != nil {
			log.Fatalf("put %s: %v", args[1], err)
		}
		fmt.Printf("stored %s\n", args[1])

	case "delete":
		need(args, 2)
		if err := v.Delete(args[1]); err != nil {
			log.Fatalf("delete %s: %v", args[1], err)
		}
		fmt.Printf("deleted %s\n", args[1])

	default:
		usage()
	}
}

func need(args []string, n int) {
	if len(args) < n {
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vaultctl [-db path] list | get <name> | put <name> <value> | delete <name>")
	os.Exit(2)
}
