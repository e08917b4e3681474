package main

import (
	"fmt"
	"os"
)

const (
	exportCommand = "export"
	tokenCommand  = "token"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case exportCommand:
		err = runExport(os.Args[2:])
	case tokenCommand:
		err = runToken(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: escrowctl <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  %s  Write the escrow ledger to csv, parquet or sqlite audit files\n", exportCommand)
	fmt.Fprintf(os.Stderr, "  %s   Mint a bearer token for an address\n", tokenCommand)
}
