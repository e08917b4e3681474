package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/term"

	"escrowdao/services/escrowd/auth"
	"escrowdao/services/escrowd/config"
)

func runToken(args []string) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	address := fs.String("address", "", "Hex address to place in the token subject")
	issuer := fs.String("issuer", "", "Issuer claim expected by escrowd")
	audience := fs.String("audience", "", "Audience claim expected by escrowd")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*address) {
		return fmt.Errorf("-address must be a hex address")
	}
	secret, err := resolveSecret()
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(secret, common.HexToAddress(*address), *issuer, *audience, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// resolveSecret reads the signing secret from the environment, prompting on
// the terminal when it is unset.
func resolveSecret() (string, error) {
	if value, ok := os.LookupEnv(config.JWTSecretEnv); ok {
		if strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("%s is set but empty", config.JWTSecretEnv)
		}
		return value, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("signing secret required; set %s or run interactively", config.JWTSecretEnv)
	}
	fmt.Fprint(os.Stderr, "Enter escrowd signing secret: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", errors.New("signing secret cannot be empty")
	}
	return secret, nil
}
