package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"liquidationqueue/crypto"
	"liquidationqueue/native/liquidation"
	"liquidationqueue/rpc"
)

const (
	keygenCommand = "keygen"
	tokenCommand  = "token"
	checkCommand  = "check-config"
	callCommand   = "call"

	defaultEndpoint  = "http://127.0.0.1:8480"
	defaultSecretEnv = "LIQ_JWT_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case checkCommand:
		err = runCheckConfig(os.Args[2:], os.Stdout)
	case callCommand:
		err = runCall(os.Args[2:], os.Stdout)
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
	fmt.Fprintf(os.Stderr, `Usage: liqctl <command> [flags]

Commands:
  %s          generate a secp256k1 key and print its account address
  %s           issue a bearer token for an address
  %s    validate a module genesis TOML file
  %s            invoke a JSON-RPC method on liquidationd
`, keygenCommand, tokenCommand, checkCommand, callCommand)
}

func runKeygen(out io.Writer) error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Fprintf(out, "address:     %s\n", key.PubKey().Address().String())
	fmt.Fprintf(out, "private key: %s\n", hex.EncodeToString(key.Bytes()))
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	subject := fs.String("address", "", "Account address placed in the sub claim")
	scopes := fs.String("scopes", "", "Comma separated scopes to grant")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable holding the HMAC secret")
	issuer := fs.String("issuer", "", "Issuer claim")
	audience := fs.String("audience", "", "Audience claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := crypto.DecodeAddress(*subject); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	secret, ok := os.LookupEnv(*secretEnv)
	if !ok || strings.TrimSpace(secret) == "" {
		return fmt.Errorf("environment variable %s is not set", *secretEnv)
	}
	var granted []string
	for _, scope := range strings.Split(*scopes, ",") {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			granted = append(granted, trimmed)
		}
	}
	token, err := rpc.IssueToken(rpc.AuthConfig{
		HMACSecret: secret,
		Issuer:     *issuer,
		Audience:   *audience,
	}, *subject, granted, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runCheckConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(checkCommand, flag.ContinueOnError)
	path := fs.String("config", "liquidation.toml", "Path to the module genesis file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := liquidation.LoadConfig(*path)
	if err != nil {
		return err
	}
	genesis, err := cfg.Genesis()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "owner:          %s\n", genesis.Params.Owner.String())
	fmt.Fprintf(out, "lending system: %s\n", genesis.Params.LendingSystem.String())
	fmt.Fprintf(out, "stable denom:   %s\n", genesis.Params.StableDenom)
	for _, q := range genesis.Queues {
		fmt.Fprintf(out, "queue %-10s max premium %d%%, threshold %s\n", q.Asset, q.MaxPremium, q.BidThreshold.Dec())
	}
	return nil
}

func runCall(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(callCommand, flag.ContinueOnError)
	endpoint := fs.String("rpc", envOr("LIQ_RPC_URL", defaultEndpoint), "liquidationd endpoint")
	token := fs.String("token", os.Getenv("LIQ_RPC_TOKEN"), "Bearer token")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("method required")
	}
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": rest[0]}
	if len(rest) > 1 {
		var params json.RawMessage
		if err := json.Unmarshal([]byte(rest[1]), &params); err != nil {
			return fmt.Errorf("params must be a JSON object: %w", err)
		}
		payload["params"] = []json.RawMessage{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, *endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}
	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var decoded rpc.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("%s (code %d)", decoded.Error.Message, decoded.Error.Code)
	}
	pretty, err := json.MarshalIndent(decoded.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(pretty))
	return nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
