// edgectl is the operator CLI for the edge plane. It mints development
// tokens, checks configuration files and drives the gateway and
// notifier APIs from the command line.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/trust"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := envOr("EDGE_GATEWAY_URL", "http://localhost:8080")
	notifier := envOr("EDGE_NOTIFIER_URL", "http://localhost:8086")
	token := os.Getenv("EDGE_TOKEN")

	switch os.Args[1] {
	case "token":
		cmdToken(gateway)
	case "config":
		cmdConfig()
	case "notify":
		cmdNotify(notifier, token)
	case "templates":
		cmdTemplates(notifier, token)
	case "version":
		fmt.Printf("edgectl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`edgectl v` + version + `

Usage: edgectl <command> [flags]

Commands:
  token mint        Mint a development access token (needs EDGE_JWT_SECRET)
  token validate    Validate a token through the gateway
  config check      Load and validate a config file
  notify send       Create a notification
  notify list       List a user's notifications
  templates stats   Show template counts per type
  version           Print version
  help              Show this help

Environment:
  EDGE_GATEWAY_URL   Gateway URL (default: http://localhost:8080)
  EDGE_NOTIFIER_URL  Notifier URL (default: http://localhost:8086)
  EDGE_TOKEN         Bearer token for authenticated calls
  EDGE_JWT_SECRET    HMAC secret used by "token mint"

Examples:
  edgectl token mint --sub user-1 --roles USER,PREMIUM
  edgectl token validate --token eyJhbGci...
  edgectl config check configs/gateway.yaml
  edgectl notify send --user user-1 --type FORUM_REPLY --title "New reply" --content "Check the thread"`)
}

// ----------------------------------------------------------------
// token commands
// ----------------------------------------------------------------

func cmdToken(gateway string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: edgectl token <mint|validate>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "mint":
		sub, username, persona := "dev-user", "", ""
		roles := []string{"USER"}
		ttl := 15 * time.Minute

		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--sub":
				i++
				if i < len(args) {
					sub = args[i]
				}
			case "--username":
				i++
				if i < len(args) {
					username = args[i]
				}
			case "--roles":
				i++
				if i < len(args) {
					roles = strings.Split(args[i], ",")
				}
			case "--persona":
				i++
				if i < len(args) {
					persona = args[i]
				}
			case "--ttl":
				i++
				if i < len(args) {
					d, err := time.ParseDuration(args[i])
					if err != nil {
						fmt.Fprintf(os.Stderr, "Invalid --ttl: %v\n", err)
						os.Exit(1)
					}
					ttl = d
				}
			}
		}

		secret := os.Getenv("EDGE_JWT_SECRET")
		if secret == "" {
			fmt.Fprintln(os.Stderr, "Error: EDGE_JWT_SECRET is not set")
			os.Exit(1)
		}
		if username == "" {
			username = sub
		}

		signer := trust.NewSigner(secret, ttl)
		minted, err := signer.MintAccess(sub, username, roles, persona)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Mint failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(minted)

	case "validate":
		var raw string
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			if args[i] == "--token" {
				i++
				if i < len(args) {
					raw = args[i]
				}
			}
		}
		if raw == "" {
			fmt.Fprintln(os.Stderr, "Usage: edgectl token validate --token <jwt>")
			os.Exit(1)
		}

		body, _ := json.Marshal(map[string]string{"token": raw})
		resp, status, err := doRequest("POST", gateway+"/auth/token/validate/public", body, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
			os.Exit(1)
		}

		var result map[string]any
		json.Unmarshal(resp, &result)
		if status == http.StatusOK {
			fmt.Printf("✅ valid | sub=%v expires=%v\n", result["sub"], result["exp"])
			return
		}
		fmt.Printf("⛔ invalid | %v\n", result["message"])
		os.Exit(1)

	default:
		fmt.Fprintln(os.Stderr, "Usage: edgectl token <mint|validate>")
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// config command
// ----------------------------------------------------------------

func cmdConfig() {
	if len(os.Args) < 3 || os.Args[2] != "check" {
		fmt.Fprintln(os.Stderr, "Usage: edgectl config check [path]")
		os.Exit(1)
	}
	path := "configs/gateway.yaml"
	if len(os.Args) > 3 {
		path = os.Args[3]
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Printf("✅ %s\n", path)
	fmt.Printf("  listen:     %s\n", cfg.Server.Addr)
	fmt.Printf("  cache:      %s\n", cfg.Cache.Backend)
	fmt.Printf("  rate limit: enabled=%t\n", cfg.RateLimit.Enabled)
	fmt.Printf("  versions:   %s (default %s)\n", strings.Join(cfg.Versioning.Supported, ", "), cfg.Versioning.Default)
	fmt.Printf("  routes:     %d\n", len(cfg.Routes))
	for _, rt := range cfg.Routes {
		fmt.Printf("    %-18s %-24s -> %s\n", rt.ID, rt.Predicates.Path, rt.Target)
	}
}

// ----------------------------------------------------------------
// notify commands
// ----------------------------------------------------------------

func cmdNotify(notifier, token string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: edgectl notify <send|list>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "send":
		var user, typ, title, content, actionURL, priority string
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--user":
				i++
				if i < len(args) {
					user = args[i]
				}
			case "--type":
				i++
				if i < len(args) {
					typ = args[i]
				}
			case "--title":
				i++
				if i < len(args) {
					title = args[i]
				}
			case "--content":
				i++
				if i < len(args) {
					content = args[i]
				}
			case "--action-url":
				i++
				if i < len(args) {
					actionURL = args[i]
				}
			case "--priority":
				i++
				if i < len(args) {
					priority = args[i]
				}
			}
		}
		if user == "" || typ == "" || title == "" {
			fmt.Fprintln(os.Stderr, "Usage: edgectl notify send --user <id> --type <TYPE> --title <t> [--content <c>] [--priority urgent] [--action-url <url>]")
			os.Exit(1)
		}

		body, _ := json.Marshal(map[string]string{
			"recipientId": user,
			"type":        typ,
			"title":       title,
			"content":     content,
			"actionUrl":   actionURL,
			"priority":    priority,
		})
		resp, status, err := doRequest("POST", notifier+"/api/v1/notifications", body, token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
			os.Exit(1)
		}

		var result map[string]any
		json.Unmarshal(resp, &result)
		if status != http.StatusCreated {
			fmt.Printf("⛔ %d | %v\n", status, result["message"])
			os.Exit(1)
		}
		fmt.Printf("✅ created | id=%v priority=%v\n", result["id"], result["priority"])

	case "list":
		var user string
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			if args[i] == "--user" {
				i++
				if i < len(args) {
					user = args[i]
				}
			}
		}
		if user == "" {
			fmt.Fprintln(os.Stderr, "Usage: edgectl notify list --user <id>")
			os.Exit(1)
		}

		resp, status, err := doRequest("GET", notifier+"/api/v1/notifications?userId="+user, nil, token)
		if err != nil || status != http.StatusOK {
			fmt.Fprintf(os.Stderr, "❌ Request failed (status %d): %v\n", status, err)
			os.Exit(1)
		}

		var result struct {
			Content []struct {
				ID        string    `json:"id"`
				Type      string    `json:"type"`
				Title     string    `json:"title"`
				Read      bool      `json:"read"`
				CreatedAt time.Time `json:"createdAt"`
			} `json:"content"`
			TotalElements int `json:"totalElements"`
		}
		json.Unmarshal(resp, &result)

		if result.TotalElements == 0 {
			fmt.Println("No notifications.")
			return
		}
		fmt.Printf("%-38s %-22s %-6s %s\n", "ID", "TYPE", "READ", "TITLE")
		fmt.Println(strings.Repeat("-", 90))
		for _, n := range result.Content {
			fmt.Printf("%-38s %-22s %-6t %s\n", n.ID, n.Type, n.Read, n.Title)
		}
		fmt.Printf("(%d total)\n", result.TotalElements)

	default:
		fmt.Fprintln(os.Stderr, "Usage: edgectl notify <send|list>")
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// templates command
// ----------------------------------------------------------------

func cmdTemplates(notifier, token string) {
	if len(os.Args) < 3 || os.Args[2] != "stats" {
		fmt.Fprintln(os.Stderr, "Usage: edgectl templates stats")
		os.Exit(1)
	}

	resp, status, err := doRequest("GET", notifier+"/api/v1/templates/statistics", nil, token)
	if err != nil || status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "❌ Request failed (status %d): %v\n", status, err)
		os.Exit(1)
	}

	var counts map[string]int
	json.Unmarshal(resp, &counts)
	if len(counts) == 0 {
		fmt.Println("No templates stored.")
		return
	}

	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	fmt.Printf("%-25s %s\n", "TYPE", "LANGUAGES")
	fmt.Println("-----------------------------------")
	for _, t := range types {
		fmt.Printf("%-25s %d\n", t, counts[t])
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte, token string) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
