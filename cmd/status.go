package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbuy/shopchat/internal/providers"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shopchat configuration and, if running, gateway status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "Gateway base URL (default http://127.0.0.1:<port>)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("shopchat status")
	fmt.Println()
	fmt.Printf("Config: %s\n", resolveConfigPath())
	fmt.Printf("Store: %s\n", cfg.Store.Path)
	fmt.Printf("Transcripts: %s\n", cfg.Transcript.Backend)

	spec := providers.FindByName(cfg.AI.Provider)
	if spec == nil {
		spec = providers.Detect(cfg.AI.APIBase, os.Getenv)
	}
	fmt.Printf("AI provider: %s (timeout %s)\n", spec.Label(), cfg.AI.Timeout())
	if cfg.Redis.URL != "" {
		fmt.Println("Redis relay: configured")
	}
	if cfg.Auth.Secret == "" {
		fmt.Println("JWT secret: missing (set SHOPCHAT_JWT_SECRET or run `shopchat onboard`)")
	}

	base := statusURL
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	body, err := fetchStatus(cmd.Context(), base, cfg.Server.APIKey)
	if err != nil {
		fmt.Printf("\nGateway: not reachable at %s (%v)\n", base, err)
		return nil
	}

	fmt.Printf("\nGateway: %s\n", base)
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %v\n", k, body[k])
	}
	return nil
}

func fetchStatus(ctx context.Context, base, apiKey string) (map[string]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}
