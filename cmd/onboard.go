package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbuy/shopchat/internal/config"
	"github.com/nbuy/shopchat/internal/store"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize shopchat configuration and a sample store",
	RunE:  runOnboard,
}

var (
	seedCatalog string
	seedValue   int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load sample users, products and sales into an empty store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return seedStore(cmd.Context(), cfg)
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedCatalog, "catalog", "", "Catalog YAML (default: built-in sample)")
	seedCmd.Flags().Int64Var(&seedValue, "seed", 0, "Random seed for stock and sales (default: time-based)")
	rootCmd.AddCommand(onboardCmd)
	rootCmd.AddCommand(seedCmd)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()

	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
	} else {
		cfg := config.DefaultConfig()
		cfg.Auth.Secret = generateSecret()
		cfg.Server.APIKey = generateSecret()[:32]
		cfg.Store.Path = config.DefaultStorePath()
		if err := config.Save(cfg, path); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Printf("✓ Created config at %s\n", path)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := seedStore(cmd.Context(), cfg); err != nil {
		return err
	}

	fmt.Println("\nshopchat is ready!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set an AI key (OPENAI_API_KEY, DEEPSEEK_API_KEY, GEMINI_API_KEY...) or run offline")
	fmt.Println("  2. Start: shopchat serve")
	fmt.Println("  3. Get a token: shopchat token issue --email admin@nbuy.local")
	return nil
}

func seedStore(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	data, err := readCatalog(seedCatalog)
	if err != nil {
		return err
	}
	catalog, err := store.ParseCatalog(data)
	if err != nil {
		return err
	}

	seed := seedValue
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	report, err := st.Seed(ctx, catalog, rand.New(rand.NewSource(seed)), time.Now())
	if err != nil {
		return fmt.Errorf("seeding store: %w", err)
	}
	if report.Skipped {
		fmt.Printf("✓ Store at %s already has products, left untouched\n", cfg.Store.Path)
		return nil
	}
	fmt.Printf("✓ Seeded %s: %d users, %d products, %d ratings, %d sales\n",
		cfg.Store.Path, report.Users, report.Products, report.Ratings, report.Sales)
	return nil
}
