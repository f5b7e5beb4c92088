package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nbuy/shopchat/internal/assistant"
	"github.com/nbuy/shopchat/internal/auth"
	"github.com/nbuy/shopchat/internal/contextcache"
	"github.com/nbuy/shopchat/internal/intent"
	"github.com/nbuy/shopchat/internal/providers"
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask the store assistant directly, without the gateway",
	RunE:  runAsk,
}

var (
	askMessage string
	askAdmin   bool
	askName    string
)

func init() {
	askCmd.Flags().StringVarP(&askMessage, "message", "m", "", "Message to send to the assistant")
	askCmd.Flags().BoolVar(&askAdmin, "admin", false, "Ask as an admin")
	askCmd.Flags().StringVar(&askName, "name", "", "Display name")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	if debug {
		if logger, err = newLogger(); err != nil {
			return err
		}
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gen, _, err := makeGenerator(ctx, cfg)
	if err != nil && !errors.Is(err, providers.ErrNotConfigured) {
		return err
	}
	tpl, err := loadTemplates(cfg)
	if err != nil {
		return err
	}
	proxy := assistant.New(providers.NewDynamic(gen),
		assistant.WithTimeout(cfg.AI.Timeout()),
		assistant.WithTemplates(tpl),
		assistant.WithLogger(logger))
	cache := contextcache.New(st,
		contextcache.WithTTL(cfg.Cache.TTL()),
		contextcache.WithSalesCaching(cfg.Cache.CacheSales),
		contextcache.WithLogger(logger))
	who := auth.Identity{UserID: "cli", Name: askName, IsAdmin: askAdmin}

	ask := func(text string) {
		kind := intent.Classify(text)
		reply, err := proxy.Respond(ctx, assistant.Request{
			Identity: who,
			Intent:   kind,
			Message:  text,
			Load:     assistant.CacheLoader(cache, kind, logger),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Println()
		fmt.Printf("%s (%s, %s", tpl.AssistantName, kind, reply.Latency.Round(time.Millisecond))
		if reply.Fallback != assistant.FallbackNone {
			fmt.Printf(", %s", reply.Fallback)
		}
		fmt.Println(")")
		fmt.Println(reply.Text)
		fmt.Println()
	}

	if askMessage != "" {
		ask(askMessage)
		return nil
	}

	// Interactive REPL mode
	fmt.Println("shopchat interactive mode (type 'exit' or Ctrl+C to quit)")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	exitCommands := map[string]bool{
		"exit": true, "quit": true, "/exit": true, "/quit": true, "salir": true,
	}
	for ctx.Err() == nil {
		fmt.Print("Tú: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if exitCommands[strings.ToLower(input)] {
			break
		}
		ask(input)
	}
	fmt.Println("¡Hasta luego!")
	return nil
}
