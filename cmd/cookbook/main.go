package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Zarichney-Development/cookbook-factory-sub000/config"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/crawler"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/oracle"
	openai_provider "github.com/Zarichney-Development/cookbook-factory-sub000/internal/oracle/openai"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/order"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/ranker"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/recipe"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/repository"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/session"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/session/inmemory"
	redis_session "github.com/Zarichney-Development/cookbook-factory-sub000/internal/session/redis"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/synthesis"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/telemetry"
)

func main() {
	var configPath string

	root := &cobra.Command{Use: "cookbook"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	var orderFile string
	var sample bool
	var output string
	fulfill := &cobra.Command{
		Use:   "fulfill [recipe name ...]",
		Short: "Fulfill a cookbook order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ord, err := loadOrder(orderFile, args)
			if err != nil {
				return err
			}
			p, err := buildPipeline(ctx, configPath)
			if err != nil {
				return err
			}
			if err := p.scheduler.Fulfill(ctx, ord, sample); err != nil {
				return err
			}
			p.logCosts()
			return writeOrder(ord, output)
		},
	}
	fulfill.Flags().StringVar(&orderFile, "order", "", "path to an order JSON file")
	fulfill.Flags().BoolVar(&sample, "sample", false, "stop after max_sample_recipes completed recipes")
	fulfill.Flags().StringVar(&output, "output", "", "write the completed order to this file instead of stdout")

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the recipe repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, configPath)
			if err != nil {
				return err
			}
			results, err := p.repo.Search(ctx, args[0])
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%s\t%s\t%s\n", r.ID[:12], r.Title, r.SourceURL)
			}
			return nil
		},
	}

	var site string
	scrape := &cobra.Command{
		Use:   "scrape <query>",
		Short: "Crawl configured sites for a query without synthesizing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, configPath)
			if err != nil {
				return err
			}
			recipes, err := p.crawler.Scrape(ctx, args[0], site, nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recipes)
		},
	}
	scrape.Flags().StringVar(&site, "site", "", "restrict the crawl to one configured site")

	root.AddCommand(fulfill, search, scrape)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type pipeline struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	repo      *repository.Repository
	crawler   *crawler.Crawler
	scheduler *order.Scheduler
}

func buildPipeline(ctx context.Context, configPath string) (*pipeline, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(log.Writer(), "[COOKBOOK] ", log.LstdFlags)

	tel := telemetry.New(cfg.Telemetry)
	if cfg.Telemetry.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", tel.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Printf("metrics listener on %s stopped: %v", addr, err)
			}
		}()
	}

	sessions := newSessionStore(ctx, cfg.Storage.Redis, logger)
	orc, err := newOracle(cfg.LLM, sessions, tel)
	if err != nil {
		return nil, err
	}

	store, err := repository.NewStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	repo := repository.New(store, orc)

	cr, err := crawler.New(cfg.Crawler, orc, tel)
	if err != nil {
		return nil, err
	}
	rk := ranker.New(orc)
	loop := synthesis.New(cfg.Synthesis, orc, tel)
	scheduler := order.New(cfg.Order, repo, cr, rk, loop, orc, tel)

	return &pipeline{cfg: cfg, telemetry: tel, repo: repo, crawler: cr, scheduler: scheduler}, nil
}

func newSessionStore(ctx context.Context, cfg config.RedisConfig, logger *log.Logger) session.Store {
	if cfg.Enabled() {
		store, err := redis_session.NewStore(ctx, cfg.Addr(), cfg.Password, cfg.DB, cfg.Timeout)
		if err == nil {
			return store
		}
		logger.Printf("redis session store unavailable (%v), using in-memory sessions", err)
	}
	return inmemory.NewStore()
}

func newOracle(cfg config.LLMConfig, sessions session.Store, tel *telemetry.Telemetry) (oracle.Oracle, error) {
	if provider, ok := cfg.Providers["openai"]; ok {
		return openai_provider.NewClient(provider, cfg.Routing, sessions, tel), nil
	}
	for _, provider := range cfg.Providers {
		if provider.Type == "openai" {
			return openai_provider.NewClient(provider, cfg.Routing, sessions, tel), nil
		}
	}
	return nil, fmt.Errorf("no openai provider configured under llm.providers")
}

func (p *pipeline) logCosts() {
	if !p.cfg.Telemetry.CostTracking {
		return
	}
	total, tokens, perModel := p.telemetry.CostSummary()
	log.Printf("[COOKBOOK] oracle spend: $%.4f across %d tokens", total, tokens)
	for model, cost := range perModel {
		log.Printf("[COOKBOOK]   %s: $%.4f", model, cost)
	}
}

func loadOrder(path string, names []string) (*recipe.CookbookOrder, error) {
	ord := &recipe.CookbookOrder{
		OrderID:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading order file: %w", err)
		}
		if err := json.Unmarshal(raw, ord); err != nil {
			return nil, fmt.Errorf("parsing order file %s: %w", path, err)
		}
		if ord.OrderID == "" {
			ord.OrderID = uuid.NewString()
		}
		if ord.CreatedAt.IsZero() {
			ord.CreatedAt = time.Now().UTC()
		}
	}
	ord.RecipeNames = append(ord.RecipeNames, names...)
	if len(ord.RecipeNames) == 0 {
		return nil, fmt.Errorf("no recipe names given: pass them as arguments or via --order")
	}
	return ord, nil
}

func writeOrder(ord *recipe.CookbookOrder, output string) error {
	raw, err := json.MarshalIndent(ord, "", "  ")
	if err != nil {
		return err
	}
	if output == "" {
		fmt.Println(string(raw))
		return nil
	}
	if err := os.WriteFile(output, raw, 0o644); err != nil {
		return fmt.Errorf("writing order result: %w", err)
	}
	return nil
}
