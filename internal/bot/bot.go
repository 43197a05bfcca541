package bot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/sync/errgroup"

	"telegram-plan-bot/internal/completion"
	"telegram-plan-bot/internal/config"
	"telegram-plan-bot/internal/crypt"
	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/entitlement"
	"telegram-plan-bot/internal/gate"
	"telegram-plan-bot/internal/handler"
	"telegram-plan-bot/internal/health"
	"telegram-plan-bot/internal/logging"
	"telegram-plan-bot/internal/provision"
	"telegram-plan-bot/internal/quota"
	"telegram-plan-bot/internal/state"
	"telegram-plan-bot/internal/storage"
)

// Run starts the Telegram bot and the keep-alive server and blocks until
// SIGINT or SIGTERM.
func Run() {
	cfg, err := config.Load()
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("configuration")
	}
	logging.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logging.Log.Fatal().Err(err).Msg("bot stopped")
	}
	logging.Log.Info().Msg("bot stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog := domain.NewCatalog(cfg.Models.Vision, cfg.Models.Text)
	st, err := state.New(store, state.Options{
		BootstrapAdmin: cfg.InitialAdminID,
		FreeTierModel:  catalog.DefaultFreeModel(),
		FreeTierLimit:  cfg.FreeTierLimit,
	})
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	var h *handler.Handler
	b, err := tg.New(cfg.BotToken, tg.WithDefaultHandler(func(ctx context.Context, b *tg.Bot, upd *models.Update) {
		h.HandleUpdate(ctx, b, upd)
	}))
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	counter := quota.New(st)
	h = handler.New(handler.Config{
		State:       st,
		Engine:      entitlement.New(st, counter, catalog),
		Quota:       counter,
		Flow:        provision.New(st, catalog),
		Gate:        gate.New(st, handler.Membership{API: b}),
		AI:          completion.New(cfg.CompletionURL, cfg.CompletionKey, cfg.CompletionTimeout),
		Catalog:     catalog,
		PaymentCard: cfg.PaymentCard,
	})

	logging.Log.Info().Str("backend", cfg.Storage.Backend).Int64("bootstrap_admin", cfg.InitialAdminID).
		Strs("models", catalog.All()).Msg("bot started polling")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return health.Serve(gctx, ":"+cfg.Port)
	})
	return g.Wait()
}

// openStore opens the configured document backend.
func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "bolt":
		var c *crypt.Cipher
		if cfg.MasterKey != "" {
			var err error
			if c, err = crypt.New(cfg.MasterKey); err != nil {
				return nil, fmt.Errorf("store master key: %w", err)
			}
		}
		if err := os.MkdirAll(filepath.Dir(cfg.BoltFile()), 0o755); err != nil {
			return nil, fmt.Errorf("open data dir: %w", err)
		}
		s, err := storage.OpenBolt(cfg.BoltFile(), c)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		return s, nil
	default:
		if cfg.MasterKey != "" {
			logging.Log.Warn().Msg("STORE_MASTER_KEY is ignored by the json backend")
		}
		s, err := storage.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open data dir: %w", err)
		}
		return s, nil
	}
}
