package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/dedupe"
	"github.com/conciergehq/concierge/agent/gateway"
	"github.com/conciergehq/concierge/agent/inbound"
	"github.com/conciergehq/concierge/agent/llm"
	"github.com/conciergehq/concierge/agent/loop"
	"github.com/conciergehq/concierge/agent/store"
	"github.com/conciergehq/concierge/agent/tool"
	"github.com/conciergehq/concierge/server"

	configx "github.com/conciergehq/concierge/pkg/config"
	_ "github.com/conciergehq/concierge/pkg/logger/autoload"
	openrouterx "github.com/conciergehq/concierge/pkg/openrouter"
)

type AppConfig struct {
	AgentID     string `envconfig:"AGENT_ID" split_words:"true" default:"orchestrator"`
	ScriptModel string `envconfig:"SCRIPT_MODEL" split_words:"true" default:"openai/gpt-4o-mini"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("")

	openRouterCfg := configx.MustNew[openrouterx.Config]("OPENROUTER")
	chatModel, err := openRouterCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("chat model init failed")
	}
	decider := llm.NewChatDecider(chatModel)

	judge, err := llm.NewJudge(ctx, chatModel)
	if err != nil {
		log.Fatal().Err(err).Msg("completion judge init failed")
	}

	planner, err := llm.NewPlanner(ctx, chatModel)
	if err != nil {
		log.Fatal().Err(err).Msg("planner init failed")
	}

	sdkClient := openrouterx.NewClient(*openRouterCfg)
	if sdkClient == nil {
		log.Fatal().Msg("openrouter sdk client init failed")
	}
	scriptWriter, err := llm.NewScriptWriter(sdkClient, appCfg.ScriptModel)
	if err != nil {
		log.Fatal().Err(err).Msg("script writer init failed")
	}

	storeCfg := configx.MustNew[store.Config]("STORE")
	storeClient, err := store.NewClient(*storeCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("store client init failed")
	}

	searchClient, err := gateway.NewSearchClient(*configx.MustNew[gateway.SearchConfig]("SEARCH"))
	if err != nil {
		log.Fatal().Err(err).Msg("search client init failed")
	}
	phoneClient, err := gateway.NewPhoneClient(*configx.MustNew[gateway.PhoneConfig]("PHONE"))
	if err != nil {
		log.Fatal().Err(err).Msg("phone gateway init failed")
	}
	whatsappClient, err := gateway.NewWhatsAppClient(*configx.MustNew[gateway.WhatsAppConfig]("WHATSAPP"))
	if err != nil {
		log.Fatal().Err(err).Msg("whatsapp gateway init failed")
	}
	bookingClient, err := gateway.NewBookingClient(*configx.MustNew[gateway.BookingConfig]("BOOKING"))
	if err != nil {
		log.Fatal().Err(err).Msg("booking gateway init failed")
	}

	registry := tool.NewRegistry()
	tool.RegisterBuiltins(registry, tool.Deps{
		Search:    searchClient,
		Phone:     phoneClient,
		Script:    scriptWriter,
		Messaging: whatsappClient,
		Booking:   bookingClient,
		Memory:    storeClient,
		Status:    storeClient,
		Outbound:  dedupe.NewCache(dedupe.DefaultWindow),
		AgentID:   appCfg.AgentID,
		AgentType: contractx.AgentTypeOrchestrator,
	})

	loopCfg := configx.MustNew[loop.Config]("LOOP")
	runner, err := loop.NewRunner(*loopCfg, decider, judge, registry, storeClient, appCfg.AgentID, contractx.AgentTypeOrchestrator,
		loop.WithPlanner(planner),
		loop.WithMessagingGateway(whatsappClient),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("runner init failed")
	}

	serverCfg := configx.MustNew[server.Config]("SERVER")
	srv, err := server.New(*serverCfg, runner, storeClient, storeClient, appCfg.AgentID)
	if err != nil {
		log.Fatal().Err(err).Msg("server init failed")
	}

	// Inbound dedup is optional: without Postgres the at-most-once
	// guard only holds for the lifetime of the process.
	var processed contractx.ProcessedLog
	if pgCfg, cfgErr := configx.New[dedupe.PostgresConfig]("PROCESSED"); cfgErr == nil {
		pgLog := dedupe.NewPostgresLog(*pgCfg)
		if initErr := pgLog.Init(ctx); initErr != nil {
			log.Fatal().Err(initErr).Msg("processed log init failed")
		}
		defer pgLog.Close()
		processed = pgLog
	} else {
		log.Warn().Err(cfgErr).Msg("no durable processed log configured, using in-memory")
		processed = dedupe.NewMemoryLog()
	}

	processor, err := inbound.NewProcessor(processed, inbound.ResponderFunc(
		func(ctx context.Context, msg contractx.InboundMessage) error {
			_, runErr := runner.Run(ctx, contractx.Task{
				ID:             msg.ID,
				UserID:         msg.Sender,
				ConversationID: msg.ChatJID,
				Instruction:    msg.Content,
			})
			return runErr
		}))
	if err != nil {
		log.Fatal().Err(err).Msg("inbound processor init failed")
	}
	srv.SetInbound(processor)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("shutdown complete")
}
