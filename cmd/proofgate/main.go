// proofgate serves the zero-knowledge proof gateway: the A2A, MCP, REST and
// chat surfaces in one HTTP listener, plus the background task worker and
// the payment settlement worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/flow"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/prover"
	"github.com/attestry/proofgate/go/reputation"
	"github.com/attestry/proofgate/go/router"
	"github.com/attestry/proofgate/go/server"
	"github.com/attestry/proofgate/go/session"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/taskstore"
	"github.com/attestry/proofgate/go/tee"
	"github.com/attestry/proofgate/go/worker"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/errgroup"
)

// geminiOpenAIBase is Gemini's OpenAI-compatible endpoint, used so both
// providers go through one langchaingo client.
const geminiOpenAIBase = "https://generativelanguage.googleapis.com/v1beta/openai"

// Config is the top-level configuration object of the gateway.
var Config = new(config)

type config struct {
	Port        int    `long:"port" env:"PORT" default:"8080" description:"HTTP listener port"`
	RedisURL    string `long:"redis-url" env:"REDIS_URL" default:"redis://localhost:6379" description:"Redis connection URL"`
	BaseURL     string `long:"a2a-base-url" env:"A2A_BASE_URL" default:"http://localhost:8080" description:"Public base URL for signing, payment and verify links"`
	SignPageURL string `long:"sign-page-url" env:"SIGN_PAGE_URL" description:"Base URL of the browser signing UI"`
	SigningTTL  int    `long:"signing-ttl-seconds" env:"SIGNING_TTL_SECONDS" default:"300" description:"Signing session TTL in seconds"`
	CORSOrigins string `long:"cors-origins" env:"A2A_CORS_ORIGINS" description:"Comma-separated CORS allow-list"`

	AgentName        string `long:"agent-name" env:"AGENT_NAME" default:"proofgate" description:"Agent name in discovery documents"`
	AgentDescription string `long:"agent-description" env:"AGENT_DESCRIPTION" default:"Zero-knowledge proof generation and verification gateway" description:"Agent description in discovery documents"`
	AgentVersion     string `long:"agent-version" env:"AGENT_VERSION" default:"1.0.0" description:"Agent version in discovery documents"`

	Payment struct {
		Mode           string `long:"mode" env:"MODE" default:"disabled" choice:"disabled" choice:"testnet" choice:"mainnet" description:"Payment enforcement mode"`
		PayTo          string `long:"pay-to" env:"PAY_TO" description:"Address receiving proof payments"`
		FacilitatorURL string `long:"facilitator-url" env:"FACILITATOR_URL" default:"https://x402.org/facilitator" description:"x402 facilitator base URL"`
		ProofPrice     string `long:"proof-price" env:"PROOF_PRICE" default:"10000" description:"Proof price in USDC base units"`
	} `group:"Payment" namespace:"payment" env-namespace:"PAYMENT"`

	Tee struct {
		Mode               string `long:"mode" env:"MODE" default:"disabled" choice:"auto" choice:"disabled" choice:"local" choice:"nitro" description:"Proving environment selection"`
		EnclaveCID         uint32 `long:"enclave-cid" env:"ENCLAVE_CID" default:"16" description:"Nitro enclave vsock CID"`
		EnclavePort        uint32 `long:"enclave-port" env:"ENCLAVE_PORT" default:"5000" description:"Nitro enclave vsock port"`
		AttestationEnabled bool   `long:"attestation-enabled" env:"ATTESTATION_ENABLED" description:"Attach enclave attestations to proofs"`
	} `group:"TEE" namespace:"tee" env-namespace:"TEE"`

	Chain struct {
		RPCURL       string `long:"rpc-url" env:"RPC_URL" default:"https://sepolia.base.org" description:"Base Sepolia JSON-RPC endpoint"`
		BaseRPCURL   string `long:"base-rpc-url" env:"BASE_RPC_URL" default:"https://mainnet.base.org" description:"Base mainnet JSON-RPC endpoint"`
		EASGraphQL   string `long:"eas-graphql-endpoint" env:"EAS_GRAPHQL_ENDPOINT" description:"EAS GraphQL endpoint consumed by the prover"`
	} `group:"Chain" namespace:"chain" env-namespace:"CHAIN"`

	Identity struct {
		IdentityAddress   string `long:"identity-address" env:"IDENTITY_ADDRESS" description:"ERC-8004 identity registry contract"`
		ReputationAddress string `long:"reputation-address" env:"REPUTATION_ADDRESS" description:"ERC-8004 reputation registry contract"`
		TokenID           int64  `long:"token-id" env:"TOKEN_ID" description:"ERC-8004 identity token id"`
		ProverPrivateKey  string `long:"prover-private-key" env:"PROVER_PRIVATE_KEY" description:"Hex private key signing reputation transactions"`
	} `group:"Identity" namespace:"erc8004" env-namespace:"ERC8004"`

	Prover struct {
		Binary         string `long:"binary" env:"BINARY" default:"zkprove" description:"Proving binary"`
		CircuitsDir    string `long:"circuits-dir" env:"CIRCUITS_DIR" default:"./circuits" description:"Compiled circuit artifacts directory"`
		TimeoutSeconds int    `long:"timeout-seconds" env:"TIMEOUT_SECONDS" default:"300" description:"Per-proof timeout in seconds"`
		RatePerMinute  int    `long:"rate-per-minute" env:"RATE_PER_MINUTE" default:"6" description:"Proofs per minute per address (0 disables)"`
		CacheSize      int    `long:"cache-size" env:"CACHE_SIZE" default:"256" description:"Proof cache entries (0 disables)"`
	} `group:"Prover" namespace:"prover" env-namespace:"PROVER"`

	LLM struct {
		OpenAIKey   string `long:"openai-api-key" env:"OPENAI_API_KEY" description:"OpenAI API key (enables the OpenAI router)"`
		OpenAIModel string `long:"openai-model" env:"OPENAI_MODEL" default:"gpt-4o-mini" description:"OpenAI routing model"`
		GeminiKey   string `long:"gemini-api-key" env:"GEMINI_API_KEY" description:"Gemini API key (enables the Gemini router)"`
		GeminiModel string `long:"gemini-model" env:"GEMINI_MODEL" default:"gemini-1.5-flash" description:"Gemini routing model"`
	} `group:"LLM"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog()
	log.WithFields(log.Fields{
		"port":    Config.Port,
		"payment": Config.Payment.Mode,
		"tee":     Config.Tee.Mode,
	}).Info("proofgate configuration")

	var store, err = kv.NewRedis(Config.RedisURL)
	if err != nil {
		return fmt.Errorf("building kv store: %w", err)
	}

	var sessions = session.NewStore(store, time.Duration(Config.SigningTTL)*time.Second)
	var tasks = taskstore.NewStore(store)
	var bus = events.NewBus()

	var mode = payment.Mode(Config.Payment.Mode)
	var requirement = requirementFor(mode)
	var records = payment.NewRecords(store)
	var gate = &payment.Gate{
		Mode:        mode,
		Requirement: requirement,
		Facilitator: payment.NewHTTPFacilitator(Config.Payment.FacilitatorURL),
		Records:     records,
		BaseURL:     Config.BaseURL,
	}

	var defaultChainID int64 = 84532
	if mode == payment.ModeMainnet {
		defaultChainID = 8453
	}

	var local = prover.NewLocal(Config.Prover.Binary, Config.Prover.CircuitsDir,
		time.Duration(Config.Prover.TimeoutSeconds)*time.Second)
	if Config.Chain.EASGraphQL != "" {
		local.WithEnv(
			"EAS_GRAPHQL_ENDPOINT="+Config.Chain.EASGraphQL,
			"CHAIN_RPC_URL="+Config.Chain.RPCURL,
			"BASE_RPC_URL="+Config.Chain.BaseRPCURL,
		)
	}
	var teeMode = resolveTeeMode(Config.Tee.Mode)
	var teeProvider skills.TeeProvider
	if teeMode == skills.TeeNitro {
		teeProvider = tee.NewNitro(Config.Tee.EnclaveCID, Config.Tee.EnclavePort,
			time.Duration(Config.Prover.TimeoutSeconds)*time.Second)
	}

	var limiter *skills.Limiter
	if Config.Prover.RatePerMinute > 0 {
		limiter = skills.NewLimiter(Config.Prover.RatePerMinute, 1)
	}
	var cache *skills.ProofCache
	if Config.Prover.CacheSize > 0 {
		cache = skills.NewProofCache(Config.Prover.CacheSize)
	}

	var sk = skills.New(skills.Deps{
		Sessions:    sessions,
		Proofs:      skills.NewProofStore(store),
		SignPageURL: Config.SignPageURL,
		BaseURL:     Config.BaseURL,

		PaymentMode: mode,
		Requirement: requirement,

		Prover:             local,
		Tee:                teeProvider,
		TeeMode:            teeMode,
		AttestationEnabled: Config.Tee.AttestationEnabled,

		Limiter:  limiter,
		Cache:    cache,
		Verifier: skills.NewChainVerifier(map[int64]string{
			84532: Config.Chain.RPCURL,
			8453:  Config.Chain.BaseRPCURL,
		}),
		DefaultChainID: defaultChainID,
	})

	reporter, err := reputation.New(Config.Chain.RPCURL, Config.Identity.ReputationAddress,
		Config.Identity.ProverPrivateKey, Config.Identity.TokenID)
	if err != nil {
		return fmt.Errorf("building reputation reporter: %w", err)
	}
	var wk = worker.New(tasks, sk, bus, reporter, 0)

	var model = buildModel()
	var srv = server.New(server.Config{
		BaseURL:          Config.BaseURL,
		SignPageURL:      Config.SignPageURL,
		CORSOrigins:      splitOrigins(Config.CORSOrigins),
		AgentName:        Config.AgentName,
		AgentDescription: Config.AgentDescription,
		AgentVersion:     Config.AgentVersion,
		IdentityContract: Config.Identity.IdentityAddress,
		IdentityChainID:  defaultChainID,
		IdentityTokenID:  Config.Identity.TokenID,
	}, store, sk, tasks, bus, router.New(model),
		flow.NewOrchestrator(store, sk), wk, gate, model)

	var httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Port),
		Handler: srv.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return wk.Run(ctx) })
	if mode.Enabled() {
		var settlement = payment.NewSettlementWorker(records,
			payment.NewEthChainReader(map[string]string{
				"base-sepolia": Config.Chain.RPCURL,
				"base":         Config.Chain.BaseRPCURL,
			}), 0)
		group.Go(func() error { return settlement.Run(ctx) })
	}
	group.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("proofgate listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err = group.Wait(); err != nil {
		return err
	}
	log.Info("goodbye")
	return nil
}

func initLog() {
	if Config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(Config.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

// requirementFor binds the payment requirement to the mode's chain and USDC
// deployment.
func requirementFor(mode payment.Mode) payment.Requirement {
	var req = payment.Requirement{
		Scheme:            "exact",
		Amount:            Config.Payment.ProofPrice,
		PayTo:             Config.Payment.PayTo,
		MaxTimeoutSeconds: 60,
	}
	if mode == payment.ModeMainnet {
		req.Network = "base"
		req.Asset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
		req.Extra = payment.RequirementExtra{Name: "USD Coin", Version: "2"}
	} else {
		req.Network = "base-sepolia"
		req.Asset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
		req.Extra = payment.RequirementExtra{Name: "USDC", Version: "2"}
	}
	return req
}

// resolveTeeMode maps auto onto nitro when the host exposes the Nitro
// enclave device, and local otherwise.
func resolveTeeMode(mode string) string {
	if mode != skills.TeeAuto {
		return mode
	}
	if _, err := os.Stat("/dev/nitro_enclaves"); err == nil {
		return skills.TeeNitro
	}
	return skills.TeeLocal
}

// buildModel selects the routing LLM. Gemini goes through its
// OpenAI-compatible endpoint so both providers share one client.
func buildModel() llms.Model {
	if Config.LLM.OpenAIKey != "" {
		model, err := openai.New(
			openai.WithToken(Config.LLM.OpenAIKey),
			openai.WithModel(Config.LLM.OpenAIModel),
		)
		if err != nil {
			log.WithField("err", err).Warn("openai client unavailable; text routing disabled")
			return nil
		}
		return model
	}
	if Config.LLM.GeminiKey != "" {
		model, err := openai.New(
			openai.WithToken(Config.LLM.GeminiKey),
			openai.WithModel(Config.LLM.GeminiModel),
			openai.WithBaseURL(geminiOpenAIBase),
		)
		if err != nil {
			log.WithField("err", err).Warn("gemini client unavailable; text routing disabled")
			return nil
		}
		return model
	}
	return nil
}

func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the proof gateway", `
Serve the proof gateway with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
