package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/thoas/go-funk"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/analyzer"
	"github.com/chainproof/chainproof/internal/artifacts"
	"github.com/chainproof/chainproof/internal/chain"
	"github.com/chainproof/chainproof/internal/compiler"
	"github.com/chainproof/chainproof/internal/config"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/jobs"
	"github.com/chainproof/chainproof/internal/llm"
	"github.com/chainproof/chainproof/internal/pipeline"
	"github.com/chainproof/chainproof/internal/policy"
	"github.com/chainproof/chainproof/internal/proof"
	"github.com/chainproof/chainproof/internal/sandbox"
	"github.com/chainproof/chainproof/internal/workspace"
)

const (
	RoleResearcher = "researcher"
	RoleValidator  = "validator"
	RoleBoth       = "both"
)

// roleTypes maps the configured role onto the worker types this agent
// registers and serves.
func roleTypes(role string) ([]string, error) {
	switch role {
	case RoleResearcher:
		return []string{string(api.WorkerTypeResearcher)}, nil
	case RoleValidator:
		return []string{string(api.WorkerTypeValidator)}, nil
	case RoleBoth:
		return []string{string(api.WorkerTypeResearcher), string(api.WorkerTypeValidator)}, nil
	default:
		return nil, fmt.Errorf("unknown role %q, want researcher, validator or both", role)
	}
}

// toolset groups the tooling both pipelines share.
type toolset struct {
	workspace pipeline.Workspace
	compiler  pipeline.Compiler
	launcher  pipeline.SandboxLauncher
	llm       *llm.Client
	artifacts *artifacts.Store
}

// toolVersions probes the pipeline binaries and reports their versions
// for the worker rows. Best effort: a binary that is missing or slow
// leaves its slot out.
func (a *Agent) toolVersions(ctx context.Context) string {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tools := a.config.Agent.Tools
	parts := make([]string, 0, 2)
	if v, err := compiler.New(tools.SolcBin).Version(probeCtx); err == nil {
		parts = append(parts, "solc "+v)
	}
	if v, err := analyzer.New(tools.SlitherBin).Version(probeCtx); err == nil {
		parts = append(parts, "slither "+v)
	}
	return strings.Join(parts, ", ")
}

// sandboxLauncher adapts the concrete anvil launcher to the pipeline
// interface.
type sandboxLauncher struct {
	launcher *sandbox.Launcher
}

func (l sandboxLauncher) Spawn(ctx context.Context) (pipeline.Sandbox, error) {
	handle, err := l.launcher.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// buildWorkers assembles the pipelines for the configured roles. Both
// roles share the workspace, compiler and sandbox tooling; the
// researcher additionally needs the proof key material, the validator
// the decryption identity.
func (a *Agent) buildWorkers(ctx context.Context, emitter *events.Emitter, dispatcher *jobs.Dispatcher, types []string) (*jobs.ScanWorker, *jobs.ValidationWorker, error) {
	agentCfg := a.config.Agent

	artifactStore, err := a.newArtifactStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	tools := toolset{
		workspace: workspace.NewManager(agentCfg.WorkspaceRoot, agentCfg.Tools.GitBin),
		compiler:  compiler.New(agentCfg.Tools.SolcBin),
		launcher: sandboxLauncher{
			launcher: sandbox.NewLauncher(agentCfg.Tools.AnvilBin, agentCfg.Tools.SandboxRPCMin, agentCfg.Tools.SandboxRPCMax),
		},
		llm:       a.newLLMClient(),
		artifacts: artifactStore,
	}

	var scanWorker *jobs.ScanWorker
	if funk.ContainsString(types, string(api.WorkerTypeResearcher)) {
		researcher, err := a.buildResearcher(emitter, tools, dispatcher)
		if err != nil {
			return nil, nil, err
		}
		scanWorker = jobs.NewScanWorker(a.store, emitter, researcher)
	}

	var validationWorker *jobs.ValidationWorker
	if funk.ContainsString(types, string(api.WorkerTypeValidator)) {
		validator, err := a.buildValidator(emitter, tools)
		if err != nil {
			return nil, nil, err
		}
		validationWorker = jobs.NewValidationWorker(a.store, emitter, validator)
	}

	return scanWorker, validationWorker, nil
}

func (a *Agent) buildResearcher(emitter pipeline.Emitter, tools toolset, submitter pipeline.Submitter) (*pipeline.Researcher, error) {
	proofCfg := a.config.Agent.Proof

	if proofCfg.AgeRecipient == "" {
		return nil, fmt.Errorf("researcher role requires CHAINPROOF_PROOF_AGE_RECIPIENT")
	}
	if proofCfg.SigningKeyHex == "" {
		return nil, fmt.Errorf("researcher role requires CHAINPROOF_PROOF_SIGNING_KEY")
	}
	signingKey, err := proof.ParseSigningKey(proofCfg.SigningKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proof signing key: %w", err)
	}

	gate, err := a.newGate()
	if err != nil {
		return nil, err
	}

	aiEnabled := a.config.Agent.AIAnalysisEnabled
	if aiEnabled && tools.llm == nil {
		a.log.Warn("AI analysis enabled without CHAINPROOF_LLM_URL, step disabled")
		aiEnabled = false
	}

	cfg := pipeline.ResearcherConfig{
		Workspace:  tools.workspace,
		Compiler:   tools.compiler,
		Launcher:   tools.launcher,
		Analyzer:   analyzer.New(a.config.Agent.Tools.SlitherBin),
		Gate:       gate,
		Artifacts:  tools.artifacts,
		Submitter:  submitter,
		Recipients: []string{proofCfg.AgeRecipient},
		SigningKey: signingKey,
		AIEnabled:  aiEnabled,
	}
	if tools.llm != nil {
		cfg.LLM = tools.llm
	}

	return pipeline.NewResearcher(a.store, emitter, cfg), nil
}

func (a *Agent) buildValidator(emitter pipeline.Emitter, tools toolset) (*pipeline.Validator, error) {
	agentCfg := a.config.Agent

	if agentCfg.Proof.AgeIdentity == "" {
		return nil, fmt.Errorf("validator role requires CHAINPROOF_PROOF_AGE_IDENTITY")
	}

	mode := pipeline.ValidationMode(agentCfg.ValidationMode)
	switch mode {
	case "", pipeline.ValidationModeExecution, pipeline.ValidationModeLLM:
	default:
		return nil, fmt.Errorf("unknown validation mode %q, want execution or llm", agentCfg.ValidationMode)
	}
	if mode == pipeline.ValidationModeLLM && tools.llm == nil {
		return nil, fmt.Errorf("validation mode llm requires CHAINPROOF_LLM_URL")
	}

	cfg := pipeline.ValidatorConfig{
		Workspace: tools.workspace,
		Compiler:  tools.compiler,
		Launcher:  tools.launcher,
		Artifacts: tools.artifacts,
		Identity:  agentCfg.Proof.AgeIdentity,
		Wallet:    agentCfg.WalletAddress,
		Mode:      mode,
	}
	if tools.llm != nil {
		cfg.LLM = tools.llm
	}
	if agentCfg.Chain.AttestationURL != "" {
		cfg.Chain = chain.NewClient(agentCfg.Chain.AttestationURL,
			chain.WithTimeout(time.Duration(agentCfg.Chain.TimeoutSec)*time.Second))
	}

	return pipeline.NewValidator(a.store, emitter, cfg), nil
}

func (a *Agent) newGate() (*policy.Gate, error) {
	if dir := a.config.Agent.PolicyDir; dir != "" {
		gate, err := policy.NewGateFromDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load eligibility policies from %s: %w", dir, err)
		}
		return gate, nil
	}
	return policy.NewDefaultGate()
}

func (a *Agent) newLLMClient() *llm.Client {
	llmCfg := a.config.Agent.LLM
	if llmCfg.URL == "" {
		return nil
	}

	opts := []llm.Option{llm.WithTimeout(time.Duration(llmCfg.TimeoutSec) * time.Second)}
	if llmCfg.Token != "" {
		opts = append(opts, llm.WithToken(llmCfg.Token))
	}
	if llmCfg.Model != "" {
		opts = append(opts, llm.WithModel(llmCfg.Model))
	}
	return llm.NewClient(llmCfg.URL, opts...)
}

// newArtifactStore connects to the object store when an endpoint is
// configured. A nil store is valid: the pipelines then skip artifact
// uploads.
func (a *Agent) newArtifactStore(ctx context.Context) (*artifacts.Store, error) {
	artCfg := a.config.Agent.Artifacts
	if artCfg.Endpoint == "" {
		a.log.Info("no artifact store configured, uploads disabled")
		return nil, nil
	}

	artifactStore, err := artifacts.NewStore(artCfg.Endpoint, artCfg.AccessKey, artCfg.SecretKey, artCfg.Bucket, artCfg.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	if err := artifactStore.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact bucket: %w", err)
	}
	return artifactStore, nil
}

// newEventWriter connects to kafka when brokers are configured and
// falls back to stdout otherwise, so a dev agent still shows its
// events.
func (a *Agent) newEventWriter() events.Writer {
	kafka := a.config.Agent.Kafka
	if len(kafka.Brokers) == 0 {
		a.log.Info("no kafka brokers configured, events go to stdout")
		return &events.StdoutWriter{}
	}

	saramaCfg := kafka.SaramaConfig
	if saramaCfg == nil {
		saramaCfg = sarama.NewConfig()
		if kafka.Version != (sarama.KafkaVersion{}) {
			saramaCfg.Version = kafka.Version
		}
		if kafka.ClientID != "" {
			saramaCfg.ClientID = kafka.ClientID
		}
	}

	writer, err := events.NewKafkaWriter(kafka.Brokers, saramaCfg)
	if err != nil {
		a.log.Errorw("failed to connect to kafka, events go to stdout", "brokers", kafka.Brokers, "error", err)
		return &events.StdoutWriter{}
	}
	return writer
}

func producerOptions(cfg *config.Config) []events.ProducerOptions {
	opts := []events.ProducerOptions{}
	if topic := cfg.Agent.Kafka.Topic; topic != "" {
		opts = append(opts, events.WithOutputTopic(topic))
	}
	return opts
}

// newPool builds the pgx pool the queue runs on, sized for job
// processing plus LISTEN/NOTIFY.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Port,
		cfg.Database.Name,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}
