package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	api "github.com/chainproof/chainproof/api/v1alpha1"
	"github.com/chainproof/chainproof/internal/analyzer"
	"github.com/chainproof/chainproof/internal/chain"
	"github.com/chainproof/chainproof/internal/compiler"
	"github.com/chainproof/chainproof/internal/events"
	"github.com/chainproof/chainproof/internal/llm"
	"github.com/chainproof/chainproof/internal/pipeline"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/internal/store/model"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	s := store.NewStore(db)
	ctx := context.Background()
	require.NoError(t, s.Run().InitialMigration(ctx))
	require.NoError(t, s.Step().InitialMigration(ctx))
	require.NoError(t, s.Finding().InitialMigration(ctx))
	require.NoError(t, s.Proof().InitialMigration(ctx))
	require.NoError(t, s.Worker().InitialMigration(ctx))
	require.NoError(t, s.Protocol().InitialMigration(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProtocol(t *testing.T, s store.Store) *model.Protocol {
	t.Helper()
	protocol, err := s.Protocol().Create(context.Background(), model.Protocol{
		ID:            uuid.New(),
		Name:          "vaultd",
		RepoURL:       "https://git.test/vaultd.git",
		CommitHash:    "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		ContractPath:  "contracts/Vault.sol",
		ContractName:  "Vault",
		WalletAddress: "0x00000000000000000000000000000000000000aa",
	})
	require.NoError(t, err)
	return protocol
}

func seedRun(t *testing.T, s store.Store, kind string, subjectID uuid.UUID) *model.Run {
	t.Helper()
	run, err := s.Run().Create(context.Background(), model.Run{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    string(api.RunStatusRunning),
		SubjectID: subjectID,
	})
	require.NoError(t, err)
	return run
}

func loadSteps(t *testing.T, s store.Store, runID uuid.UUID) []model.Step {
	t.Helper()
	steps, err := s.Step().List(context.Background(),
		store.NewStepQueryFilter().ByRunID(runID),
		store.NewStepQueryOptions().WithSeqOrder())
	require.NoError(t, err)
	return steps
}

func stepNames(steps []model.Step) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	return names
}

func stepByName(t *testing.T, steps []model.Step, name string) model.Step {
	t.Helper()
	for _, s := range steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no step named %s in %v", name, stepNames(steps))
	return model.Step{}
}

// captureEmitter records every emitted event for assertions.
type captureEmitter struct {
	mu       sync.Mutex
	runs     []events.RunEvent
	steps    []events.StepEvent
	findings []events.FindingEvent
	proofs   []events.ProofEvent
	logs     []events.LogEvent
}

func (c *captureEmitter) RunEvent(_ context.Context, e events.RunEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, e)
}

func (c *captureEmitter) StepEvent(_ context.Context, e events.StepEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, e)
}

func (c *captureEmitter) FindingEvent(_ context.Context, e events.FindingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = append(c.findings, e)
}

func (c *captureEmitter) ProofEvent(_ context.Context, e events.ProofEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proofs = append(c.proofs, e)
}

func (c *captureEmitter) Log(_ context.Context, e events.LogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, e)
}

func (c *captureEmitter) stepEvents() []events.StepEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.StepEvent{}, c.steps...)
}

// fakeWorkspace satisfies pipeline.Workspace without touching git.
type fakeWorkspace struct {
	mu       sync.Mutex
	dir      string
	cloneErr error
	removed  []string
	cache    map[string][]byte
}

func (w *fakeWorkspace) Clone(_ context.Context, _ uuid.UUID, _ string, _ string) (string, error) {
	if w.cloneErr != nil {
		return "", w.cloneErr
	}
	return w.dir, nil
}

func (w *fakeWorkspace) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, path)
	return nil
}

func (w *fakeWorkspace) CacheFile(protocolID uuid.UUID, relPath string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cache == nil {
		w.cache = make(map[string][]byte)
	}
	w.cache[protocolID.String()+"/"+relPath] = data
	return nil
}

func (w *fakeWorkspace) ReadCachedFile(protocolID uuid.UUID, relPath string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.cache[protocolID.String()+"/"+relPath]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

type fakeCompiler struct {
	artifacts map[string]compiler.Artifact
	err       error
}

func (c *fakeCompiler) Compile(_ context.Context, _ string, _ string) (map[string]compiler.Artifact, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.artifacts, nil
}

type fakeAnalyzer struct {
	findings []analyzer.Finding
	err      error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ string) (*analyzer.Report, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &analyzer.Report{Findings: a.findings, ToolsUsed: []string{"slither"}}, nil
}

type fakeSandbox struct {
	mu    sync.Mutex
	url   string
	kills int
}

func (s *fakeSandbox) URL() string { return s.url }

func (s *fakeSandbox) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kills++
	return nil
}

func (s *fakeSandbox) killCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kills
}

type fakeLauncher struct {
	mu      sync.Mutex
	url     string
	err     error
	spawned []*fakeSandbox
}

func (l *fakeLauncher) Spawn(_ context.Context) (pipeline.Sandbox, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sb := &fakeSandbox{url: l.url}
	l.spawned = append(l.spawned, sb)
	return sb, nil
}

type fakeLLM struct {
	enhanced    []analyzer.Finding
	enhanceErr  error
	verdict     *llm.Verdict
	verdictErr  error
	gotSource   string
	gotAnalysis *llm.ProofAnalysis
}

func (l *fakeLLM) EnhanceFindings(_ context.Context, contractSource string, findings []analyzer.Finding) ([]analyzer.Finding, error) {
	l.gotSource = contractSource
	if l.enhanceErr != nil {
		return nil, l.enhanceErr
	}
	if l.enhanced != nil {
		return l.enhanced, nil
	}
	return findings, nil
}

func (l *fakeLLM) AnalyzeProof(_ context.Context, analysis llm.ProofAnalysis) (*llm.Verdict, error) {
	l.gotAnalysis = &analysis
	if l.verdictErr != nil {
		return nil, l.verdictErr
	}
	return l.verdict, nil
}

type fakeChain struct {
	recordErr   error
	feedbackErr error
	records     []chain.ValidationRecord
	feedbacks   []chain.Feedback
}

func (c *fakeChain) RecordValidation(_ context.Context, record chain.ValidationRecord) (*chain.ValidationReceipt, error) {
	if c.recordErr != nil {
		return nil, c.recordErr
	}
	c.records = append(c.records, record)
	return &chain.ValidationReceipt{
		ValidationID: "validation-1",
		TxHash:       "0x00000000000000000000000000000000000000000000000000000000000000aa",
	}, nil
}

func (c *fakeChain) RecordFeedback(_ context.Context, feedback chain.Feedback) error {
	if c.feedbackErr != nil {
		return c.feedbackErr
	}
	c.feedbacks = append(c.feedbacks, feedback)
	return nil
}

type fakeSubmitter struct {
	err       error
	submitted []uuid.UUID
}

func (s *fakeSubmitter) SubmitProof(_ context.Context, proofID uuid.UUID) (uuid.UUID, error) {
	if s.err != nil {
		return uuid.Nil, s.err
	}
	s.submitted = append(s.submitted, proofID)
	return uuid.New(), nil
}

// fakeNode is a scripted JSON-RPC endpoint standing in for an anvil
// process. Transaction hashes encode the submission index so receipts
// can be correlated without real state.
type fakeNode struct {
	mu           sync.Mutex
	server       *httptest.Server
	accounts     []string
	contractAddr string
	sent         []map[string]any
	statuses     map[int]string
	balances     map[string][]string
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{
		accounts: []string{
			"0x1111111111111111111111111111111111111111",
			"0x2222222222222222222222222222222222222222",
		},
		contractAddr: "0x3333333333333333333333333333333333333333",
		statuses:     make(map[int]string),
		balances:     make(map[string][]string),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) attacker() string { return n.accounts[1] }

// setStatus overrides the receipt status of the i-th submitted
// transaction, 1-based. Unset transactions succeed.
func (n *fakeNode) setStatus(i int, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses[i] = status
}

// setBalances scripts successive eth_getBalance responses for an
// address; the last value repeats.
func (n *fakeNode) setBalances(address string, values ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[address] = values
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int               `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var result any
	switch req.Method {
	case "eth_accounts":
		result = n.accounts
	case "eth_blockNumber":
		result = "0x1"
	case "eth_sendTransaction":
		var tx map[string]any
		_ = json.Unmarshal(req.Params[0], &tx)
		n.sent = append(n.sent, tx)
		result = fmt.Sprintf("0x%064x", len(n.sent))
	case "eth_getTransactionReceipt":
		var hash string
		_ = json.Unmarshal(req.Params[0], &hash)
		idx, _ := strconv.ParseInt(strings.TrimPrefix(hash, "0x"), 16, 64)
		i := int(idx)
		status := "0x1"
		if s, ok := n.statuses[i]; ok {
			status = s
		}
		receipt := map[string]string{
			"transactionHash": hash,
			"status":          status,
		}
		if i >= 1 && i <= len(n.sent) {
			if _, hasTo := n.sent[i-1]["to"]; !hasTo {
				receipt["contractAddress"] = n.contractAddr
			}
		}
		result = receipt
	case "eth_getBalance":
		var addr string
		_ = json.Unmarshal(req.Params[0], &addr)
		values := n.balances[addr]
		value := "0x0"
		if len(values) > 0 {
			value = values[0]
			if len(values) > 1 {
				n.balances[addr] = values[1:]
			}
		}
		result = value
	default:
		http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}
