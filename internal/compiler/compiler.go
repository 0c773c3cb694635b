// Package compiler shells out to solc and parses its combined-json
// output into deployable artifacts.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Artifact is the compiled output for one contract.
type Artifact struct {
	ContractName string
	Bytecode     string
	ABI          json.RawMessage
}

type Solc struct {
	bin string
}

func New(bin string) *Solc {
	return &Solc{bin: bin}
}

// Compile builds the contract source at path (relative to dir) and
// returns the artifacts keyed by contract name. Bytecode comes back
// 0x-prefixed, ready for eth_sendTransaction.
func (s *Solc) Compile(ctx context.Context, dir string, path string) (map[string]Artifact, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, s.bin, "--combined-json", "abi,bin", path)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("solc %s: %w (stderr: %s)", path, err, strings.TrimSpace(stderr.String()))
	}

	artifacts, err := parseCombined(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse solc output for %s: %w", path, err)
	}

	if len(artifacts) == 0 {
		return nil, fmt.Errorf("solc produced no contracts for %s", path)
	}

	return artifacts, nil
}

// Version returns the solc version line, reported at worker
// registration.
func (s *Solc) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, s.bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("solc --version: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "Version:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Version:")), nil
		}
	}
	return strings.TrimSpace(string(out)), nil
}

type combinedOutput struct {
	Contracts map[string]struct {
		ABI json.RawMessage `json:"abi"`
		Bin string          `json:"bin"`
	} `json:"contracts"`
	Version string `json:"version"`
}

// parseCombined maps solc's "<path>:<Name>" keys to artifacts keyed by
// the bare contract name.
func parseCombined(data []byte) (map[string]Artifact, error) {
	var out combinedOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	artifacts := make(map[string]Artifact, len(out.Contracts))
	for key, c := range out.Contracts {
		name := key
		if idx := strings.LastIndex(key, ":"); idx >= 0 {
			name = key[idx+1:]
		}

		bytecode := c.Bin
		if bytecode != "" && !strings.HasPrefix(bytecode, "0x") {
			bytecode = "0x" + bytecode
		}

		artifacts[name] = Artifact{
			ContractName: name,
			Bytecode:     bytecode,
			ABI:          c.ABI,
		}
	}

	return artifacts, nil
}
