// Package analyzer shells out to slither to run static analysis over a
// Solidity workspace and normalizes the detector output.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	api "github.com/chainproof/chainproof/api/v1alpha1"
)

// Finding is a single normalized detector hit.
type Finding struct {
	VulnerabilityType string
	Severity          api.FindingSeverity
	FilePath          string
	Line              int
	Selector          string
	Description       string
	Confidence        float64
}

// Report is the outcome of one analysis pass.
type Report struct {
	Findings  []Finding
	ToolsUsed []string
}

// Slither wraps the slither binary.
type Slither struct {
	bin string
}

func New(bin string) *Slither {
	return &Slither{bin: bin}
}

// Analyze runs slither over the project rooted at dir and returns the
// normalized findings. Slither exits non-zero when detectors fire, so a
// failed exit is only an error when stdout does not carry a report.
func (s *Slither) Analyze(ctx context.Context, dir string) (*Report, error) {
	cmd := exec.CommandContext(ctx, s.bin, ".", "--json", "-")
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	findings, parseErr := parseReport(stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("slither failed in %q: %w, stderr: %s", dir, runErr, strings.TrimSpace(stderr.String()))
		}
		return nil, parseErr
	}

	return &Report{Findings: findings, ToolsUsed: []string{filepath.Base(s.bin)}}, nil
}

// Version reports the slither release, used for worker registration.
func (s *Slither) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, s.bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to read slither version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

type report struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Results struct {
		Detectors []detector `json:"detectors"`
	} `json:"results"`
}

type detector struct {
	Check       string    `json:"check"`
	Impact      string    `json:"impact"`
	Confidence  string    `json:"confidence"`
	Description string    `json:"description"`
	Elements    []element `json:"elements"`
}

type element struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	SourceMapping struct {
		FilenameRelative string `json:"filename_relative"`
		Lines            []int  `json:"lines"`
	} `json:"source_mapping"`
	TypeSpecificFields struct {
		Signature string `json:"signature"`
	} `json:"type_specific_fields"`
}

func parseReport(data []byte) ([]Finding, error) {
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse slither report: %w", err)
	}
	if !r.Success && r.Error != nil {
		return nil, fmt.Errorf("slither reported failure: %s", *r.Error)
	}

	findings := make([]Finding, 0, len(r.Results.Detectors))
	for _, d := range r.Results.Detectors {
		f := Finding{
			VulnerabilityType: d.Check,
			Severity:          severityFromImpact(d.Impact),
			Description:       strings.TrimSpace(d.Description),
			Confidence:        confidenceScore(d.Confidence),
		}
		for _, e := range d.Elements {
			if f.FilePath == "" && e.SourceMapping.FilenameRelative != "" {
				f.FilePath = e.SourceMapping.FilenameRelative
				if len(e.SourceMapping.Lines) > 0 {
					f.Line = e.SourceMapping.Lines[0]
				}
			}
			if f.Selector == "" && e.TypeSpecificFields.Signature != "" {
				f.Selector = e.TypeSpecificFields.Signature
			}
		}
		findings = append(findings, f)
	}

	return findings, nil
}

func severityFromImpact(impact string) api.FindingSeverity {
	switch impact {
	case "High":
		return api.FindingSeverityHigh
	case "Medium":
		return api.FindingSeverityMedium
	case "Low":
		return api.FindingSeverityLow
	default:
		return api.FindingSeverityInfo
	}
}

func confidenceScore(label string) float64 {
	switch label {
	case "High":
		return 0.9
	case "Medium":
		return 0.6
	default:
		return 0.3
	}
}
