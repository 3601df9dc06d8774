package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/moeryomenko/bumpguard/internal/models"
)

// maxPromptOutput bounds how much failure output is handed to the external
// classifier.
const maxPromptOutput = 3000

// Request is written as JSON to an external classifier's stdin.
type Request struct {
	Packages []string `json:"packages"`
	Output   string   `json:"output"`
}

// Verdict is read as JSON from an external classifier's stdout.
type Verdict struct {
	SuspectedPackage *string `json:"suspected_package"`
	Confidence       string  `json:"confidence,omitempty"`
	Reasoning        string  `json:"reasoning,omitempty"`
	ErrorType        string  `json:"error_type,omitempty"`
}

// Exec delegates diagnosis to an external program, typically an LLM-backed
// script. The program receives a Request on stdin and prints a Verdict.
type Exec struct {
	Command []string
}

// Classify implements FailureClassifier.
func (e Exec) Classify(ctx context.Context, output string, batch *models.UpdateBatch) (string, error) {
	if len(e.Command) == 0 {
		return "", fmt.Errorf("no classifier command configured")
	}
	if len(output) > maxPromptOutput {
		output = output[len(output)-maxPromptOutput:]
	}

	req, err := json.Marshal(Request{Packages: batch.Names(), Output: output})
	if err != nil {
		return "", fmt.Errorf("failed to encode classifier request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = bytes.NewReader(req)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("classifier command failed: %w\nOutput: %s", err, stderr.String())
	}

	var v Verdict
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &v); err != nil {
		return "", fmt.Errorf("failed to decode classifier verdict: %w", err)
	}
	if v.SuspectedPackage == nil {
		return None, nil
	}
	return *v.SuspectedPackage, nil
}

// Chain tries each classifier in turn and returns the first verdict other
// than None. Errors from earlier classifiers are skipped when a later one
// answers.
type Chain []FailureClassifier

// Classify implements FailureClassifier.
func (c Chain) Classify(ctx context.Context, output string, batch *models.UpdateBatch) (string, error) {
	var lastErr error
	for _, fc := range c {
		name, err := fc.Classify(ctx, output, batch)
		if err != nil {
			lastErr = err
			continue
		}
		if name != None && name != "" {
			return name, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return None, nil
}
