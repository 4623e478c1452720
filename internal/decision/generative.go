package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"logwarden/internal/logging"
	"logwarden/internal/model"
)

// TextGenerator answers a prompt with free text.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// CommandGenerator runs an external program with the prompt on stdin and
// reads the answer from stdout.
type CommandGenerator struct {
	argv []string
}

func NewCommandGenerator(argv []string) (*CommandGenerator, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("decision.generator command required in generative mode")
	}
	return &CommandGenerator{argv: append([]string(nil), argv...)}, nil
}

func (g *CommandGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("generator %s: %w: %s", g.argv[0], err, msg)
		}
		return "", fmt.Errorf("generator %s: %w", g.argv[0], err)
	}
	return stdout.String(), nil
}

// Generative asks a text generator for the action and falls back to monitor
// whenever the answer is missing or unusable.
type Generative struct {
	gen     TextGenerator
	timeout time.Duration
	logger  *slog.Logger
}

func NewGenerative(gen TextGenerator, timeout time.Duration, logger *slog.Logger) *Generative {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Generative{gen: gen, timeout: timeout, logger: logger.With("decider", "generative")}
}

func (g *Generative) Decide(ctx context.Context, c model.Context) model.Action {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	raw, err := g.gen.Generate(ctx, BuildPrompt(c))
	if err != nil {
		g.logger.Warn("generator failed, falling back to monitor", "id", c.ID, "err", err)
		return Monitor()
	}
	action, err := ParseAction(raw)
	if err != nil {
		g.logger.Warn("generator returned invalid action, falling back to monitor", "id", c.ID, "err", err)
		return Monitor()
	}
	return action
}

// BuildPrompt renders the instruction handed to the generator.
func BuildPrompt(c model.Context) string {
	ctxJSON, _ := json.MarshalIndent(c, "", "  ")
	var b strings.Builder
	b.WriteString("You are an autonomous cybersecurity decision-making system.\n\n")
	b.WriteString("Analyze this security alert:\n\n")
	b.Write(ctxJSON)
	b.WriteString("\n\nChoose the best action.\n\n")
	b.WriteString("Respond only with a JSON object. Valid actions:\n\n")
	b.WriteString(`1. {"name": "block_ip", "params": {"ip": "X.X.X.X"}}` + "\n")
	b.WriteString(`2. {"name": "alert_admin", "params": {"message": "text"}}` + "\n")
	b.WriteString(`3. {"name": "monitor"}` + "\n\n")
	b.WriteString("Output only the JSON. No explanation, no markdown, no backticks.\n")
	return b.String()
}

// ParseAction extracts an action from generator output, tolerating markdown
// code fences and stray backticks.
func ParseAction(raw string) (model.Action, error) {
	cleaned := CleanJSON(raw)
	if cleaned == "" {
		return model.Action{}, errors.New("empty response")
	}
	var a model.Action
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&a); err != nil {
		return model.Action{}, fmt.Errorf("decode action: %w", err)
	}
	if a.Name == "" {
		return model.Action{}, errors.New("action without name")
	}
	return a, nil
}

func CleanJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.ReplaceAll(cleaned, "```json", "")
		cleaned = strings.ReplaceAll(cleaned, "```", "")
	}
	cleaned = strings.ReplaceAll(cleaned, "`", "")
	return strings.TrimSpace(cleaned)
}
