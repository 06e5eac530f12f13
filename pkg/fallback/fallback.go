// Package fallback implements the Fallback Engine (C4): given a primary
// action that has exhausted retries or is blocked by an open circuit, it
// walks an ordered fallback chain (per-primary override, else a static
// default chain) executing each built-in operation until one succeeds, and
// sends a throttled team notification along the way.
package fallback

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	sharederrors "github.com/relaycore/actioncore/pkg/shared/errors"
	"github.com/relaycore/actioncore/pkg/types"
)

// Op names a built-in fallback operation.
type Op string

const (
	OpRouteToAlternate Op = "route_to_alternate_executor"
	OpWriteLocalFile   Op = "write_to_local_file"
	OpAppendCSVRow     Op = "append_row_to_local_csv"
	OpConsolePrint     Op = "console_print"
	OpEnqueueRetry     Op = "enqueue_for_later_retry"
	OpWebhook          Op = "post_to_webhook"
	OpSendEmail        Op = "send_email"
)

// Step is one entry of a fallback chain.
type Step struct {
	Op     Op
	Params map[string]interface{}
}

// Chain is an ordered sequence of fallback steps, walked until one succeeds.
type Chain []Step

// Config configures the engine.
type Config struct {
	ChainByAction  map[string]Chain
	DefaultChain   Chain
	NotifyThrottle time.Duration
	Enabled        bool
	OutputDir      string
	SlackChannel   string
}

// DefaultConfig returns the engine's out-of-the-box settings: enabled, a
// 5-minute team-notification throttle, console_print as the static default.
func DefaultConfig() Config {
	return Config{
		ChainByAction:  map[string]Chain{},
		DefaultChain:   Chain{{Op: OpConsolePrint}},
		NotifyThrottle: 5 * time.Minute,
		Enabled:        true,
		OutputDir:      "./fallback-output",
	}
}

// RetryEnqueuer receives actions the enqueue_for_later_retry op couldn't
// run synchronously.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, req types.ActionRequest) error
}

// Engine runs fallback chains.
type Engine struct {
	config   Config
	slack    *slack.Client
	client   *http.Client
	enqueuer RetryEnqueuer

	mu         sync.Mutex
	lastNotify map[string]time.Time
}

// New builds an Engine. slackClient and enqueuer may be nil if those built-in
// ops are never exercised.
func New(config Config, slackClient *slack.Client, client *http.Client, enqueuer RetryEnqueuer) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		config:     config,
		slack:      slackClient,
		client:     client,
		enqueuer:   enqueuer,
		lastNotify: make(map[string]time.Time),
	}
}

// Outcome records which step of the chain (if any) succeeded.
type Outcome struct {
	Result  types.ActionResult
	Handled bool
	Step    Step
}

// Execute walks the fallback chain for req (the primary action's chain
// override if one is registered, else the static default chain), running
// each step's built-in operation until one succeeds or the chain is
// exhausted. It is a no-op (fallback disabled) when the engine's global
// feature flag is off.
func (e *Engine) Execute(ctx context.Context, req types.ActionRequest, originalErr error, alternate func(ctx context.Context, executor string, req types.ActionRequest) (types.ActionResult, error)) (Outcome, error) {
	if !e.config.Enabled {
		return Outcome{}, fmt.Errorf("fallback disabled: %w", originalErr)
	}

	chain, ok := e.config.ChainByAction[req.Action]
	if !ok {
		chain = e.config.DefaultChain
	}

	e.notifyTeam(req, originalErr)

	var lastErr error
	for _, step := range chain {
		result, err := e.runStep(ctx, step, req, originalErr, alternate)
		if err == nil {
			result.ExecutedViaFallback = true
			result.FallbackAction = string(step.Op)
			return Outcome{Result: result, Handled: true, Step: step}, nil
		}
		lastErr = err
	}

	return Outcome{}, sharederrors.Chain(originalErr, lastErr)
}

func (e *Engine) runStep(ctx context.Context, step Step, req types.ActionRequest, originalErr error, alternate func(ctx context.Context, executor string, req types.ActionRequest) (types.ActionResult, error)) (types.ActionResult, error) {
	switch step.Op {
	case OpRouteToAlternate:
		executor, _ := step.Params["executor"].(string)
		if executor == "" || alternate == nil {
			return types.ActionResult{}, fmt.Errorf("route_to_alternate_executor: no alternate executor configured")
		}
		return alternate(ctx, executor, req)

	case OpWriteLocalFile:
		return e.writeLocalFile(req, originalErr)

	case OpAppendCSVRow:
		return e.appendCSVRow(req, originalErr)

	case OpConsolePrint:
		fmt.Printf("[fallback] action=%s target=%s platform=%s error=%v\n", req.Action, req.Target, req.Platform, originalErr)
		return types.ActionResult{Data: "printed"}, nil

	case OpEnqueueRetry:
		if e.enqueuer == nil {
			return types.ActionResult{}, fmt.Errorf("enqueue_for_later_retry: no enqueuer configured")
		}
		if err := e.enqueuer.Enqueue(ctx, req); err != nil {
			return types.ActionResult{}, err
		}
		return types.ActionResult{Data: "enqueued"}, nil

	case OpWebhook:
		return e.postWebhook(ctx, step, req, originalErr)

	case OpSendEmail:
		return e.sendEmail(step, req, originalErr)

	default:
		return types.ActionResult{}, fmt.Errorf("unknown fallback op: %s", step.Op)
	}
}

func (e *Engine) writeLocalFile(req types.ActionRequest, originalErr error) (types.ActionResult, error) {
	if err := os.MkdirAll(e.config.OutputDir, 0o755); err != nil {
		return types.ActionResult{}, sharederrors.FailedToWithDetails("create output directory", "fallback", e.config.OutputDir, err)
	}
	name := fmt.Sprintf("%s-%d.json", sanitizeFilename(req.Action), time.Now().UnixNano())
	path := filepath.Join(e.config.OutputDir, name)

	payload := map[string]interface{}{
		"action":   req,
		"error":    errString(originalErr),
		"recorded": time.Now().UTC(),
	}
	data, _ := json.MarshalIndent(payload, "", "  ")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.ActionResult{}, sharederrors.FailedToWithDetails("write fallback file", "fallback", path, err)
	}
	return types.ActionResult{Data: path}, nil
}

func (e *Engine) appendCSVRow(req types.ActionRequest, originalErr error) (types.ActionResult, error) {
	if err := os.MkdirAll(e.config.OutputDir, 0o755); err != nil {
		return types.ActionResult{}, sharederrors.FailedToWithDetails("create output directory", "fallback", e.config.OutputDir, err)
	}
	path := filepath.Join(e.config.OutputDir, "fallback-log.csv")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return types.ActionResult{}, sharederrors.FailedToWithDetails("open fallback csv", "fallback", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(bufio.NewWriter(f))
	defer w.Flush()
	row := []string{time.Now().UTC().Format(time.RFC3339), req.Platform, req.Action, req.Target, errString(originalErr)}
	if err := w.Write(row); err != nil {
		return types.ActionResult{}, sharederrors.FailedToWithDetails("write fallback csv row", "fallback", path, err)
	}
	return types.ActionResult{Data: path}, nil
}

func (e *Engine) postWebhook(ctx context.Context, step Step, req types.ActionRequest, originalErr error) (types.ActionResult, error) {
	url, _ := step.Params["url"].(string)
	if url == "" {
		return types.ActionResult{}, fmt.Errorf("post_to_webhook: no url configured")
	}

	payload := map[string]interface{}{
		"action":   req,
		"error":    errString(originalErr),
		"occurred": time.Now().UTC(),
	}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return types.ActionResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return types.ActionResult{}, sharederrors.NetworkError("post_to_webhook", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return types.ActionResult{}, fmt.Errorf("post_to_webhook: endpoint returned status %d", resp.StatusCode)
	}
	return types.ActionResult{Data: url}, nil
}

func (e *Engine) sendEmail(step Step, req types.ActionRequest, originalErr error) (types.ActionResult, error) {
	to, _ := step.Params["to"].(string)
	if to == "" {
		return types.ActionResult{}, fmt.Errorf("send_email: no recipient configured")
	}
	// Real SMTP delivery is an operational concern outside this core's
	// scope; recording the intent keeps the fallback chain observable.
	fmt.Printf("[fallback] would send email to=%s subject=%q\n", to, fmt.Sprintf("action %s failed: %v", req.Action, originalErr))
	return types.ActionResult{Data: to}, nil
}

// notifyTeam posts a Slack message about the failing action, throttled per
// action name so a flapping executor doesn't flood the channel.
func (e *Engine) notifyTeam(req types.ActionRequest, originalErr error) {
	if e.slack == nil || e.config.SlackChannel == "" {
		return
	}

	e.mu.Lock()
	last, seen := e.lastNotify[req.Action]
	throttled := seen && time.Since(last) < e.config.NotifyThrottle
	if !throttled {
		e.lastNotify[req.Action] = time.Now()
	}
	e.mu.Unlock()

	if throttled {
		return
	}

	text := fmt.Sprintf(":rotating_light: action `%s` on `%s` fell back after: %v", req.Action, req.Target, originalErr)
	_, _, _ = e.slack.PostMessage(e.config.SlackChannel, slack.MsgOptionText(text, false))
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
