// Package gateway implements the Approval Gateway: it renders change
// requests as actionable notifications on the human-approval channel
// and turns asynchronous callback events into state-machine decisions.
//
// The callback path is deliberately forgiving. Malformed external input
// must never crash the process, every failure is swallowed into a log
// line, and the transport is always acknowledged so the channel does
// not enter a redelivery storm.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/audit"
	"github.com/gcz-labs/gatekeeper/pkg/contracts"
	"github.com/gcz-labs/gatekeeper/pkg/freeze"
)

// Decider is the slice of the approval state machine the gateway needs.
type Decider interface {
	Decide(ctx context.Context, id int64, decision contracts.Decision) (*contracts.ChangeRequest, error)
}

// Gateway wires the external channel to the state machine, guarded
// against replayed deliveries.
type Gateway struct {
	decider Decider
	guard   ReplayGuard
	channel Channel
	freezer *freeze.Controller
	ledger  audit.Ledger
	adminID string
	logger  *slog.Logger
}

// New builds a gateway. freezer may be nil when admin chat commands are
// not exposed.
func New(decider Decider, guard ReplayGuard, channel Channel, freezer *freeze.Controller, ledger audit.Ledger, adminID string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		decider: decider,
		guard:   guard,
		channel: channel,
		freezer: freezer,
		ledger:  ledger,
		adminID: adminID,
		logger:  logger,
	}
}

// Notify renders a new request on the channel. One attempt; failure is
// the caller's to log.
func (g *Gateway) Notify(ctx context.Context, req *contracts.ChangeRequest) error {
	return g.channel.SendApprovalRequest(ctx, req)
}

// Confirm reports a terminal state change back to the channel.
func (g *Gateway) Confirm(ctx context.Context, req *contracts.ChangeRequest, message string) error {
	return g.channel.Send(ctx, message)
}

// update is the subset of a Telegram update the gateway reads.
type update struct {
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"callback_query"`
	Message *struct {
		Text string `json:"text"`
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
}

// HandleCallback processes one raw inbound event from the webhook.
// It never returns an error: the webhook must acknowledge regardless of
// the internal outcome.
func (g *Gateway) HandleCallback(ctx context.Context, raw []byte) {
	digest := EventDigest(raw)
	if g.guard != nil {
		seen, err := g.guard.Seen(ctx, digest)
		if err != nil {
			g.logger.Warn("replay guard unavailable, processing anyway", "error", err)
		} else if seen {
			g.logger.Info("duplicate callback event dropped", "digest", digest)
			return
		}
	}

	var u update
	if err := json.Unmarshal(raw, &u); err != nil {
		g.logger.Warn("unparseable callback event", "error", err)
		return
	}

	switch {
	case u.CallbackQuery != nil:
		g.handleDecision(ctx, u.CallbackQuery.ID, u.CallbackQuery.Data)
	case u.Message != nil:
		from := int64(0)
		if u.Message.From != nil {
			from = u.Message.From.ID
		}
		g.handleAdminCommand(ctx, from, u.Message.Text)
	default:
		g.logger.Info("callback event carried no actionable content")
	}
}

func (g *Gateway) handleDecision(ctx context.Context, callbackID, data string) {
	action, idText, ok := strings.Cut(data, "_")
	if !ok {
		g.logger.Warn("malformed callback data", "data", data)
		g.ack(ctx, callbackID, "Unrecognized action")
		return
	}

	decision, ok := contracts.ParseDecision(action)
	if !ok {
		g.logger.Warn("unknown decision action", "action", action)
		g.ack(ctx, callbackID, "Unrecognized action")
		return
	}

	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		g.logger.Warn("malformed request id in callback", "data", data)
		g.ack(ctx, callbackID, "Unrecognized request")
		return
	}

	if _, err := g.decider.Decide(ctx, id, decision); err != nil {
		// Unknown id or storage trouble: logged, acknowledged, done.
		// The channel must never see an internal error.
		g.logger.Warn("decision failed", "request_id", id, "decision", decision, "error", err)
	}
	g.ack(ctx, callbackID, "Recorded")
}

// handleAdminCommand maps admin chat commands onto the freeze control
// surface. Only the configured admin may toggle flags.
func (g *Gateway) handleAdminCommand(ctx context.Context, from int64, text string) {
	if g.freezer == nil || g.adminID == "" || strconv.FormatInt(from, 10) != g.adminID {
		return
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "/freeze":
		g.freezer.SetFreeze(true)
		g.appendEvent(audit.EventFreezeToggle, map[string]any{"frozen": true})
		g.reply(ctx, "🧊 Canary freeze enabled")
	case "/unfreeze":
		g.freezer.SetFreeze(false)
		g.appendEvent(audit.EventFreezeToggle, map[string]any{"frozen": false})
		g.reply(ctx, "🔥 Canary freeze disabled")
	case "/bypass":
		d := freeze.DefaultBypass
		if len(fields) > 1 {
			if minutes, err := strconv.Atoi(fields[1]); err == nil && minutes > 0 {
				d = time.Duration(minutes) * time.Minute
			}
		}
		until := g.freezer.GrantBypass(d)
		g.appendEvent(audit.EventBypassGranted, map[string]any{"until": until})
		g.reply(ctx, fmt.Sprintf("🟡 Freeze bypass enabled until %s", until.UTC().Format(time.RFC3339)))
	case "/status":
		s := g.freezer.Snapshot()
		msg := "🟢 Rollouts open"
		if g.freezer.IsBlocked() {
			msg = "🧊 Rollouts frozen"
		} else if s.Frozen {
			msg = "🟡 Frozen, bypass window open"
		}
		g.reply(ctx, msg)
	}
}

func (g *Gateway) ack(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := g.channel.AnswerCallback(ctx, callbackID, text); err != nil {
		g.logger.Warn("callback acknowledgment failed", "error", err)
	}
}

func (g *Gateway) reply(ctx context.Context, text string) {
	if err := g.channel.Send(ctx, text); err != nil {
		g.logger.Warn("admin reply failed", "error", err)
	}
}

func (g *Gateway) appendEvent(eventType audit.EventType, details map[string]any) {
	if g.ledger == nil {
		return
	}
	if _, err := g.ledger.Append(eventType, 0, details); err != nil {
		g.logger.Error("audit append failed", "event_type", eventType, "error", err)
	}
}
