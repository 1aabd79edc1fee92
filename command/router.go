package command

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
)

// Ledger is the subset of *ledger.Ledger the router calls.
type Ledger interface {
	Register(ctx context.Context, id ledger.CustomerID, name string) (ledger.RegisterResult, error)
	RedeemVoucher(ctx context.Context, id ledger.CustomerID, code ledger.VoucherCode) (ledger.RedeemResult, error)
	GetBalance(ctx context.Context, id ledger.CustomerID) (ledger.BalanceResult, error)
	RedeemForReward(ctx context.Context, id ledger.CustomerID, cost int64) (ledger.RewardResult, error)
	GetHistory(ctx context.Context, id ledger.CustomerID) ([]ledger.HistoryEntry, error)
	RewardCost() int64
}

var _ Ledger = (*ledger.Ledger)(nil)

// Outcomes the router adds on top of ledger.Outcome.
const (
	OutcomeHelp            = "help"
	OutcomeHistory         = "history"
	OutcomeMissingArgument = "missing_argument"
	OutcomeUnknownCommand  = "unknown_command"
	OutcomeError           = "error"
)

// Reply is what the transport sends back, plus labels for logs and metrics.
type Reply struct {
	Text    string
	Verb    Verb
	Outcome string
}

// Router dispatches parsed commands to the Ledger.
type Router struct {
	ledger Ledger
	log    logrus.FieldLogger
}

// NewRouter creates a router. A nil logger uses the logrus standard logger.
func NewRouter(l Ledger, log logrus.FieldLogger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{ledger: l, log: log}
}

type handlerFunc func(r *Router, ctx context.Context, sender ledger.CustomerID, arg string) (Reply, error)

// dispatch is the verb table. Verbs absent here are unknown commands.
var dispatch = map[Verb]handlerFunc{
	VerbHelp:    (*Router).help,
	VerbJoin:    (*Router).join,
	VerbBuy:     (*Router).buy,
	VerbCheck:   (*Router).check,
	VerbRedeem:  (*Router).redeem,
	VerbHistory: (*Router).history,
}

// Handle answers one inbound message. It always returns a reply; ledger
// errors are logged and answered with the generic failure text.
func (r *Router) Handle(ctx context.Context, sender string, text string) Reply {
	cmd := Parse(text)
	h, ok := dispatch[cmd.Verb]
	if !ok {
		return Reply{Text: RenderUnknown(), Verb: cmd.Verb, Outcome: OutcomeUnknownCommand}
	}

	reply, err := h(r, ctx, ledger.CustomerID(sender), cmd.Arg)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"customer_id": sender,
			"verb":        cmd.Verb,
			"unavailable": ledger.IsUnavailable(err),
		}).Error("command failed")
		return Reply{Text: RenderFailure(), Verb: cmd.Verb, Outcome: OutcomeError}
	}
	reply.Verb = cmd.Verb
	return reply
}

func (r *Router) help(_ context.Context, _ ledger.CustomerID, _ string) (Reply, error) {
	return Reply{Text: RenderHelp(), Outcome: OutcomeHelp}, nil
}

func (r *Router) join(ctx context.Context, sender ledger.CustomerID, arg string) (Reply, error) {
	if strings.TrimSpace(arg) == "" {
		return Reply{Text: RenderMissingArgument(VerbJoin), Outcome: OutcomeMissingArgument}, nil
	}
	res, err := r.ledger.Register(ctx, sender, arg)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: RenderRegister(res), Outcome: string(res.Outcome)}, nil
}

func (r *Router) buy(ctx context.Context, sender ledger.CustomerID, arg string) (Reply, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return Reply{Text: RenderMissingArgument(VerbBuy), Outcome: OutcomeMissingArgument}, nil
	}
	res, err := r.ledger.RedeemVoucher(ctx, sender, ledger.VoucherCode(fields[0]))
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: RenderRedeem(res), Outcome: string(res.Outcome)}, nil
}

func (r *Router) check(ctx context.Context, sender ledger.CustomerID, _ string) (Reply, error) {
	res, err := r.ledger.GetBalance(ctx, sender)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: RenderBalance(res), Outcome: string(res.Outcome)}, nil
}

func (r *Router) redeem(ctx context.Context, sender ledger.CustomerID, _ string) (Reply, error) {
	res, err := r.ledger.RedeemForReward(ctx, sender, r.ledger.RewardCost())
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: RenderReward(res), Outcome: string(res.Outcome)}, nil
}

func (r *Router) history(ctx context.Context, sender ledger.CustomerID, _ string) (Reply, error) {
	entries, err := r.ledger.GetHistory(ctx, sender)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: RenderHistory(entries), Outcome: OutcomeHistory}, nil
}
