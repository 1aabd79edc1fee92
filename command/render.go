package command

import (
	"fmt"
	"strings"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// MESSAGE CATALOG
// =============================================================================

const (
	msgHelp = "Welcome to the loyalty program! Available commands:\n" +
		"JOIN YourName - register your number\n" +
		"BUY VoucherCode - add points from a voucher\n" +
		"CHECK - see your points balance\n" +
		"REDEEM - spend points on a reward\n" +
		"HISTORY - list your points history"

	msgRegistered         = "Dear %s, your registration was successful, kindly type BUY followed by the voucher number given to you by the staff to earn points."
	msgAlreadyRegistered  = "Dear %s, this number already exists in database"
	msgNotRegistered      = "You need to join first by typing 'JOIN YourName'"
	msgVoucherInvalid     = "Oops, sorry %s, voucher is invalid, kindly recheck and enter again."
	msgVoucherAlreadyUsed = "Oops, sorry %s, voucher is already used by another customer."
	msgVoucherRedeemed    = "Dear %s, congratulations, points updated successfully, kindly send CHECK to see your current point balance."
	msgBalance            = "Your total points: %d"
	msgInsufficientPoints = "You need at least %d points to redeem. Current: %d"
	msgRewardRedeemed     = "Congratulations, you have redeemed %d points for a reward!"
	msgNoHistory          = "No points history found."
	msgHistoryLine        = "%s %+d pts on %s"
	msgUnknownCommand     = "Unknown command. Please send HI to see available commands."
	msgUsageJoin          = "Usage: JOIN YourName"
	msgUsageBuy           = "Usage: BUY VoucherCode"
	msgFailure            = "Sorry, something went wrong. Please try again later."
)

// HistoryTimeLayout formats history timestamps.
const HistoryTimeLayout = "2006-01-02 15:04:05"

// RenderHelp returns the command list.
func RenderHelp() string { return msgHelp }

// RenderUnknown answers an unrecognized verb.
func RenderUnknown() string { return msgUnknownCommand }

// RenderFailure answers when the ledger could not complete an operation.
func RenderFailure() string { return msgFailure }

// RenderMissingArgument returns the usage hint for verbs that need an argument.
func RenderMissingArgument(v Verb) string {
	if v == VerbBuy {
		return msgUsageBuy
	}
	return msgUsageJoin
}

func RenderRegister(res ledger.RegisterResult) string {
	switch res.Outcome {
	case ledger.OutcomeRegistered:
		return fmt.Sprintf(msgRegistered, res.Name)
	case ledger.OutcomeAlreadyRegistered:
		return fmt.Sprintf(msgAlreadyRegistered, res.Name)
	default:
		return msgFailure
	}
}

func RenderRedeem(res ledger.RedeemResult) string {
	switch res.Outcome {
	case ledger.OutcomeNotRegistered:
		return msgNotRegistered
	case ledger.OutcomeVoucherInvalid:
		return fmt.Sprintf(msgVoucherInvalid, res.Name)
	case ledger.OutcomeVoucherAlreadyUsed:
		return fmt.Sprintf(msgVoucherAlreadyUsed, res.Name)
	case ledger.OutcomeRedeemed:
		return fmt.Sprintf(msgVoucherRedeemed, res.Name)
	default:
		return msgFailure
	}
}

func RenderBalance(res ledger.BalanceResult) string {
	switch res.Outcome {
	case ledger.OutcomeNotRegistered:
		return msgNotRegistered
	case ledger.OutcomeBalance:
		return fmt.Sprintf(msgBalance, res.Balance)
	default:
		return msgFailure
	}
}

func RenderReward(res ledger.RewardResult) string {
	switch res.Outcome {
	case ledger.OutcomeNotRegistered:
		return msgNotRegistered
	case ledger.OutcomeInsufficientPoints:
		return fmt.Sprintf(msgInsufficientPoints, res.Cost, res.Balance)
	case ledger.OutcomeRedeemed:
		return fmt.Sprintf(msgRewardRedeemed, res.Cost)
	default:
		return msgFailure
	}
}

// RenderHistory lists entries one per line, oldest first.
func RenderHistory(entries []ledger.HistoryEntry) string {
	if len(entries) == 0 {
		return msgNoHistory
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf(msgHistoryLine, EventLabel(e.Kind), e.Delta, e.At.UTC().Format(HistoryTimeLayout))
	}
	return strings.Join(lines, "\n")
}

// EventLabel is the name shown to customers for an event kind.
func EventLabel(k ledger.EventKind) string {
	switch k {
	case ledger.EventJoin:
		return "Join"
	case ledger.EventVoucherRedeemed:
		return "VoucherRedeemed"
	case ledger.EventRewardRedeemed:
		return "RewardRedeemed"
	default:
		return string(k)
	}
}
