/*
Package command maps inbound chat text to Ledger operations and renders
the reply.

PURPOSE:
  The router is state-free: one call per inbound message. It tokenizes the
  text, dispatches on the verb, calls the Ledger and renders the result to
  a fixed reply from the message catalog.

VERBS (case-insensitive):
  HI              Help text
  JOIN <name>     Register
  BUY <code>      RedeemVoucher
  CHECK           GetBalance
  REDEEM          RedeemForReward
  HISTORY         GetHistory

  JOIN and BUY without an argument are answered with a usage hint and never
  reach the Ledger. Anything else is an unknown command.

SEE ALSO:
  - router.go: Dispatch table
  - render.go: Message catalog
*/
package command

import "strings"

// Verb is the upper-cased first word of a message.
type Verb string

const (
	VerbHelp    Verb = "HI"
	VerbJoin    Verb = "JOIN"
	VerbBuy     Verb = "BUY"
	VerbCheck   Verb = "CHECK"
	VerbRedeem  Verb = "REDEEM"
	VerbHistory Verb = "HISTORY"
)

// Command is a tokenized message.
type Command struct {
	Verb Verb
	Arg  string
}

// Parse splits text into a verb and the remaining argument. Surrounding and
// repeated whitespace is ignored; the argument keeps inner spacing collapsed.
func Parse(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}
	}
	return Command{
		Verb: Verb(strings.ToUpper(fields[0])),
		Arg:  strings.Join(fields[1:], " "),
	}
}
