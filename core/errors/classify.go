package errors

import (
	"context"
	stderrors "errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Signal is the normalised view of a raw error that rules match against.
type Signal struct {
	// Code is the JSON-RPC or EIP-1193 code, zero when the error carries none.
	Code    int
	HasCode bool
	// Text is the error text plus any string revert data, original casing.
	Text    string
	lower   string
	Timeout bool
}

// Contains reports whether the lowered text contains any of substrs.
func (s Signal) Contains(substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s.lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// SignalOf extracts the code, text and timeout flag from err and its wrap chain.
func SignalOf(err error) Signal {
	if err == nil {
		return Signal{}
	}
	sig := Signal{Text: err.Error()}
	var coded rpc.Error
	if stderrors.As(err, &coded) {
		sig.Code = coded.ErrorCode()
		sig.HasCode = true
	}
	var withData rpc.DataError
	if stderrors.As(err, &withData) {
		switch data := withData.ErrorData().(type) {
		case string:
			if data != "" && !strings.Contains(sig.Text, data) {
				sig.Text += ": " + data
			}
		case map[string]interface{}:
			if msg, ok := data["message"].(string); ok && msg != "" && !strings.Contains(sig.Text, msg) {
				sig.Text += ": " + msg
			}
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		sig.Timeout = true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		sig.Timeout = true
	}
	sig.lower = strings.ToLower(sig.Text)
	return sig
}

// Rule maps matching signals to a kind. Rules are evaluated in order and the first match wins.
type Rule struct {
	Name  string
	Kind  Kind
	Match func(Signal) bool
}

// CodeIs matches signals carrying one of codes.
func CodeIs(codes ...int) func(Signal) bool {
	return func(s Signal) bool {
		if !s.HasCode {
			return false
		}
		for _, c := range codes {
			if s.Code == c {
				return true
			}
		}
		return false
	}
}

// TextContains matches signals whose text contains any of substrs, case-insensitively.
func TextContains(substrs ...string) func(Signal) bool {
	return func(s Signal) bool { return s.Contains(substrs...) }
}

// AnyOf matches when any predicate does.
func AnyOf(preds ...func(Signal) bool) func(Signal) bool {
	return func(s Signal) bool {
		for _, p := range preds {
			if p(s) {
				return true
			}
		}
		return false
	}
}

// DefaultRules returns the standard table: codes first, then message substrings with the
// most specific contract reasons ahead of the generic revert.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "user-rejected-code", Kind: UserRejected, Match: CodeIs(4001)},
		{Name: "user-rejected-text", Kind: UserRejected, Match: TextContains("user denied", "user rejected", "rejected by user")},
		{Name: "unauthorized-account", Kind: AccountMismatch, Match: CodeIs(4100)},
		{Name: "max-supply", Kind: MaxSupplyReached, Match: TextContains("max supply reached", "maximum supply reached", "exceeds max supply")},
		{Name: "note-inactive", Kind: NoteInactive, Match: TextContains("note is not active", "note not active", "note inactive")},
		{Name: "insufficient-funds", Kind: InsufficientFunds, Match: TextContains("insufficient funds", "insufficient balance for transfer")},
		{Name: "underpriced", Kind: Underpriced, Match: TextContains("underpriced", "gas price too low", "max fee per gas less than block base fee", "fee too low")},
		{Name: "nonce", Kind: NonceConflict, Match: TextContains("nonce too low", "nonce too high", "already known", "nonce has already been used", "invalid nonce")},
		{Name: "reverted", Kind: ExecutionReverted, Match: AnyOf(CodeIs(3), TextContains("execution reverted", "transaction reverted", "vm exception"))},
		{Name: "chain-disconnected", Kind: NetworkRpcError, Match: CodeIs(4900, 4901)},
		{Name: "internal-rpc", Kind: NetworkRpcError, Match: AnyOf(CodeIs(-32603, -32000, -32005), TextContains("internal json-rpc error"))},
		{Name: "transport", Kind: NetworkRpcError, Match: AnyOf(
			func(s Signal) bool { return s.Timeout },
			TextContains("connection refused", "connection reset", "no such host", "timeout", "timed out", "too many requests", "service unavailable", "bad gateway", "unexpected eof"),
		)},
	}
}

// Classifier maps raw errors to Failures through an ordered rule table.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier. With no rules it uses DefaultRules.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Prepend returns a classifier that evaluates extra ahead of the existing rules.
func (c *Classifier) Prepend(extra ...Rule) *Classifier {
	merged := make([]Rule, 0, len(extra)+len(c.rules))
	merged = append(merged, extra...)
	merged = append(merged, c.rules...)
	return &Classifier{rules: merged}
}

// Rules returns a copy of the table.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify resolves err to a Failure. An err that already is a Failure is returned as is.
func (c *Classifier) Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var existing *Failure
	if stderrors.As(err, &existing) && existing != nil {
		return existing
	}
	sig := SignalOf(err)
	for _, rule := range c.rules {
		if rule.Match != nil && rule.Match(sig) {
			detail := detailFor(rule.Kind, sig)
			return &Failure{Kind: rule.Kind, Message: Message(rule.Kind, detail), Detail: detail, Cause: err}
		}
	}
	return &Failure{Kind: Unknown, Message: Message(Unknown, sig.Text), Detail: sig.Text, Cause: err}
}

func detailFor(kind Kind, sig Signal) string {
	if kind != ExecutionReverted {
		return ""
	}
	const marker = "execution reverted"
	if idx := strings.Index(sig.lower, marker); idx >= 0 && idx+len(marker) <= len(sig.Text) {
		rest := strings.TrimSpace(sig.Text[idx+len(marker):])
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		if rest != "" {
			return rest
		}
	}
	return sig.Text
}

var defaultClassifier = NewClassifier()

// Classify resolves err with the default rule table.
func Classify(err error) *Failure {
	return defaultClassifier.Classify(err)
}
