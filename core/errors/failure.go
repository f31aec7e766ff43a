package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind is the closed taxonomy every orchestration failure resolves to.
type Kind string

const (
	InvalidArguments       Kind = "InvalidArguments"
	EnvironmentUnavailable Kind = "EnvironmentUnavailable"
	SessionInitFailed      Kind = "SessionInitFailed"
	WrongNetwork           Kind = "WrongNetwork"
	AccountMismatch        Kind = "AccountMismatch"
	NoteInactive           Kind = "NoteInactive"
	SupplyExhausted        Kind = "SupplyExhausted"
	EventMissing           Kind = "EventMissing"
	UserRejected           Kind = "UserRejected"
	InsufficientFunds      Kind = "InsufficientFunds"
	Underpriced            Kind = "Underpriced"
	NonceConflict          Kind = "NonceConflict"
	MaxSupplyReached       Kind = "MaxSupplyReached"
	ExecutionReverted      Kind = "ExecutionReverted"
	NetworkRpcError        Kind = "NetworkRpcError"
	Unknown                Kind = "Unknown"
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{
	InvalidArguments, EnvironmentUnavailable, SessionInitFailed, WrongNetwork, AccountMismatch,
	NoteInactive, SupplyExhausted, EventMissing, UserRejected, InsufficientFunds, Underpriced,
	NonceConflict, MaxSupplyReached, ExecutionReverted, NetworkRpcError, Unknown,
}

// Transient reports whether a read that failed with k may be retried.
func (k Kind) Transient() bool {
	return k == NetworkRpcError
}

// Failure is a classified error. Kind and Message are stable for callers; Cause keeps the
// raw provider error for logs.
type Failure struct {
	Kind    Kind
	Message string
	// Detail carries the provider's own text for kinds whose template embeds it.
	Detail string
	Cause  error
	// TxHash is set when the failure happened after submission.
	TxHash string
}

func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Cause }

// New builds a Failure of kind with the templated message and cause.
func New(kind Kind, cause error) *Failure {
	return &Failure{Kind: kind, Message: Message(kind, ""), Cause: cause}
}

// Newf builds a Failure of kind with a caller-supplied message.
func Newf(kind Kind, cause error, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind carried by err, or Unknown.
func KindOf(err error) Kind {
	var f *Failure
	if stderrors.As(err, &f) && f != nil {
		return f.Kind
	}
	return Unknown
}

var templates = map[Kind]string{
	InvalidArguments:       "Invalid arguments: %s",
	EnvironmentUnavailable: "No wallet provider is available. Configure a keystore or connect a wallet and retry.",
	SessionInitFailed:      "Could not connect to the note contract. Reconnect the wallet and retry.",
	WrongNetwork:           "The wallet is on the wrong network and could not be switched to EDU Chain Testnet.",
	AccountMismatch:        "The selected account is not authorised in the wallet.",
	NoteInactive:           "This note is not active and cannot be minted.",
	SupplyExhausted:        "All copies of this note have been minted.",
	EventMissing:           "The transaction confirmed but the expected contract event was not found.",
	UserRejected:           "Transaction was rejected in the wallet.",
	InsufficientFunds:      "Insufficient funds for gas and value. Top up the account with EDU from the testnet faucet and retry.",
	Underpriced:            "Transaction gas price too low. Retry with a higher gas price.",
	NonceConflict:          "Transaction nonce conflict. Wait for pending transactions to confirm or reset the account nonce, then retry.",
	MaxSupplyReached:       "Maximum supply for this note has been reached.",
	ExecutionReverted:      "Transaction reverted: %s",
	NetworkRpcError:        "Network RPC error. Check the RPC endpoint, wait a moment and retry; if it persists, switch networks in the wallet and back.",
	Unknown:                "Unexpected error: %s",
}

// Message renders the template for kind. detail fills templates that embed the provider text.
func Message(kind Kind, detail string) string {
	tmpl, ok := templates[kind]
	if !ok {
		tmpl = templates[Unknown]
	}
	if !strings.Contains(tmpl, "%s") {
		return tmpl
	}
	if detail == "" {
		detail = "no details"
	}
	return fmt.Sprintf(tmpl, detail)
}
