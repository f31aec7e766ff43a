package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

type codedError struct {
	code int
	msg  string
	data interface{}
}

func (e codedError) Error() string          { return e.msg }
func (e codedError) ErrorCode() int         { return e.code }
func (e codedError) ErrorData() interface{} { return e.data }

func TestCode4001WinsOverMessage(t *testing.T) {
	err := codedError{code: 4001, msg: "insufficient funds for gas * price + value"}
	got := Classify(err)
	if got.Kind != UserRejected {
		t.Fatalf("expected UserRejected, got %s", got.Kind)
	}
	if !stderrors.Is(got, err) {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"denied text", stderrors.New("MetaMask Tx Signature: User denied transaction signature."), UserRejected},
		{"unauthorized", codedError{code: 4100, msg: "not authorized"}, AccountMismatch},
		{"max supply before revert", stderrors.New("execution reverted: Max supply reached"), MaxSupplyReached},
		{"inactive", stderrors.New("execution reverted: Note is not active"), NoteInactive},
		{"funds", stderrors.New("insufficient funds for gas * price + value"), InsufficientFunds},
		{"underpriced", stderrors.New("replacement transaction underpriced"), Underpriced},
		{"nonce", stderrors.New("nonce too low"), NonceConflict},
		{"already known", stderrors.New("already known"), NonceConflict},
		{"revert", stderrors.New("execution reverted: Only author"), ExecutionReverted},
		{"internal", codedError{code: -32603, msg: "Internal JSON-RPC error."}, NetworkRpcError},
		{"deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), NetworkRpcError},
		{"refused", stderrors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), NetworkRpcError},
		{"fallback", stderrors.New("something odd"), Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err).Kind; got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRevertReasonFromData(t *testing.T) {
	err := codedError{code: 3, msg: "execution reverted", data: "Max supply reached"}
	if got := Classify(err).Kind; got != MaxSupplyReached {
		t.Fatalf("expected MaxSupplyReached from revert data, got %s", got)
	}
}

func TestRevertMessageKeepsReason(t *testing.T) {
	got := Classify(stderrors.New("execution reverted: Only author"))
	if got.Detail != "Only author" {
		t.Fatalf("unexpected detail %q", got.Detail)
	}
	if got.Message != "Transaction reverted: Only author" {
		t.Fatalf("unexpected message %q", got.Message)
	}
}

func TestRemediationMessages(t *testing.T) {
	if msg := Classify(codedError{code: -32603, msg: "Internal JSON-RPC error."}).Message; !strings.Contains(msg, "retry") {
		t.Fatalf("expected remediation in %q", msg)
	}
	if msg := Classify(stderrors.New("insufficient funds")).Message; !strings.Contains(msg, "faucet") {
		t.Fatalf("expected remediation in %q", msg)
	}
}

func TestUnknownPreservesText(t *testing.T) {
	got := Classify(stderrors.New("weird provider failure"))
	if !strings.Contains(got.Message, "weird provider failure") {
		t.Fatalf("expected original text in %q", got.Message)
	}
}

func TestExistingFailurePassesThrough(t *testing.T) {
	in := New(SupplyExhausted, nil)
	if got := Classify(fmt.Errorf("wrapped: %w", in)); got != in {
		t.Fatalf("expected the original failure")
	}
	if KindOf(fmt.Errorf("x: %w", in)) != SupplyExhausted {
		t.Fatalf("KindOf did not unwrap")
	}
	if KindOf(stderrors.New("plain")) != Unknown {
		t.Fatalf("expected Unknown for plain errors")
	}
}

func TestPrependedRuleTakesPriority(t *testing.T) {
	c := NewClassifier().Prepend(Rule{Name: "custom", Kind: NoteInactive, Match: TextContains("paused")})
	if got := c.Classify(stderrors.New("execution reverted: paused")).Kind; got != NoteInactive {
		t.Fatalf("expected custom rule to win, got %s", got)
	}
}
