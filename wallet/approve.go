package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"notegate/chain"
)

// Approver decides whether a transaction may be signed.
type Approver interface {
	Approve(ctx context.Context, chainID uint64, req TxRequest) (bool, error)
}

// ApproveFunc adapts a function to the Approver interface.
type ApproveFunc func(ctx context.Context, chainID uint64, req TxRequest) (bool, error)

// Approve implements Approver.
func (f ApproveFunc) Approve(ctx context.Context, chainID uint64, req TxRequest) (bool, error) {
	return f(ctx, chainID, req)
}

// AutoApprove signs every request. Suitable for daemons whose callers are already
// authenticated.
var AutoApprove Approver = ApproveFunc(func(context.Context, uint64, TxRequest) (bool, error) {
	return true, nil
})

// RejectAll refuses every request.
var RejectAll Approver = ApproveFunc(func(context.Context, uint64, TxRequest) (bool, error) {
	return false, nil
})

// TerminalApprover prompts on an interactive terminal before each signature.
type TerminalApprover struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalApprover prompts on stdin/stderr.
func NewTerminalApprover() *TerminalApprover {
	return &TerminalApprover{In: os.Stdin, Out: os.Stderr}
}

// Approve prints a summary of req and waits for y/N. A non-interactive input rejects.
func (a *TerminalApprover) Approve(ctx context.Context, chainID uint64, req TxRequest) (bool, error) {
	if a.In == nil || !term.IsTerminal(int(a.In.Fd())) {
		return false, nil
	}
	to := "(contract creation)"
	if req.To != nil {
		to = req.To.Hex()
	}
	value := "0"
	if req.Value != nil {
		value = chain.WeiToEther(req.Value)
	}
	fmt.Fprintf(a.Out, "Sign transaction on chain %d\n  from:  %s\n  to:    %s\n  value: %s\n  gas:   %d\nApprove? [y/N]: ",
		chainID, req.From.Hex(), to, value, req.Gas)

	answers := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(a.In).ReadString('\n')
		answers <- line
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(a.Out)
		return false, ctx.Err()
	case line := <-answers:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
