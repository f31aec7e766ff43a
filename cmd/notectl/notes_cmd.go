package main

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"notegate/chain"
)

type noteRecord struct {
	TokenID        string `json:"tokenId"`
	Title          string `json:"title"`
	Course         string `json:"course"`
	Topic          string `json:"topic"`
	Author         string `json:"author"`
	PriceInWei     string `json:"priceInWei"`
	MaxSupplyInWei string `json:"maxSupplyInWei"`
}

type listing struct {
	Notes  []noteRecord `json:"notes"`
	Access struct {
		Viewer  string          `json:"viewer"`
		Entries map[string]bool `json:"entries"`
	} `json:"access"`
}

type outcome struct {
	Operation string `json:"operation"`
	Success   *struct {
		TxHash      string   `json:"txHash"`
		BlockNumber uint64   `json:"blockNumber"`
		TokenID     *big.Int `json:"tokenId"`
	} `json:"success"`
}

type writeResult struct {
	Outcome *outcome    `json:"outcome"`
	Record  *noteRecord `json:"record"`
	Warning string      `json:"warning"`
}

func runNotes(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("notes", stderr)
	var (
		viewer string
		asJSON bool
	)
	fs.StringVar(&viewer, "viewer", "", "viewer address for the access map (defaults to the profile Viewer)")
	fs.BoolVar(&asJSON, "json", false, "print the raw listing")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	prof, err := common.resolve()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if viewer == "" {
		viewer = prof.Viewer
	}
	path := "/api/notes"
	if viewer != "" {
		path += "?viewer=" + url.QueryEscape(viewer)
	}
	var result listing
	if _, err := callAPI(prof, http.MethodGet, path, nil, &result); err != nil {
		return printAPIError(stderr, err)
	}
	if asJSON {
		printJSON(stdout, result)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tTITLE\tCOURSE\tPRICE (EDU)\tSUPPLY\tACCESS")
	for _, note := range result.Notes {
		access := "locked"
		if result.Access.Entries[note.TokenID] {
			access = "unlocked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			note.TokenID, note.Title, note.Course, formatPrice(note.PriceInWei), note.MaxSupplyInWei, access)
	}
	_ = tw.Flush()
	return 0
}

func formatPrice(wei string) string {
	value, err := chain.ParseWei(wei)
	if err != nil {
		return "-"
	}
	return chain.WeiToEther(value)
}

func runPublish(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("publish", stderr)
	var (
		title     string
		content   string
		course    string
		topic     string
		price     string
		maxSupply string
	)
	fs.StringVar(&title, "title", "", "note title")
	fs.StringVar(&content, "content", "", "note body, or @path to read it from a file")
	fs.StringVar(&course, "course", "", "course (Mathematics, Physics, ...)")
	fs.StringVar(&topic, "topic", "", "topic")
	fs.StringVar(&price, "price", "", "price per copy in EDU")
	fs.StringVar(&maxSupply, "max-supply", "", "number of copies")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	body, err := readContent(content)
	if err != nil {
		return printError(stderr, err.Error())
	}
	prof, err := common.resolve()
	if err != nil {
		return printError(stderr, err.Error())
	}
	draft := map[string]string{
		"title":     title,
		"content":   body,
		"course":    course,
		"topic":     topic,
		"price":     price,
		"maxSupply": maxSupply,
	}
	var result writeResult
	if _, err := callAPI(prof, http.MethodPost, "/api/notes", draft, &result); err != nil {
		return printAPIError(stderr, err)
	}
	reportWrite(stdout, stderr, result)
	return 0
}

// readContent returns raw, or the contents of the file named after a leading "@".
func readContent(raw string) (string, error) {
	if !strings.HasPrefix(raw, "@") {
		return raw, nil
	}
	path := strings.TrimPrefix(raw, "@")
	if path == "" {
		return "", errors.New("--content @ requires a file path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return string(data), nil
}

func runNoteWrite(name string, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet(name, stderr)
	var tokenID string
	fs.StringVar(&tokenID, "id", "", "note token id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if tokenID == "" && fs.NArg() == 1 {
		tokenID = fs.Arg(0)
	}
	if _, err := chain.ParseTokenID(tokenID); err != nil {
		return printError(stderr, "--id must be a non-negative integer token id")
	}
	prof, err := common.resolve()
	if err != nil {
		return printError(stderr, err.Error())
	}
	id := url.PathEscape(tokenID)
	var result writeResult
	switch name {
	case "mint":
		var out outcome
		_, err = callAPI(prof, http.MethodPost, "/api/notes/"+id+"/mint", nil, &out)
		result.Outcome = &out
	case "toggle":
		var out outcome
		_, err = callAPI(prof, http.MethodPost, "/api/notes/"+id+"/toggle", nil, &out)
		result.Outcome = &out
	case "revoke":
		_, err = callAPI(prof, http.MethodDelete, "/api/notes/"+id, nil, &result)
	}
	if err != nil {
		return printAPIError(stderr, err)
	}
	reportWrite(stdout, stderr, result)
	return 0
}

func runPrice(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("price", stderr)
	var tokenID, price string
	fs.StringVar(&tokenID, "id", "", "note token id")
	fs.StringVar(&price, "price", "", "new price per copy in EDU")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := chain.ParseTokenID(tokenID); err != nil {
		return printError(stderr, "--id must be a non-negative integer token id")
	}
	if _, err := chain.EtherToWei(price); err != nil {
		return printError(stderr, "--price must be a decimal EDU amount")
	}
	prof, err := common.resolve()
	if err != nil {
		return printError(stderr, err.Error())
	}
	var result writeResult
	if _, err := callAPI(prof, http.MethodPut, "/api/notes/"+url.PathEscape(tokenID)+"/price",
		map[string]string{"price": price}, &result); err != nil {
		return printAPIError(stderr, err)
	}
	reportWrite(stdout, stderr, result)
	return 0
}

func reportWrite(stdout, stderr io.Writer, result writeResult) {
	if result.Outcome != nil && result.Outcome.Success != nil {
		success := result.Outcome.Success
		fmt.Fprintf(stdout, "%s confirmed in tx %s", result.Outcome.Operation, success.TxHash)
		if success.BlockNumber > 0 {
			fmt.Fprintf(stdout, " (block %d)", success.BlockNumber)
		}
		fmt.Fprintln(stdout)
		if success.TokenID != nil {
			fmt.Fprintf(stdout, "token id: %s\n", success.TokenID)
		}
	}
	if result.Record != nil {
		fmt.Fprintf(stdout, "record: %s %q price %s EDU\n", result.Record.TokenID, result.Record.Title, formatPrice(result.Record.PriceInWei))
	}
	if result.Warning != "" {
		fmt.Fprintf(stderr, "Warning: %s\n", result.Warning)
	}
}

func runTx(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("tx", stderr)
	var status string
	fs.StringVar(&status, "status", "", "filter journaled transactions by status (pending, confirmed, reverted, failed)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	prof, err := common.resolve()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if fs.NArg() > 1 {
		return printError(stderr, "at most one transaction hash may be given")
	}
	var result any
	if fs.NArg() == 1 {
		hash := strings.TrimSpace(fs.Arg(0))
		_, err = callAPI(prof, http.MethodGet, "/api/tx/"+url.PathEscape(hash), nil, &result)
	} else {
		path := "/api/tx"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		_, err = callAPI(prof, http.MethodGet, path, nil, &result)
	}
	if err != nil {
		return printAPIError(stderr, err)
	}
	printJSON(stdout, result)
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("export", stderr)
	var format, status, out string
	fs.StringVar(&format, "format", "csv", "export format (csv, jsonl, parquet)")
	fs.StringVar(&status, "status", "", "only export transactions with this status")
	fs.StringVar(&out, "out", "", "write the export to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	prof, err := common.resolve()
	if err != nil {
		return printError(stderr, err.Error())
	}
	query := url.Values{"format": {format}}
	if status != "" {
		query.Set("status", status)
	}
	data, header, err := fetchRaw(prof, "/api/tx/export?"+query.Encode())
	if err != nil {
		return printAPIError(stderr, err)
	}
	if out == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Wrote %d bytes to %s (sha256 %s)\n", len(data), out, header.Get("X-Export-Checksum"))
	return 0
}
