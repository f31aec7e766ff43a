package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultProfile  = "./notectl.toml"
	defaultEndpoint = "http://localhost:7090"
	profileEnv      = "NOTECTL_PROFILE"
)

// profile holds per-operator defaults. Flags override every field.
type profile struct {
	Endpoint    string `toml:"Endpoint"`
	Token       string `toml:"Token"`
	TokenEnv    string `toml:"TokenEnv"`
	Viewer      string `toml:"Viewer"`
	KeystoreDir string `toml:"KeystoreDir"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 1
	}
	switch args[0] {
	case "notes":
		return runNotes(args[1:], stdout, stderr)
	case "publish":
		return runPublish(args[1:], stdout, stderr)
	case "mint":
		return runNoteWrite("mint", args[1:], stdout, stderr)
	case "toggle":
		return runNoteWrite("toggle", args[1:], stdout, stderr)
	case "revoke":
		return runNoteWrite("revoke", args[1:], stdout, stderr)
	case "price":
		return runPrice(args[1:], stdout, stderr)
	case "tx":
		return runTx(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "keystore-import":
		return runKeystoreImport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		usage(stderr)
		return 1
	}
}

type commonFlags struct {
	profilePath string
	endpoint    string
	token       string
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(stderr)
	common := &commonFlags{}
	flags.StringVar(&common.profilePath, "profile", "", "path to the notectl TOML profile")
	flags.StringVar(&common.endpoint, "endpoint", "", "notegate API base URL")
	flags.StringVar(&common.token, "token", "", "bearer token for the notegate API")
	return flags, common
}

// resolve merges the profile with the flags.
func (c *commonFlags) resolve() (profile, error) {
	prof, err := loadProfile(c.profilePath)
	if err != nil {
		return prof, err
	}
	if c.endpoint != "" {
		prof.Endpoint = c.endpoint
	}
	if c.token != "" {
		prof.Token = c.token
	}
	if prof.Token == "" && prof.TokenEnv != "" {
		prof.Token = strings.TrimSpace(os.Getenv(prof.TokenEnv))
	}
	if prof.Endpoint == "" {
		prof.Endpoint = defaultEndpoint
	}
	prof.Endpoint = strings.TrimRight(prof.Endpoint, "/")
	return prof, nil
}

// loadProfile reads path, the NOTECTL_PROFILE file, or ./notectl.toml. Only an explicit path
// must exist.
func loadProfile(path string) (profile, error) {
	var prof profile
	explicit := path != ""
	if !explicit {
		path = os.Getenv(profileEnv)
		explicit = path != ""
	}
	if path == "" {
		path = defaultProfile
	}
	if _, err := toml.DecodeFile(path, &prof); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return profile{}, nil
		}
		return profile{}, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	return prof, nil
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "notectl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  notes            List notes and the viewer's access map")
	fmt.Fprintln(w, "  publish          Publish a new note")
	fmt.Fprintln(w, "  mint             Purchase a copy of a note")
	fmt.Fprintln(w, "  toggle           Toggle a note's active flag")
	fmt.Fprintln(w, "  price            Update a note's price")
	fmt.Fprintln(w, "  revoke           Deactivate a note and delete its record")
	fmt.Fprintln(w, "  tx               Show journaled transactions or re-query one")
	fmt.Fprintln(w, "  export           Download the transaction journal as csv, jsonl or parquet")
	fmt.Fprintln(w, "  keystore-import  Encrypt a hex private key into a keystore directory")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Connection defaults are read from %s or $%s.\n", defaultProfile, profileEnv)
}
