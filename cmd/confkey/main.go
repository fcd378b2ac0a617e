package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"confsyncd/core"
)

// Exit codes: 0 success, 1 expected failure (not found, no keys removed),
// 255 internal error.
const (
	exitOK       = 0
	exitExpected = 1
	exitInternal = 255
)

func main() {
	os.Exit(runMain(os.Args[1:]))
}

func runMain(argv []string) int {
	flags := pflag.NewFlagSet("confkey", pflag.ContinueOnError)
	help := flags.Bool("help", false, "print help")
	debug := flags.Bool("debug", false, "enable debug output")
	verbose := flags.Bool("verbose", false, "enable verbose output")
	version := flags.Bool("version", false, "print version")
	outputFile := flags.String("output-file", "", "use P as the base for .priv/.pub file names")
	showHosts := flags.Bool("show-hosts", false, "print lastseen table (tab-aligned)")
	removeKeys := flags.String("remove-keys", "", "remove keys and lastseen entries for host H")
	printDigest := flags.String("print-digest", "", "print the canonical digest of public key at P")

	if err := flags.Parse(argv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInternal
	}

	if *help {
		flags.PrintDefaults()
		return exitOK
	}
	if *version {
		fmt.Println("confkey/" + core.Version)
		return exitOK
	}
	switch {
	case *debug:
		core.Logger().SetLevel(log.DebugLevel)
	case *verbose:
		core.Logger().SetLevel(log.InfoLevel)
	default:
		core.Logger().SetLevel(log.WarnLevel)
	}

	cfg := core.Default()

	switch {
	case *printDigest != "":
		return printKeyDigest(*printDigest)
	case *showHosts:
		return showHostTable(cfg)
	case *removeKeys != "":
		return removeHostKeys(cfg, *removeKeys)
	default:
		return generateKeyPair(cfg, *outputFile)
	}
}

func generateKeyPair(cfg *core.Config, outputFile string) int {
	privPath := cfg.PrivateKeyPath()
	pubPath := cfg.PublicKeyPath()
	if outputFile != "" {
		privPath = outputFile + ".priv"
		pubPath = outputFile + ".pub"
	}

	if _, err := os.Stat(privPath); err == nil {
		fmt.Fprintf(os.Stderr, "a key pair already exists at %s\n", privPath)
		return exitExpected
	}

	priv, err := core.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key pair: %v\n", err)
		return exitInternal
	}
	if err := os.MkdirAll(cfg.PPKeysDir(), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create ppkeys dir: %v\n", err)
		return exitInternal
	}
	if err := core.SavePrivateKey(privPath, priv); err != nil {
		fmt.Fprintf(os.Stderr, "save private key: %v\n", err)
		return exitInternal
	}
	if err := core.SavePublicKey(pubPath, &priv.PublicKey); err != nil {
		fmt.Fprintf(os.Stderr, "save public key: %v\n", err)
		return exitInternal
	}
	if err := os.MkdirAll(cfg.StateDir(), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create state dir: %v\n", err)
		return exitInternal
	}
	if err := core.WriteRandSeed(cfg.RandSeedPath(), 1024); err != nil {
		fmt.Fprintf(os.Stderr, "write randseed: %v\n", err)
		return exitInternal
	}

	fmt.Printf("-----BEGIN----- %s\n", core.IdentityDigest(&priv.PublicKey))
	return exitOK
}

func printKeyDigest(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		return exitExpected
	}
	pub, err := core.ParsePublicKeyPEM(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", path, err)
		return exitInternal
	}
	fmt.Println(core.IdentityDigest(pub))
	return exitOK
}

func showHostTable(cfg *core.Config) int {
	if err := os.MkdirAll(cfg.StateDir(), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create state dir: %v\n", err)
		return exitInternal
	}
	seen, err := core.OpenLastseen(cfg.LastseenPath(), cfg.Lastseen.ForgetRate, cfg.Lastseen.GCHorizon)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open lastseen store: %v\n", err)
		return exitInternal
	}
	defer seen.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIRECTION\tDIGEST\tADDRESS\tLAST SEEN")
	count := 0
	err = seen.Scan(func(sr core.ScanResult) bool {
		count++
		direction := "incoming"
		if sr.Role == core.RoleConnect {
			direction = "outgoing"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", direction, sr.Digest, sr.Entry.Address, sr.Entry.LastSeen.Format("2006-01-02 15:04:05"))
		return true
	})
	tw.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan lastseen store: %v\n", err)
		return exitInternal
	}
	if count == 0 {
		fmt.Fprintln(os.Stderr, "no hosts on file")
		return exitExpected
	}
	return exitOK
}

func removeHostKeys(cfg *core.Config, host string) int {
	keys, err := core.NewKeyStore(cfg.PPKeysDir(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open key store: %v\n", err)
		return exitInternal
	}
	removedKeys, err := keys.RemovePublicKey(host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remove keys: %v\n", err)
		return exitInternal
	}

	if err := os.MkdirAll(cfg.StateDir(), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create state dir: %v\n", err)
		return exitInternal
	}
	seen, err := core.OpenLastseen(cfg.LastseenPath(), cfg.Lastseen.ForgetRate, cfg.Lastseen.GCHorizon)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open lastseen store: %v\n", err)
		return exitInternal
	}
	defer seen.Close()
	if err := seen.RemoveHost(host); err != nil {
		fmt.Fprintf(os.Stderr, "remove lastseen entries: %v\n", err)
		return exitInternal
	}

	if removedKeys == 0 {
		fmt.Fprintf(os.Stderr, "no keys found for %s\n", host)
		return exitExpected
	}
	fmt.Printf("removed %d key(s) for %s\n", removedKeys, host)
	return exitOK
}
