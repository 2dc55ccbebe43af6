// Command oidcfedctl is the CLI front-end for the trust-chain builder and
// metadata resolver, per spec section 6 ("CLI surface"). Built on the
// standard library flag package: the teacher repo carries no CLI front-end
// to imitate here, and no example in the pack pulls in cobra or
// urfave/cli, so introducing one would be ungrounded (see DESIGN.md).
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/surf-oidcfed/trustwalker/internal/chainvalidate"
	"github.com/surf-oidcfed/trustwalker/internal/discovery"
	"github.com/surf-oidcfed/trustwalker/internal/dot"
	"github.com/surf-oidcfed/trustwalker/internal/entity"
	"github.com/surf-oidcfed/trustwalker/internal/fetcher"
	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/internal/resolver"
	"github.com/surf-oidcfed/trustwalker/internal/verifier"
)

const defaultResolveEntityType = "openid_relying_party"

// exit codes, per spec section 6.
const (
	exitOK         = 0
	exitUsage      = 1
	exitFederation = 2
	exitNetwork    = 3
)

// stringList collects a repeatable flag (--trust-anchor) into a slice.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type options struct {
	trustAnchors stringList
	entityType   string
	export       string
	details      bool
	insecure     bool
	logLevel     string
	debug        bool
	signed       bool
	refresh      bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: oidcfedctl <command> [args] [flags]")
		return exitUsage
	}
	cmd := args[0]
	rest := args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var opts options
	fs.Var(&opts.trustAnchors, "trust-anchor", "trust anchor entity ID (repeatable)")
	fs.StringVar(&opts.entityType, "entity-type", "", "entity-type tag to filter or resolve for")
	fs.StringVar(&opts.export, "export", "", "write a DOT export to this path")
	fs.BoolVar(&opts.details, "details", false, "print full statement details, not just summaries")
	fs.BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log verbosity: debug, info, warn, error")
	fs.BoolVar(&opts.debug, "debug", false, "include raw JWS, JWKS, and validator decisions in error output")
	fs.BoolVar(&opts.signed, "signed", false, "resolve: wrap the result in a signed resolve-response+jwt instead of plain JSON")
	fs.BoolVar(&opts.refresh, "refresh", false, "fetch/entity: bypass the cached entity configuration and re-fetch")

	// Flags may follow positional arguments, so parsing resumes after each
	// positional argument the flag package stops at.
	var positional []string
	for {
		if err := fs.Parse(rest); err != nil {
			return exitUsage
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	if !opts.debug && strings.EqualFold(opts.logLevel, "debug") {
		opts.debug = true
	}
	if !strings.EqualFold(opts.logLevel, "debug") {
		log.SetOutput(os.Stderr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	f := fetcher.New(fetcher.Config{InsecureSkipVerify: opts.insecure}, nil)
	explorer := graph.New(f, graph.Config{})

	var err error
	switch cmd {
	case "fetch":
		err = runFetch(ctx, f, positional, opts)
	case "list":
		err = runList(ctx, f, positional, opts)
	case "entity":
		err = runEntity(ctx, f, positional, opts)
	case "trustchains":
		err = runTrustChains(ctx, explorer, positional, opts)
	case "subtree":
		err = runSubtree(ctx, explorer, positional, opts)
	case "resolve":
		err = runResolve(ctx, explorer, positional, opts)
	case "discovery":
		err = runDiscovery(ctx, explorer, f, positional, opts)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return exitUsage
	}

	if err == nil {
		return exitOK
	}
	return reportError(err, opts)
}

func reportError(err error, opts options) int {
	kind, ok := ferrors.KindOf(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFederation
	}
	fmt.Fprintf(os.Stderr, "error [%s]: %v\n", kind, err)
	if opts.debug {
		fmt.Fprintf(os.Stderr, "debug: %+v\n", err)
	}
	switch kind {
	case ferrors.KindNetwork, ferrors.KindTimeout:
		return exitNetwork
	default:
		return exitFederation
	}
}

func requireArg(positional []string, name string) (string, error) {
	if len(positional) == 0 {
		return "", ferrors.Newf(ferrors.KindInvalidEntityID, "cli", "", "missing required argument %s", name)
	}
	return positional[0], nil
}

func normalizedArg(positional []string, name string) (string, error) {
	raw, err := requireArg(positional, name)
	if err != nil {
		return "", err
	}
	id, err := entity.Normalize(raw)
	if err != nil {
		return "", ferrors.New(ferrors.KindInvalidEntityID, "cli", raw, err)
	}
	return string(id), nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runFetch(ctx context.Context, f *fetcher.Fetcher, positional []string, opts options) error {
	id, err := normalizedArg(positional, "entity_id")
	if err != nil {
		return err
	}
	if opts.refresh {
		f.InvalidateConfiguration(id)
	}
	stmt, err := f.FetchConfiguration(ctx, id)
	if err != nil {
		return err
	}
	if opts.details {
		printJSON(stmt)
	} else {
		fmt.Printf("%s  types=%v  authority_hints=%v\n", stmt.Subject, stmt.EntityTypes(), stmt.AuthorityHints)
	}
	return nil
}

func runList(ctx context.Context, f *fetcher.Fetcher, positional []string, opts options) error {
	id, err := normalizedArg(positional, "entity_id")
	if err != nil {
		return err
	}
	children, err := f.ListSubordinates(ctx, id, opts.entityType)
	if err != nil {
		return err
	}
	if opts.details {
		printJSON(children)
		return nil
	}
	for _, c := range children {
		fmt.Println(c)
	}
	return nil
}

func runEntity(ctx context.Context, f *fetcher.Fetcher, positional []string, opts options) error {
	if len(positional) < 2 || positional[0] != "configuration" {
		return ferrors.Newf(ferrors.KindInvalidEntityID, "cli", "", "usage: oidcfedctl entity configuration <entity_id>")
	}
	id, err := entity.Normalize(positional[1])
	if err != nil {
		return ferrors.New(ferrors.KindInvalidEntityID, "cli", positional[1], err)
	}
	if opts.refresh {
		f.InvalidateConfiguration(string(id))
	}
	stmt, err := f.FetchConfiguration(ctx, string(id))
	if err != nil {
		return err
	}
	printJSON(stmt)
	return nil
}

func runTrustChains(ctx context.Context, explorer *graph.Explorer, positional []string, opts options) error {
	id, err := normalizedArg(positional, "entity_id")
	if err != nil {
		return err
	}
	chains, err := explorer.BuildChains(ctx, id, opts.trustAnchors)
	if err != nil {
		return err
	}

	v := verifier.New()
	validator := chainvalidate.New(v, opts.trustAnchors)
	valid := make([]*graph.TrustChain, 0, len(chains))
	for _, c := range chains {
		if verr := validator.Validate(c); verr == nil {
			valid = append(valid, c)
		} else if opts.debug {
			fmt.Fprintf(os.Stderr, "debug: rejecting chain to %s: %v\n", c.Anchor(), verr)
		}
	}
	graph.SortChains(valid)

	if opts.export != "" {
		if err := os.WriteFile(opts.export, []byte(dot.Chains(valid)), 0o644); err != nil {
			return fmt.Errorf("writing dot export: %w", err)
		}
	}

	if len(valid) == 0 {
		return ferrors.Newf(ferrors.KindAnchorNotReached, "cli", id, "no valid trust chain found for %s", id)
	}
	for _, c := range valid {
		if opts.details {
			printJSON(c.Statements)
			continue
		}
		fmt.Printf("%s -> %s (%d hops)\n", c.Leaf(), c.Anchor(), c.Superiors())
	}
	return nil
}

func runSubtree(ctx context.Context, explorer *graph.Explorer, positional []string, opts options) error {
	id, err := normalizedArg(positional, "entity_id")
	if err != nil {
		return err
	}
	nodes, err := explorer.DiscoverSubtree(ctx, id, "")
	if err != nil {
		return err
	}
	byID := make(map[string]*graph.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	root, ok := byID[id]
	if !ok {
		return ferrors.Newf(ferrors.KindInvalidEntityID, "cli", id, "root %s missing from discovered subtree", id)
	}

	if opts.export != "" {
		if err := os.WriteFile(opts.export, []byte(dot.Subtree(root, byID)), 0o644); err != nil {
			return fmt.Errorf("writing dot export: %w", err)
		}
	}

	for _, n := range nodes {
		if opts.entityType != "" && !hasType(n.EntityTypes, opts.entityType) {
			continue
		}
		if opts.details {
			printJSON(n)
			continue
		}
		fmt.Printf("%s  types=%v\n", n.ID, n.EntityTypes)
	}
	return nil
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func runResolve(ctx context.Context, explorer *graph.Explorer, positional []string, opts options) error {
	id, err := normalizedArg(positional, "entity_id")
	if err != nil {
		return err
	}
	if len(opts.trustAnchors) == 0 {
		return ferrors.Newf(ferrors.KindNoTrustAnchorConfigured, "cli", id, "resolve requires at least one --trust-anchor")
	}
	entityType := opts.entityType
	if entityType == "" {
		entityType = defaultResolveEntityType
	}

	r := resolver.New(explorer, nil)

	if !opts.signed {
		var lastErr error
		for _, anchor := range opts.trustAnchors {
			resolved, rerr := r.Resolve(ctx, id, anchor, entityType)
			if rerr != nil {
				lastErr = rerr
				continue
			}
			printJSON(resolved)
			return nil
		}
		return lastErr
	}

	key, err := cliSigningKey()
	if err != nil {
		return err
	}
	var lastErr error
	for _, anchor := range opts.trustAnchors {
		signed, rerr := r.ResolveAndSign(ctx, "oidcfedctl", id, anchor, entityType, key)
		if rerr != nil {
			lastErr = rerr
			continue
		}
		fmt.Println(signed)
		return nil
	}
	return lastErr
}

// cliSigningKey generates an ephemeral RSA key for --signed resolve output,
// since the CLI has no persistent resolver identity of its own to sign with.
func cliSigningKey() (resolver.SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return resolver.SigningKey{}, fmt.Errorf("generating signing key: %w", err)
	}
	return resolver.SigningKey{KeyID: "oidcfedctl-key-1", Method: jwt.SigningMethodRS256, PrivateKey: priv}, nil
}

func runDiscovery(ctx context.Context, explorer *graph.Explorer, f *fetcher.Fetcher, positional []string, opts options) error {
	id, err := normalizedArg(positional, "entity_id")
	if err != nil {
		return err
	}
	d := discovery.New(explorer, f, nil)
	ids, err := d.Discover(ctx, id, opts.trustAnchors, opts.entityType)
	if err != nil {
		return err
	}
	if opts.details {
		printJSON(ids)
		return nil
	}
	for _, found := range ids {
		fmt.Println(found)
	}
	return nil
}
