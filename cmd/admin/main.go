package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/onexay/commitvault/internal/model"
)

const defaultAPI = "http://localhost:8080"

const usage = `commitvault-admin talks to a running commitvault API.

Usage:
  commitvault-admin [flags] <command> [args]

Commands:
  health                 check cache and archive store
  work                   process one queued registration
  expire                 sweep archives past the retention horizon
  get <digest>           write an archive to stdout
  diff <from> <to>       unified diff between two archives
  suites                 list suites for --repo/--branch
  index <suite>          list archives for --repo/--branch/suite

Flags:
`

type client struct {
	base string
	http *http.Client
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	flagSet := pflag.NewFlagSet("commitvault-admin", pflag.ContinueOnError)
	api := flagSet.String("api", envDefault("COMMITVAULT_API", defaultAPI), "base URL of the commitvault API")
	repo := flagSet.String("repo", "", "repository id")
	branch := flagSet.String("branch", "", "branch name")
	size := flagSet.Int64("size", -1, "expected archive size for get")
	dumpJSON := flagSet.Bool("json", false, "output JSON instead of a table")
	timeout := flagSet.Duration("timeout", 30*time.Second, "request timeout")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(argv); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 {
		flagSet.Usage()
		return fmt.Errorf("command is required")
	}
	c := client{base: strings.TrimRight(*api, "/"), http: &http.Client{Timeout: *timeout}}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "health":
		return c.printJSON(http.MethodGet, "/healthz", nil)
	case "work":
		return c.printJSON(http.MethodPost, "/api/v1/work", nil)
	case "expire":
		return c.printJSON(http.MethodPost, "/api/v1/expire", nil)
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("get takes exactly one digest")
		}
		q := url.Values{}
		if *size >= 0 {
			q.Set("size", strconv.FormatInt(*size, 10))
		}
		return c.copy(os.Stdout, "/api/v1/archives/"+url.PathEscape(rest[0]), q)
	case "diff":
		if len(rest) != 2 {
			return fmt.Errorf("diff takes two digests")
		}
		return c.copy(os.Stdout, "/api/v1/archives/"+url.PathEscape(rest[0])+"/diff/"+url.PathEscape(rest[1]), nil)
	case "suites":
		return c.printJSON(http.MethodGet, "/api/v1/suites", url.Values{"repository_id": {*repo}, "branch": {*branch}})
	case "index":
		if len(rest) != 1 || *repo == "" || *branch == "" {
			return fmt.Errorf("index needs --repo, --branch and a suite")
		}
		q := url.Values{"repository_id": {*repo}, "branch": {*branch}, "suite": {rest[0]}}
		if *dumpJSON {
			return c.printJSON(http.MethodGet, "/api/v1/index", q)
		}
		return c.printIndex(q)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c client) do(method, path string, q url.Values) (*http.Response, error) {
	endpoint := c.base + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: %s %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c client) printJSON(method, path string, q url.Values) error {
	resp, err := c.do(method, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (c client) copy(w io.Writer, path string, q url.Values) error {
	resp, err := c.do(http.MethodGet, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c client) printIndex(q url.Values) error {
	resp, err := c.do(http.MethodGet, "/api/v1/index", q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var body struct {
		Archives []model.IndexEntry `json:"archives"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Commit\tUUID\tDigest\tSize\n")
	for _, e := range body.Archives {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", e.CommitID, e.UUID, e.Digest, e.Size)
	}
	return tw.Flush()
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
